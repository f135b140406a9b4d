// Package generalize turns raw error text into a stable pattern by replacing
// the parts that vary between occurrences (ids, addresses, ports, paths,
// literals, numbers) with fixed placeholders.
package generalize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxSignatureRunes caps the raw text fed to Generalize.
const MaxSignatureRunes = 500

// Placeholders substituted into generalized patterns.
const (
	PlaceholderUUID = "UUID"
	PlaceholderAddr = "ADDR"
	PlaceholderPort = "PORT"
	PlaceholderPath = "PATH"
	PlaceholderVar  = "VAR"
	PlaceholderNum  = "N"
)

type rule struct {
	re   *regexp.Regexp
	repl string
}

// Order matters: UUIDs and hex addresses contain digits, ports and paths
// contain digits and quotes.
var rules = []rule{
	{regexp.MustCompile(`(?i)\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`), PlaceholderUUID},
	{regexp.MustCompile(`\b0[xX][0-9a-fA-F]+\b`), PlaceholderAddr},
	{regexp.MustCompile(`(\[[0-9a-fA-F:]+\]|\blocalhost|\b\d{1,3}(?:\.\d{1,3}){3}|\b[A-Za-z][A-Za-z0-9-]*(?:\.[A-Za-z0-9-]+)+):\d{1,5}(\s|$|:\s|[/,;)\]'"` + "`" + `>])`), "${1}:" + PlaceholderPort + "${2}"},
	{regexp.MustCompile(`(^|\s):\d{1,5}(\s|$|:\s|[/,;)\]'"` + "`" + `>])`), "${1}:" + PlaceholderPort + "${2}"},
	{regexp.MustCompile(`(^|[\s(=,'"` + "`" + `\[<])(?:[A-Za-z]:\\[^\s'"` + "`" + `,;:()\[\]<>]*|/[^\s'"` + "`" + `,;:()\[\]<>]+)`), "${1}" + PlaceholderPath},
	// An apostrophe after a letter or digit is a contraction, not a quote.
	{regexp.MustCompile(`(^|[^\pL\pN])'[^'\n]*'`), "${1}" + PlaceholderVar},
	{regexp.MustCompile(`"[^"\n]*"|` + "`[^`\\n]*`"), PlaceholderVar},
	{regexp.MustCompile(`\d+`), PlaceholderNum},
}

// Truncate caps raw at MaxSignatureRunes on a rune boundary.
func Truncate(raw string) (string, bool) {
	if utf8.RuneCountInString(raw) <= MaxSignatureRunes {
		return raw, false
	}
	n := 0
	for i := range raw {
		if n == MaxSignatureRunes {
			return raw[:i], true
		}
		n++
	}
	return raw, false
}

// Generalize returns the pattern for raw. It is pure and total: equal inputs
// give equal outputs and empty input gives empty output. The current rules
// are language independent.
func Generalize(raw, language string) string {
	text, _ := Truncate(raw)
	for _, r := range rules {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	return strings.Join(strings.Fields(text), " ")
}

// NormalizeLanguage lower-cases and trims a language name.
func NormalizeLanguage(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}

// PatternID derives the identity of a pattern. Two captures share an id
// exactly when their generalized text and language agree.
func PatternID(pattern, language string) string {
	h := sha256.New()
	h.Write([]byte(NormalizeLanguage(language)))
	h.Write([]byte{0})
	h.Write([]byte(pattern))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
