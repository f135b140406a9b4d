package generalize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneralize_Substitutions(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", ""},
		{"unix path", "File not found: /tmp/abc123.txt", "File not found: PATH"},
		{"quoted literal", "ENOENT: no such file or directory, open 'package.json'", "ENOENT: no such file or directory, open VAR"},
		{"double quoted", `KeyError: "user_id"`, "KeyError: VAR"},
		{"backtick", "undefined field `Name` on type", "undefined field VAR on type"},
		{"uuid", "session 123e4567-e89b-12d3-a456-426614174000 expired", "session UUID expired"},
		{"uppercase uuid", "id 123E4567-E89B-12D3-A456-426614174000", "id UUID"},
		{"hex address", "invalid memory address 0xc000012345 or nil pointer", "invalid memory address ADDR or nil pointer"},
		{"localhost port", "dial tcp localhost:8080: connection refused", "dial tcp localhost:PORT: connection refused"},
		{"ipv4 port", "connect ECONNREFUSED 127.0.0.1:5432", "connect ECONNREFUSED N.N.N.N:PORT"},
		{"hostname port", "cannot reach db.internal:5432/app", "cannot reach db.internal:PORT/app"},
		{"bare port", "listen tcp :8080: bind: address already in use", "listen tcp :PORT: bind: address already in use"},
		{"contraction kept", "file doesn't exist: 'alpha'", "file doesn't exist: VAR"},
		{"contraction before path", "can't open '/etc/app.conf'", "can't open VAR"},
		{"quote inside double quotes", `missing key "user's id"`, "missing key VAR"},
		{"windows path", `open C:\Users\dev\app.log: access denied`, "open PATH: access denied"},
		{"path with line", "panic at /srv/app/main.go:42:7", "panic at PATH:N:N"},
		{"digits", "expected 3 arguments, got 12", "expected N arguments, got N"},
		{"whitespace collapse", "  too   many\n\tspaces ", "too many spaces"},
		{"relative path untouched", "cannot import pkg/util", "cannot import pkg/util"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Generalize(tt.raw, "go"))
		})
	}
}

func TestGeneralize_NearDuplicatesCollapse(t *testing.T) {
	a := Generalize("File not found: /tmp/abc123.txt", "python")
	b := Generalize("File not found: /tmp/xyz789.txt", "python")
	assert.Equal(t, a, b)
	assert.Equal(t, PatternID(a, "python"), PatternID(b, "python"))

	pairs := [][2]string{
		{"file doesn't exist: 'alpha'", "file doesn't exist: 'beta'"},
		{"can't open 'foo.txt'", "can't open 'bar.txt'"},
		{"it's already mapped to 'a' and won't change", "it's already mapped to 'b' and won't change"},
		{"listen tcp :8080: bind: address already in use", "listen tcp :9090: bind: address already in use"},
	}
	for _, p := range pairs {
		ga, gb := Generalize(p[0], "go"), Generalize(p[1], "go")
		assert.Equal(t, ga, gb, "%q vs %q", p[0], p[1])
		assert.Equal(t, PatternID(ga, "go"), PatternID(gb, "go"))
	}
}

func TestGeneralize_Deterministic(t *testing.T) {
	inputs := []string{
		"TypeError: Cannot read properties of undefined (reading 'map') at /app/src/index.js:10:5",
		"goroutine 17 [running]: main.main() 0xdeadbeef",
		"connection to 10.0.0.4:6379 timed out after 30s",
		"couldn't find 'config' in /home/dev/app: it isn't there",
	}
	for _, in := range inputs {
		first := Generalize(in, "javascript")
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, Generalize(in, "javascript"))
		}
		assert.Equal(t, first, Generalize(first, "javascript"), "generalizing a pattern again is a no-op")
	}
}

func TestTruncate(t *testing.T) {
	short := "short"
	got, truncated := Truncate(short)
	assert.False(t, truncated)
	assert.Equal(t, short, got)

	long := strings.Repeat("é", MaxSignatureRunes+100)
	got, truncated = Truncate(long)
	require.True(t, truncated)
	assert.Equal(t, strings.Repeat("é", MaxSignatureRunes), got)
}

func TestGeneralize_CapsInput(t *testing.T) {
	prefix := strings.Repeat("x", MaxSignatureRunes)
	a := Generalize(prefix+" tail one", "go")
	b := Generalize(prefix+" something else entirely", "go")
	assert.Equal(t, a, b)
	assert.Len(t, a, MaxSignatureRunes)
}

func TestPatternID(t *testing.T) {
	id := PatternID("File not found: PATH", "Python")
	assert.Len(t, id, 32)
	assert.Equal(t, id, PatternID("File not found: PATH", " python "))
	assert.NotEqual(t, id, PatternID("File not found: PATH", "go"))
	assert.NotEqual(t, id, PatternID("File not found: VAR", "python"))
}
