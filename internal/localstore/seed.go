package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/errorkb/internal/generalize"
	"github.com/fyrsmithlabs/errorkb/internal/pattern"
)

// maxSeedBytes caps a seed pack file.
const maxSeedBytes = 4 << 20

// defaultSeedRating is the initial rating of a seeded solution that does not
// state one.
const defaultSeedRating = 3

var frameworkName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// SeedPath resolves a framework name to its pack file in dir. Names may not
// contain path separators.
func SeedPath(dir, framework string) (string, error) {
	if !frameworkName.MatchString(framework) || strings.Contains(framework, "..") {
		return "", fmt.Errorf("%w: invalid framework name %q", pattern.ErrValidation, framework)
	}
	for _, ext := range []string{".yaml", ".yml", ".json"} {
		path := filepath.Join(dir, framework+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: no seed pack for %s in %s", pattern.ErrNotFound, framework, dir)
}

// ReadSeedPack parses a YAML (or JSON) seed pack and validates it.
func ReadSeedPack(r io.Reader) (*pattern.SeedPack, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxSeedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading seed pack: %w", err)
	}
	if len(data) > maxSeedBytes {
		return nil, fmt.Errorf("%w: seed pack exceeds %d bytes", pattern.ErrValidation, maxSeedBytes)
	}

	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: parsing seed pack: %v", pattern.ErrValidation, err)
	}
	var pack pattern.SeedPack
	if err := k.Unmarshal("", &pack); err != nil {
		return nil, fmt.Errorf("%w: decoding seed pack: %v", pattern.ErrValidation, err)
	}
	if err := pack.Validate(); err != nil {
		return nil, err
	}
	return &pack, nil
}

// Seed imports a pack in one transaction. Patterns that already exist are
// left untouched, together with their solutions, so importing the same pack
// twice changes nothing the second time. New patterns start with one
// occurrence and are synced like captured ones.
func (s *Store) Seed(ctx context.Context, pack *pattern.SeedPack) (*pattern.SeedResult, error) {
	ctx, span := s.tracer.Start(ctx, "localstore.seed")
	defer span.End()

	if err := pack.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid seed pack")
		return nil, err
	}
	span.SetAttributes(attribute.String("seed.framework", pack.Framework))

	res := &pattern.SeedResult{Framework: pack.Framework}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ms := s.now().UnixMilli()
		for i := range pack.Patterns {
			sp := &pack.Patterns[i]
			added, id, err := s.seedPattern(ctx, tx, pack, sp, ms)
			if err != nil {
				return fmt.Errorf("seed pattern %d: %w", i, err)
			}
			if !added {
				res.PatternsExisting++
				continue
			}
			res.PatternsAdded++

			for _, sol := range sp.Solutions {
				rating := sol.Effectiveness
				if rating == 0 {
					rating = defaultSeedRating
				}
				if err := s.insertSolution(ctx, tx, uuid.NewString(), &pattern.AddSolutionRequest{
					PatternID:   id,
					Title:       sol.Title,
					Description: sol.Description,
					CodeSnippet: sol.CodeChange,
					Steps:       sol.Steps,
					AppliedBy:   "seed:" + pack.Framework,
				}, rating); err != nil {
					return fmt.Errorf("seed pattern %d: %w", i, err)
				}
				res.SolutionsAdded++
			}
		}
		return s.appendEvent(ctx, tx, &pattern.Event{
			Type:    pattern.EventSeed,
			Content: pack.Framework,
			Context: map[string]string{
				"patterns_added":    fmt.Sprint(res.PatternsAdded),
				"patterns_existing": fmt.Sprint(res.PatternsExisting),
				"solutions_added":   fmt.Sprint(res.SolutionsAdded),
			},
		})
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "seed failed")
		return nil, err
	}

	s.logger.Info("seeded knowledge",
		zap.String("framework", pack.Framework),
		zap.Int("patterns_added", res.PatternsAdded),
		zap.Int("patterns_existing", res.PatternsExisting),
		zap.Int("solutions_added", res.SolutionsAdded))
	return res, nil
}

func (s *Store) seedPattern(ctx context.Context, tx *sql.Tx, pack *pattern.SeedPack, sp *pattern.SeedPattern, ms int64) (bool, string, error) {
	language := sp.Language
	if strings.TrimSpace(language) == "" {
		language = pack.Language
	}
	language = generalize.NormalizeLanguage(language)

	raw := s.scrubber.Scrub(sp.Signature).Scrubbed
	signature, _ := generalize.Truncate(raw)
	generalized := generalize.Generalize(raw, language)
	id := generalize.PatternID(generalized, language)

	r, err := tx.ExecContext(ctx, `
		INSERT INTO patterns (
			id, signature, pattern, category, language, description, severity,
			occurrence_count, first_seen_unix_ms, last_seen_unix_ms, synced
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?, 0)
		ON CONFLICT(id) DO NOTHING`,
		id, signature, generalized, strings.TrimSpace(sp.Category), language,
		s.scrubber.Scrub(sp.Description).Scrubbed, string(sp.Severity), ms, ms)
	if err != nil {
		return false, "", wrapErr("insert seed pattern", err)
	}
	n, err := r.RowsAffected()
	if err != nil {
		return false, "", wrapErr("insert seed pattern", err)
	}
	if n == 0 {
		return false, id, nil
	}

	techs := append(append([]string{}, pack.Technologies...), sp.Technologies...)
	techs = append(techs, pack.Framework)
	if err := insertTechnologies(ctx, tx, id, techs); err != nil {
		return false, "", err
	}
	return true, id, nil
}
