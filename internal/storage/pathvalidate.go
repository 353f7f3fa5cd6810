package storage

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/basket/vibe-orchestrator/internal/domain"
)

// BoundedPathValidator is the reference domain.PathValidator (§6): it
// rejects any path that resolves (after symlink evaluation) outside of a
// configured set of allowed root directories. Grounded on
// internal/tools/file.go's isPathAllowed, whose "hard fail, never retry"
// posture on a rejected path this mirrors.
type BoundedPathValidator struct {
	roots []string
}

// NewBoundedPathValidator constructs a validator scoped to the given
// absolute root directories.
func NewBoundedPathValidator(roots ...string) *BoundedPathValidator {
	resolved := make([]string, 0, len(roots))
	for _, r := range roots {
		if abs, err := filepath.Abs(r); err == nil {
			resolved = append(resolved, abs)
		}
	}
	return &BoundedPathValidator{roots: resolved}
}

// Validate resolves path and confirms it falls under one of the configured
// roots. A path traversal attempt or a path outside every root is reported
// as !OK with a violation type, never an error — only truly malformed
// input (unresolvable path) is an error.
func (v *BoundedPathValidator) Validate(ctx context.Context, path string, op string) (domain.PathValidationResult, error) {
	if path == "" {
		return domain.PathValidationResult{OK: false, ViolationType: "empty_path"}, nil
	}
	resolved, err := filepath.Abs(path)
	if err != nil {
		return domain.PathValidationResult{}, domain.NewError(domain.ErrValidation, "cannot resolve path", err)
	}

	evaluated, err := filepath.EvalSymlinks(filepath.Dir(resolved))
	if err != nil {
		// Parent directory may not exist yet; acceptable for a write/create op.
		evaluated = filepath.Dir(resolved)
	}
	canonical := filepath.Join(evaluated, filepath.Base(resolved))

	if len(v.roots) == 0 {
		return domain.PathValidationResult{OK: true, Canonical: canonical}, nil
	}
	for _, root := range v.roots {
		if canonical == root || strings.HasPrefix(canonical, root+string(filepath.Separator)) {
			return domain.PathValidationResult{OK: true, Canonical: canonical}, nil
		}
	}
	return domain.PathValidationResult{OK: false, Canonical: canonical, ViolationType: "outside_allowed_roots"}, nil
}
