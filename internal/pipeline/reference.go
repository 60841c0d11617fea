// File: internal/pipeline/reference.go
package pipeline

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/xkilldash9x/plantscan/internal/classifier"
	"github.com/xkilldash9x/plantscan/internal/config"
)

// ReferenceStrategy turns the path an agent reported into something the
// classification service can fetch.
type ReferenceStrategy interface {
	Reference(imagePath string) (classifier.Request, error)
}

// FileURIStrategy references the artifact as a file:// URI. Relative paths are
// resolved against Dir, the agent's working directory.
type FileURIStrategy struct {
	Dir string
}

func (s FileURIStrategy) Reference(imagePath string) (classifier.Request, error) {
	abs, err := resolve(s.Dir, imagePath)
	if err != nil {
		return classifier.Request{}, err
	}
	p := filepath.ToSlash(abs)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	u := url.URL{Scheme: "file", Path: p}
	return classifier.NewRequest(u.String())
}

// ServedURLStrategy references the artifact through the static file endpoint
// that serves Root under BaseURL.
type ServedURLStrategy struct {
	BaseURL string
	Root    string
}

func (s ServedURLStrategy) Reference(imagePath string) (classifier.Request, error) {
	abs, err := resolve(s.Root, imagePath)
	if err != nil {
		return classifier.Request{}, err
	}
	root, err := filepath.Abs(s.Root)
	if err != nil {
		return classifier.Request{}, fmt.Errorf("failed to resolve served root: %w", err)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return classifier.Request{}, fmt.Errorf("image %q is outside the served directory %q", imagePath, root)
	}
	ref, err := url.JoinPath(s.BaseURL, filepath.ToSlash(rel))
	if err != nil {
		return classifier.Request{}, fmt.Errorf("failed to build served URL: %w", err)
	}
	return classifier.NewRequest(ref)
}

// NewReferenceStrategy builds the configured strategy for artifacts written
// under workDir.
func NewReferenceStrategy(cfg config.ReferenceConfig, workDir string) (ReferenceStrategy, error) {
	switch cfg.Strategy {
	case config.StrategyFile, "":
		return FileURIStrategy{Dir: workDir}, nil
	case config.StrategyServed:
		return ServedURLStrategy{BaseURL: cfg.BaseURL, Root: workDir}, nil
	default:
		return nil, fmt.Errorf("unknown reference strategy '%s'", cfg.Strategy)
	}
}

func resolve(dir, imagePath string) (string, error) {
	p := imagePath
	if !filepath.IsAbs(p) {
		p = filepath.Join(dir, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve image path %q: %w", imagePath, err)
	}
	return abs, nil
}
