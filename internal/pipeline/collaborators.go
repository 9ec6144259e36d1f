// Collaborator contracts at the core's boundary: locating reference
// baselines, provisioning targets, and packaging artifacts. The defaults
// here are deliberately thin; anything heavier (document download, container
// lifecycle) lives outside the core.
package pipeline

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"stigforge/internal/types"
)

// BaselineLocator finds local directories of previously written
// verification code for a product keyword.
type BaselineLocator interface {
	Locate(ctx context.Context, product string) ([]string, error)
}

// TargetProvisioner resolves a product keyword to an opaque target handle.
// The core never provisions or tears down targets itself.
type TargetProvisioner interface {
	Provision(ctx context.Context, product string) (types.Target, error)
}

// Packager collects {id, code} pairs for controls that reached PASSED and
// bundles them into a distributable artifact.
type Packager interface {
	Add(control types.Control) error
	Finalize(ctx context.Context, product string) (string, error)
}

var nonWordRegex = regexp.MustCompile(`[^\w\s-]`)
var spaceRegex = regexp.MustCompile(`\s+`)

// NormalizeProduct converts a product keyword into a filesystem- and
// search-friendly slug ("Red Hat Enterprise Linux 9" -> "red-hat-enterprise-linux-9").
func NormalizeProduct(product string) string {
	s := nonWordRegex.ReplaceAllString(strings.ToLower(product), "")
	s = spaceRegex.ReplaceAllString(strings.TrimSpace(s), "-")
	if s == "" {
		return "baseline"
	}
	return s
}

// DirLocator locates baselines as subdirectories of a root whose names
// contain the normalized product keyword. An empty product matches all.
type DirLocator struct {
	Root string
}

// Locate returns matching baseline directories in lexical order.
func (l DirLocator) Locate(ctx context.Context, product string) ([]string, error) {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan baselines root %s: %w", l.Root, err)
	}

	slug := NormalizeProduct(product)
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if product == "" || strings.Contains(NormalizeProduct(e.Name()), slug) {
			dirs = append(dirs, filepath.Join(l.Root, e.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// StaticProvisioner hands out a fixed, externally managed target.
type StaticProvisioner struct {
	Target types.Target
}

// Provision returns the configured target regardless of product.
func (p StaticProvisioner) Provision(ctx context.Context, product string) (types.Target, error) {
	if p.Target.Transport == "" {
		return types.Target{}, fmt.Errorf("no target configured for product %q", product)
	}
	return p.Target, nil
}

// ZipPackager accumulates passed controls and writes an InSpec profile
// skeleton plus a zip bundle under Dir.
type ZipPackager struct {
	Dir string

	mu       sync.Mutex
	controls []types.Control
}

// Add records a validated control for packaging. Duplicate ids are
// last-write-wins.
func (p *ZipPackager) Add(control types.Control) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.controls {
		if c.ID == control.ID {
			p.controls[i] = control
			return nil
		}
	}
	p.controls = append(p.controls, control)
	return nil
}

type profileMetadata struct {
	Name    string `yaml:"name"`
	Title   string `yaml:"title"`
	Version string `yaml:"version"`
}

// Finalize writes <dir>/<slug>_baseline/{inspec.yml,controls/*.rb} and a
// sibling <slug>_baseline.zip, returning the zip path.
func (p *ZipPackager) Finalize(ctx context.Context, product string) (string, error) {
	p.mu.Lock()
	controls := append([]types.Control(nil), p.controls...)
	p.mu.Unlock()

	if len(controls) == 0 {
		return "", fmt.Errorf("nothing to package for %q", product)
	}

	slug := NormalizeProduct(product) + "_baseline"
	profileDir := filepath.Join(p.Dir, slug)
	controlsDir := filepath.Join(profileDir, "controls")
	if err := os.MkdirAll(controlsDir, 0o755); err != nil {
		return "", fmt.Errorf("create profile dir: %w", err)
	}

	meta, err := yaml.Marshal(profileMetadata{
		Name:    slug,
		Title:   fmt.Sprintf("Validated baseline for %s", product),
		Version: "0.1.0",
	})
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(profileDir, "inspec.yml"), meta, 0o644); err != nil {
		return "", fmt.Errorf("write inspec.yml: %w", err)
	}

	for _, c := range controls {
		name := safeName(c.ID) + ".rb"
		if err := os.WriteFile(filepath.Join(controlsDir, name), []byte(c.Code), 0o644); err != nil {
			return "", fmt.Errorf("write control %s: %w", c.ID, err)
		}
	}

	zipPath := filepath.Join(p.Dir, slug+".zip")
	if err := zipDir(profileDir, slug, zipPath); err != nil {
		return "", fmt.Errorf("package %s: %w", slug, err)
	}
	return zipPath, nil
}

func zipDir(dir, prefix, zipPath string) error {
	f, err := os.Create(zipPath)
	if err != nil {
		return err
	}
	defer f.Close()

	zw := zip.NewWriter(f)
	defer zw.Close()

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		w, err := zw.Create(filepath.ToSlash(filepath.Join(prefix, rel)))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(w, src)
		return err
	})
}

func safeName(id string) string {
	var sb strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	if sb.Len() == 0 {
		return "control"
	}
	return sb.String()
}
