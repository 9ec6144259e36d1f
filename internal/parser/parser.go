// Package parser extracts control blocks from InSpec profile source.
// Parsing is pure and best-effort: malformed blocks are skipped so a
// partial harvest never aborts ingestion of an otherwise valid file.
package parser

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"stigforge/internal/logging"
	"stigforge/internal/types"
)

var (
	// An InSpec control block spans from `control '<id>' do` to the
	// matching `end` at the start of a line.
	controlBlockRegex = regexp.MustCompile(`(?ms)^(control\s*['"].*?['"]\s*do\b.*?^end\s*)$`)
	controlIDRegex    = regexp.MustCompile(`control\s*['"]([^'"]+)['"]`)
	titleRegex        = regexp.MustCompile(`title\s*['"](.*?)['"]`)
)

// ParseControls extracts every well-formed control block from InSpec source
// text, in document order. A block is well-formed when both its id and its
// title are present; anything else is skipped silently. Code is the
// verbatim block text including delimiters.
func ParseControls(content string) []types.Control {
	var controls []types.Control

	for _, match := range controlBlockRegex.FindAllStringSubmatch(content, -1) {
		block := strings.TrimRight(match[1], " \t\r\n")

		idMatch := controlIDRegex.FindStringSubmatch(block)
		titleMatch := titleRegex.FindStringSubmatch(block)
		if idMatch == nil || titleMatch == nil {
			logging.Get(logging.CategoryParser).Debug("skipping malformed control block (%d bytes)", len(block))
			continue
		}

		controls = append(controls, types.Control{
			ID:          idMatch[1],
			Description: titleMatch[1],
			Code:        block,
		})
	}
	return controls
}

// ParseFile reads one file and extracts its control blocks.
func ParseFile(path string) ([]types.Control, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseControls(string(data)), nil
}

// ParseBaselineDir harvests controls from every .rb file in a baseline
// directory. SAF profiles keep controls under a controls/ subdirectory;
// when present only that directory is scanned, otherwise the top level.
// Files are visited in lexical order so output is deterministic.
func ParseBaselineDir(dir string) ([]types.Control, error) {
	scanDir := dir
	if info, err := os.Stat(filepath.Join(dir, "controls")); err == nil && info.IsDir() {
		scanDir = filepath.Join(dir, "controls")
	}

	entries, err := os.ReadDir(scanDir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".rb") {
			files = append(files, filepath.Join(scanDir, e.Name()))
		}
	}
	sort.Strings(files)

	var all []types.Control
	for _, f := range files {
		controls, err := ParseFile(f)
		if err != nil {
			// Unreadable file, keep harvesting the rest.
			logging.Get(logging.CategoryParser).Warn("cannot read %s: %v", f, err)
			continue
		}
		all = append(all, controls...)
	}
	return all, nil
}
