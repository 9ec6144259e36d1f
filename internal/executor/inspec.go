package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"stigforge/internal/logging"
	"stigforge/internal/parser"
	"stigforge/internal/types"
)

// InSpec exit codes that still mean "the profile ran": 0 all passed,
// 100 at least one test failed, 101 tests were skipped. Everything else
// is an environment fault.
const (
	inspecExitPassed  = 0
	inspecExitFailed  = 100
	inspecExitSkipped = 101
)

// InSpecRunner executes controls with the Chef InSpec CLI.
type InSpecRunner struct {
	// Binary is the inspec executable; defaults to "inspec".
	Binary string
	// Timeout bounds one inspec exec invocation.
	Timeout time.Duration
	// WorkDir hosts the throwaway profiles; defaults to os.TempDir().
	WorkDir string
}

// NewInSpecRunner returns a runner with defaults filled in.
func NewInSpecRunner(binary string, timeout time.Duration) *InSpecRunner {
	if binary == "" {
		binary = "inspec"
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &InSpecRunner{Binary: binary, Timeout: timeout}
}

// profileMetadata is the inspec.yml skeleton for a throwaway profile.
type profileMetadata struct {
	Name    string `yaml:"name"`
	Title   string `yaml:"title"`
	Version string `yaml:"version"`
}

// Execute writes code into a temporary single-control profile and runs it
// against the target with the JSON reporter.
func (r *InSpecRunner) Execute(ctx context.Context, code string, target types.Target) (types.TestResult, error) {
	profileDir, cleanup, err := r.writeProfile(code)
	if err != nil {
		return types.TestResult{}, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	defer cleanup()

	runCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	args := []string{"exec", profileDir, "--target", target.URI(), "--reporter", "json"}
	logging.Executor("running %s %s", r.Binary, strings.Join(args, " "))

	cmd := exec.CommandContext(runCtx, r.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return types.TestResult{}, fmt.Errorf("%w: inspec timed out after %s", ErrExecution, r.Timeout)
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			// Binary missing, not executable, context cancelled.
			return types.TestResult{}, fmt.Errorf("%w: %v", ErrExecution, runErr)
		}
	}

	switch exitCode {
	case inspecExitPassed, inspecExitFailed, inspecExitSkipped:
		result, err := ParseReport(stdout.Bytes())
		if err != nil {
			return types.TestResult{}, fmt.Errorf("%w: unreadable reporter output: %v", ErrExecution, err)
		}
		return result, nil
	default:
		return types.TestResult{}, fmt.Errorf("%w: inspec exited %d: %s",
			ErrExecution, exitCode, strings.TrimSpace(stderr.String()))
	}
}

// writeProfile materializes a minimal profile around the candidate control.
func (r *InSpecRunner) writeProfile(code string) (string, func(), error) {
	base := r.WorkDir
	if base == "" {
		base = os.TempDir()
	}
	profileDir, err := os.MkdirTemp(base, "stigforge-profile-")
	if err != nil {
		return "", nil, fmt.Errorf("create profile dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(profileDir) }

	meta, err := yaml.Marshal(profileMetadata{
		Name:    "stigforge-candidate",
		Title:   "stigforge candidate control",
		Version: "0.1.0",
	})
	if err != nil {
		cleanup()
		return "", nil, err
	}
	if err := os.WriteFile(filepath.Join(profileDir, "inspec.yml"), meta, 0o644); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("write inspec.yml: %w", err)
	}

	controlsDir := filepath.Join(profileDir, "controls")
	if err := os.MkdirAll(controlsDir, 0o755); err != nil {
		cleanup()
		return "", nil, err
	}

	name := "candidate.rb"
	if parsed := parser.ParseControls(code); len(parsed) > 0 {
		name = sanitizeFilename(parsed[0].ID) + ".rb"
	}
	if err := os.WriteFile(filepath.Join(controlsDir, name), []byte(code), 0o644); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("write control: %w", err)
	}
	return profileDir, cleanup, nil
}

// Reporter JSON shapes, reduced to the fields the core consumes.
type inspecReport struct {
	Profiles []struct {
		Controls []struct {
			ID      string `json:"id"`
			Results []struct {
				Status   string `json:"status"`
				CodeDesc string `json:"code_desc"`
				Message  string `json:"message"`
			} `json:"results"`
		} `json:"controls"`
	} `json:"profiles"`
}

// ParseReport converts InSpec JSON reporter output into a TestResult.
// The JSON document is the last non-empty stdout line; InSpec prints
// warnings above it.
func ParseReport(raw []byte) (types.TestResult, error) {
	line := lastNonEmptyLine(raw)
	if len(line) == 0 {
		return types.TestResult{}, fmt.Errorf("empty reporter output")
	}

	var report inspecReport
	if err := json.Unmarshal(line, &report); err != nil {
		return types.TestResult{}, fmt.Errorf("decode reporter JSON: %w", err)
	}

	result := types.TestResult{Overall: types.StatusPassed, RawReport: string(line)}
	for _, profile := range report.Profiles {
		for _, control := range profile.Controls {
			for _, res := range control.Results {
				if res.Status != "failed" {
					continue
				}
				result.Failures = append(result.Failures, types.Failure{
					ControlID: control.ID,
					Message:   res.Message,
					CodeDesc:  res.CodeDesc,
				})
			}
		}
	}
	if len(result.Failures) > 0 {
		result.Overall = types.StatusFailed
	}
	return result, nil
}

func lastNonEmptyLine(raw []byte) []byte {
	lines := bytes.Split(raw, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if line := bytes.TrimSpace(lines[i]); len(line) > 0 {
			return line
		}
	}
	return nil
}

func sanitizeFilename(id string) string {
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
		return "candidate"
	}
	return sb.String()
}
