package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"stigforge/internal/types"
)

const passingReport = `{"profiles":[{"controls":[{"id":"V-1","results":[` +
	`{"status":"passed","code_desc":"File /etc/passwd should exist","message":""}]}]}]}`

const failingReport = `{"profiles":[{"controls":[{"id":"V-1","results":[` +
	`{"status":"passed","code_desc":"ok assertion","message":""},` +
	`{"status":"failed","code_desc":"File /etc/shadow mode should cmp \"0000\"","message":"expected 0000, got 0640"},` +
	`{"status":"failed","code_desc":"second assertion","message":"also wrong"}]}]}]}`

func TestParseReport_AllPassed(t *testing.T) {
	result, err := ParseReport([]byte(passingReport))
	if err != nil {
		t.Fatalf("ParseReport failed: %v", err)
	}
	if result.Overall != types.StatusPassed {
		t.Errorf("Expected PASSED, got %s", result.Overall)
	}
	if len(result.Failures) != 0 {
		t.Errorf("PASSED result must have no failures, got %d", len(result.Failures))
	}
	if !result.Passed() {
		t.Error("Passed() must be true")
	}
}

func TestParseReport_FailuresInOrder(t *testing.T) {
	result, err := ParseReport([]byte(failingReport))
	if err != nil {
		t.Fatalf("ParseReport failed: %v", err)
	}
	if result.Overall != types.StatusFailed {
		t.Errorf("Expected FAILED, got %s", result.Overall)
	}
	if len(result.Failures) != 2 {
		t.Fatalf("Expected 2 failures (passed results skipped), got %d", len(result.Failures))
	}
	if result.Failures[0].Message != "expected 0000, got 0640" {
		t.Errorf("Failures must keep reporter order, first was %q", result.Failures[0].Message)
	}
	if result.Failures[1].ControlID != "V-1" {
		t.Errorf("Failure must carry the control id, got %q", result.Failures[1].ControlID)
	}
}

func TestParseReport_SkipsWarningLines(t *testing.T) {
	// InSpec prints deprecation warnings to stdout above the JSON document.
	raw := "WARN: deprecated resource usage\nanother warning\n" + passingReport + "\n"
	result, err := ParseReport([]byte(raw))
	if err != nil {
		t.Fatalf("ParseReport failed: %v", err)
	}
	if result.Overall != types.StatusPassed {
		t.Errorf("Expected PASSED, got %s", result.Overall)
	}
}

func TestParseReport_Garbage(t *testing.T) {
	if _, err := ParseReport([]byte("")); err == nil {
		t.Error("Empty output must be an error")
	}
	if _, err := ParseReport([]byte("not json at all")); err == nil {
		t.Error("Non-JSON output must be an error")
	}
}

func TestExecute_MissingBinaryIsExecutionError(t *testing.T) {
	runner := NewInSpecRunner("stigforge-no-such-binary", time.Second)
	_, err := runner.Execute(context.Background(), "control 'V-1' do\nend", types.Target{Transport: "local"})
	if !errors.Is(err, ErrExecution) {
		t.Errorf("Expected ErrExecution for a missing binary, got %v", err)
	}
}

// fakeInspec writes a shell script standing in for the inspec CLI.
func fakeInspec(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-script fake requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "inspec")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecute_FailedExitCodeStillParses(t *testing.T) {
	bin := fakeInspec(t, "echo '"+failingReport+"'\nexit 100\n")
	runner := NewInSpecRunner(bin, time.Minute)

	result, err := runner.Execute(context.Background(), "control 'V-1' do\nend", types.Target{Transport: "local"})
	if err != nil {
		t.Fatalf("Exit 100 is a valid outcome, got error: %v", err)
	}
	if result.Overall != types.StatusFailed || len(result.Failures) != 2 {
		t.Errorf("Expected parsed FAILED result, got %s with %d failures", result.Overall, len(result.Failures))
	}
}

func TestExecute_UnexpectedExitCodeIsExecutionError(t *testing.T) {
	bin := fakeInspec(t, "echo 'cannot connect to target' >&2\nexit 1\n")
	runner := NewInSpecRunner(bin, time.Minute)

	_, err := runner.Execute(context.Background(), "control 'V-1' do\nend", types.Target{Transport: "local"})
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("Expected ErrExecution, got %v", err)
	}
}

func TestExecute_BuildsProfileAndTargetArgs(t *testing.T) {
	// The fake records its argv and the profile layout it was pointed at.
	bin := fakeInspec(t, `out="$TMPDIR_CAPTURE"
echo "$@" > "$out/args"
ls "$2" > "$out/profile_root"
ls "$2/controls" > "$out/controls_dir"
echo '`+passingReport+`'
exit 0
`)
	capture := t.TempDir()
	t.Setenv("TMPDIR_CAPTURE", capture)

	runner := NewInSpecRunner(bin, time.Minute)
	code := "control 'V-230221' do\n  title 'Sample'\nend"
	target := types.Target{Transport: "docker", Address: "abc123"}

	result, err := runner.Execute(context.Background(), code, target)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if result.Overall != types.StatusPassed {
		t.Errorf("Expected PASSED, got %s", result.Overall)
	}

	args, err := os.ReadFile(filepath.Join(capture, "args"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"exec", "--target docker://abc123", "--reporter json"} {
		if !strings.Contains(string(args), want) {
			t.Errorf("inspec argv missing %q: %s", want, args)
		}
	}

	root, _ := os.ReadFile(filepath.Join(capture, "profile_root"))
	if !strings.Contains(string(root), "inspec.yml") || !strings.Contains(string(root), "controls") {
		t.Errorf("Profile missing inspec.yml or controls/: %s", root)
	}
	controls, _ := os.ReadFile(filepath.Join(capture, "controls_dir"))
	if !strings.Contains(string(controls), "V-230221.rb") {
		t.Errorf("Control file must be named after the parsed id: %s", controls)
	}
}

func TestExecute_TimeoutIsExecutionError(t *testing.T) {
	bin := fakeInspec(t, "sleep 5\nexit 0\n")
	runner := NewInSpecRunner(bin, 50*time.Millisecond)

	_, err := runner.Execute(context.Background(), "control 'V-1' do\nend", types.Target{Transport: "local"})
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("Expected ErrExecution on timeout, got %v", err)
	}
}
