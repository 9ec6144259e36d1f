// Package types holds the shared data model for stigforge: controls,
// validated examples, test results, and target handles. Kept dependency-free
// so every other package can import it without cycles.
package types

import "fmt"

// Status is the outcome classification for a test run or a repair session.
type Status string

const (
	// StatusPassed means the code ran and every assertion held.
	StatusPassed Status = "passed"
	// StatusFailed means the code ran and at least one assertion did not hold.
	StatusFailed Status = "failed"
	// StatusError means execution could not complete (tooling or target fault).
	StatusError Status = "error"
)

// Control is one discrete compliance requirement plus its current
// verification code. Code is empty before first generation.
type Control struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Code        string `json:"code,omitempty"`
}

// Example is a previously validated (description, code) pair served to the
// generator as retrieval context. Examples are immutable once stored.
type Example struct {
	Key         string  `json:"key"` // composite source:control_id
	Source      string  `json:"source"`
	ControlID   string  `json:"control_id"`
	Description string  `json:"description"`
	Code        string  `json:"code"`
	Similarity  float64 `json:"similarity,omitempty"`
}

// Failure describes a single failing assertion from a test run, in the
// order the executor reported it.
type Failure struct {
	ControlID string `json:"control_id"`
	Message   string `json:"message"`
	CodeDesc  string `json:"code_desc"`
}

// TestResult is the immutable outcome of running a control's code against
// a target. Failures is empty iff Overall is StatusPassed.
type TestResult struct {
	Overall  Status    `json:"overall_status"`
	Failures []Failure `json:"failures,omitempty"`
	// Diagnostic carries the single environment-fault message when
	// Overall is StatusError.
	Diagnostic string `json:"diagnostic,omitempty"`
	// RawReport is the unparsed executor output, retained for post-mortems.
	RawReport string `json:"-"`
}

// Passed reports whether every assertion held.
func (r TestResult) Passed() bool { return r.Overall == StatusPassed }

// Target is an opaque handle to the system under test. The core never
// provisions or tears down targets itself.
type Target struct {
	// Transport is the InSpec transport scheme: docker, ssh, or local.
	Transport string `json:"transport"`
	// Address is the transport-specific location (container ID, host, ...).
	Address string `json:"address"`
}

// URI renders the target as an InSpec -t argument.
func (t Target) URI() string {
	if t.Transport == "" || t.Transport == "local" {
		return "local://"
	}
	return fmt.Sprintf("%s://%s", t.Transport, t.Address)
}
