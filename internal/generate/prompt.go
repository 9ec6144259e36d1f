package generate

import (
	"fmt"
	"strings"
)

const authorSystemPrompt = `You are an expert InSpec developer for security hardening. Your task is to
write the complete, executable InSpec code for a given STIG control.

Use the provided examples of high-quality, previously validated code to guide
your work. The examples show the correct syntax and common patterns.

Output ONLY the raw InSpec Ruby code for the control block. No commentary,
no markdown fences.`

const remediationSystemPrompt = `You are an automated InSpec code diagnostician and remediation engine. Your
purpose is to analyze failing InSpec test results, identify the logical error
or incorrect syntax in the source code, and generate a corrected version that
will pass the tests.

Rules:
- Output the complete, raw, syntactically correct InSpec Ruby code for the
  entire control block and nothing else.
- Do not add commentary or markdown fences.
- Do not repeat a previously rejected attempt verbatim.`

// buildAuthorPrompt renders the initial, retrieval-augmented prompt.
func buildAuthorPrompt(req Request) (system, user string) {
	var sb strings.Builder

	sb.WriteString("**Control to Implement:**\n")
	fmt.Fprintf(&sb, "ID: %s\n", req.ControlID)
	fmt.Fprintf(&sb, "Requirement: %s\n\n", req.Description)

	sb.WriteString("**Validated Examples from Memory (if any):**\n")
	if len(req.Examples) == 0 {
		sb.WriteString("No relevant examples found in memory.\n")
	}
	for i, ex := range req.Examples {
		fmt.Fprintf(&sb, "\nExample %d - %s:\n%s\n", i+1, ex.Description, ex.Code)
	}

	sb.WriteString("\n**Your Full InSpec Code Block:**\n")
	return authorSystemPrompt, sb.String()
}

// buildRemediationPrompt renders the repair-pass prompt with the failing
// tests, the current source, and previously rejected attempts.
func buildRemediationPrompt(req Request) (system, user string) {
	var sb strings.Builder

	sb.WriteString("<FAILING_TESTS>\n")
	for _, f := range req.Failures {
		fmt.Fprintf(&sb, "- control: %s\n  code_desc: %s\n  message: %s\n", f.ControlID, f.CodeDesc, f.Message)
	}
	if len(req.Failures) == 0 {
		sb.WriteString("- the test run could not complete (environment fault); write defensively\n")
	}
	sb.WriteString("</FAILING_TESTS>\n\n")

	sb.WriteString("<SOURCE_CODE>\n")
	sb.WriteString(req.FailingCode)
	sb.WriteString("\n</SOURCE_CODE>\n")

	if len(req.PriorAttempts) > 0 {
		sb.WriteString("\n<REJECTED_ATTEMPTS>\n")
		for i, code := range req.PriorAttempts {
			fmt.Fprintf(&sb, "Attempt %d:\n%s\n\n", i+1, code)
		}
		sb.WriteString("</REJECTED_ATTEMPTS>\n")
	}

	fmt.Fprintf(&sb, "\nRequirement being verified: %s\n", req.Description)
	sb.WriteString("\n# Corrected InSpec code:\n")
	return remediationSystemPrompt, sb.String()
}
