package generate

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"stigforge/internal/logging"
)

// LLMClient is the minimal surface the generator needs from a language
// model provider.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// GeminiClient implements LLMClient on the Google GenAI SDK.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// NewGeminiClient creates a Gemini-backed LLM client.
func NewGeminiClient(apiKey, model string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiClient{client: client, model: model}, nil
}

// Complete sends a single-turn prompt.
func (c *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with an optional system instruction.
func (c *GeminiClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var cfg *genai.GenerateContentConfig
	if systemPrompt != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(systemPrompt, genai.RoleUser),
		}
	}

	contents := []*genai.Content{
		genai.NewContentFromText(userPrompt, genai.RoleUser),
	}
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini completion failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned an empty response")
	}
	return text, nil
}

// LLMGenerator implements Generator on an LLMClient.
type LLMGenerator struct {
	client LLMClient
}

// NewLLMGenerator wraps an LLM client as a Generator.
func NewLLMGenerator(client LLMClient) *LLMGenerator {
	return &LLMGenerator{client: client}
}

// Generate produces candidate verification code. Initial passes use the
// examples-augmented authoring prompt; repair passes use the remediation
// prompt carrying the failing code and its test failures.
func (g *LLMGenerator) Generate(ctx context.Context, req Request) (string, error) {
	var system, user string
	if req.FailingCode == "" {
		system, user = buildAuthorPrompt(req)
		logging.Generate("generating initial code for %s (%d examples)", req.ControlID, len(req.Examples))
	} else {
		system, user = buildRemediationPrompt(req)
		logging.Generate("regenerating code for %s (%d failures, %d prior attempts)",
			req.ControlID, len(req.Failures), len(req.PriorAttempts))
	}

	raw, err := g.client.CompleteWithSystem(ctx, system, user)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}

	code := StripCodeFences(raw)
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("%w: model returned no code", ErrGeneration)
	}
	logging.GenerateDebug("generated %d bytes for %s", len(code), req.ControlID)
	return code, nil
}

// StripCodeFences removes a single surrounding markdown fence, tolerating a
// language tag. Models add these despite instructions not to.
func StripCodeFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) < 2 {
		return trimmed
	}
	// Drop the opening fence line (``` or ```ruby).
	lines = lines[1:]
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) > 0 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		lines = lines[:len(lines)-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
