package memory

import (
	"context"
	"strings"
)

// mockEngine is a deterministic embedding engine for tests. Vectors are
// keyed on topic words so semantic ranking is predictable.
type mockEngine struct {
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.EmbedFunc != nil {
		return m.EmbedFunc(ctx, text)
	}
	return topicVector(text), nil
}

func (m *mockEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (m *mockEngine) Dimensions() int { return 3 }
func (m *mockEngine) Name() string    { return "mock" }

// topicVector maps text onto three crude topic axes: release/support,
// passwords, and everything else.
func topicVector(text string) []float32 {
	lower := strings.ToLower(text)
	vec := []float32{0, 0, 0.1}
	for _, w := range []string{"vendor", "supported", "release"} {
		if strings.Contains(lower, w) {
			vec[0]++
		}
	}
	for _, w := range []string{"password", "length", "characters"} {
		if strings.Contains(lower, w) {
			vec[1]++
		}
	}
	return vec
}
