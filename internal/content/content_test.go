package content

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGenerator struct {
	out map[string]any
	err error
}

func (s stubGenerator) Generate(context.Context, Request) (map[string]any, error) {
	return s.out, s.err
}

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want map[string]any
	}{
		{"plain", `{"summary":"ok"}`, map[string]any{"summary": "ok"}},
		{"json fence", "```json\n{\"summary\":\"ok\"}\n```", map[string]any{"summary": "ok"}},
		{"bare fence", "```\n{\"summary\":\"ok\"}\n```", map[string]any{"summary": "ok"}},
		{"prose", "just some words", map[string]any{"text": "just some words"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseOutput(tt.in))
		})
	}
}

func TestPromptMentionsTask(t *testing.T) {
	p := Prompt(Request{Phase: 2, Team: "branding", TaskType: "naming", Title: "Pick a name", Input: map[string]any{"industry": "coffee"}})
	assert.Contains(t, p, "branding team")
	assert.Contains(t, p, "phase 2")
	assert.Contains(t, p, "Pick a name")
	assert.Contains(t, p, `"industry":"coffee"`)
}

func TestFallback(t *testing.T) {
	req := Request{TaskType: "naming", Title: "Pick a name"}
	out, err := Fallback{}.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, false, out["generated"])

	out, err = Fallback{Primary: stubGenerator{err: errors.New("quota")}}.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "quota", out["error"])

	out, err = Fallback{Primary: stubGenerator{out: map[string]any{"summary": "Brewly"}}}.Generate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Brewly", out["summary"])
	assert.Equal(t, true, out["generated"])
}

func TestNewGeminiRequiresKey(t *testing.T) {
	_, err := NewGemini(context.Background(), "", "gemini-1.5-flash", "")
	assert.Error(t, err)
}
