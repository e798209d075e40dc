// Package content produces task outputs for generated phase tasks.
package content

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Request describes the task a team needs content for.
type Request struct {
	Phase    int
	Team     string
	TaskType string
	Title    string
	Input    map[string]any
}

type Generator interface {
	Generate(ctx context.Context, req Request) (map[string]any, error)
}

// Gemini generates JSON task output with a Google Gemini model.
type Gemini struct {
	client       *genai.Client
	Model        string
	SystemPrompt string
	Temperature  float32
}

func NewGemini(ctx context.Context, apiKey, model, systemPrompt string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if model == "" {
		return nil, fmt.Errorf("gemini model is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Gemini{client: client, Model: model, SystemPrompt: systemPrompt, Temperature: 0.4}, nil
}

func (g *Gemini) Generate(ctx context.Context, req Request) (map[string]any, error) {
	model := g.client.GenerativeModel(g.Model)
	model.SetTemperature(g.Temperature)
	model.ResponseMIMEType = "application/json"
	if g.SystemPrompt != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(g.SystemPrompt)}}
	}
	resp, err := model.GenerateContent(ctx, genai.Text(Prompt(req)))
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	text, err := extractText(resp)
	if err != nil {
		return nil, err
	}
	return ParseOutput(text), nil
}

func (g *Gemini) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}
	cand := resp.Candidates[0]
	if cand.Content == nil || len(cand.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}
	var parts []string
	for _, part := range cand.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no text parts in response")
	}
	return strings.Join(parts, ""), nil
}

// Prompt renders the instruction sent for one task.
func Prompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s team working on phase %d of a new business.\n", req.Team, req.Phase)
	fmt.Fprintf(&b, "Task (%s): %s\n", req.TaskType, req.Title)
	if len(req.Input) > 0 {
		if data, err := json.Marshal(req.Input); err == nil {
			fmt.Fprintf(&b, "Context: %s\n", data)
		}
	}
	b.WriteString(`Respond with a JSON object with keys "summary" (string) and "items" (array of strings).`)
	return b.String()
}

// ParseOutput decodes a model response into a task output map. Text that is
// not a JSON object is kept verbatim under "text".
func ParseOutput(text string) map[string]any {
	cleaned := cleanJSONBlock(text)
	var out map[string]any
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil || out == nil {
		return map[string]any{"text": strings.TrimSpace(text)}
	}
	return out
}

// cleanJSONBlock strips a markdown code fence around a JSON payload.
func cleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if idx := strings.Index(text, "\n"); idx >= 0 {
		if first := text[:idx]; len(first) < 20 && !strings.ContainsAny(first, " {") {
			text = text[idx+1:]
		}
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

// Placeholder is the output recorded when no generator is available.
func Placeholder(req Request) map[string]any {
	return map[string]any{
		"summary":   fmt.Sprintf("%s: pending content for %s", req.Title, req.TaskType),
		"items":     []any{},
		"generated": false,
	}
}

// Fallback wraps a generator and degrades to Placeholder when it is missing or fails.
type Fallback struct {
	Primary Generator
}

func (f Fallback) Generate(ctx context.Context, req Request) (map[string]any, error) {
	if f.Primary == nil {
		return Placeholder(req), nil
	}
	out, err := f.Primary.Generate(ctx, req)
	if err != nil {
		zap.S().Named("content").Warnw("content generation failed, using placeholder",
			"task_type", req.TaskType, "title", req.Title, "error", err)
		ph := Placeholder(req)
		ph["error"] = err.Error()
		return ph, nil
	}
	if out == nil {
		out = map[string]any{}
	}
	out["generated"] = true
	return out, nil
}
