package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/parallelproof/parallelproof/internal/agent"
	"github.com/parallelproof/parallelproof/internal/domain"
)

// Client talks to the Gemini API for code rewrites and embeddings. It
// satisfies the agent's Proposer and the retrieval engine's Embedder.
type Client struct {
	client         *genai.Client
	model          string
	embeddingModel string
	logger         *slog.Logger
}

// New creates a Gemini-backed client. The API key comes from the
// GEMINI_API_KEY environment variable when apiKey is empty.
func New(ctx context.Context, apiKey, model, embeddingModel string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &Client{client: c, model: model, embeddingModel: embeddingModel, logger: logger}, nil
}

// proposalPayload is the JSON shape the rewrite prompt asks for.
type proposalPayload struct {
	OptimizedCode string `json:"optimized_code"`
	Explanation   string `json:"explanation"`
	Improvement   string `json:"improvement"`
}

// Propose asks the model for an optimized rewrite of the snippet.
func (c *Client) Propose(ctx context.Context, code, language, patternContext, strategy string) (agent.Proposal, error) {
	prompt := buildPrompt(code, language, patternContext, strategy)

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](0.7),
		MaxOutputTokens:  4096,
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return agent.Proposal{}, fmt.Errorf("%w: %v", domain.ErrRewriteFailed, err)
	}

	payload, err := ParseProposal(resp.Text())
	if err != nil {
		return agent.Proposal{}, fmt.Errorf("%w: %v", domain.ErrRewriteFailed, err)
	}
	return agent.Proposal{
		OptimizedCode: payload.OptimizedCode,
		Explanation:   payload.Explanation,
		SelfReported:  payload.Improvement,
	}, nil
}

// Embed produces a dense vector for semantic retrieval.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.client.Models.EmbedContent(ctx, c.embeddingModel, genai.Text(text), nil)
	if err != nil {
		return nil, fmt.Errorf("embedding: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("embedding: empty response")
	}
	return resp.Embeddings[0].Values, nil
}

func buildPrompt(code, language, patternContext, strategy string) string {
	var b strings.Builder
	if patternContext != "" {
		b.WriteString("Context - similar optimization patterns:\n")
		b.WriteString(patternContext)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "%s\n\nOptimize this %s code:\n\n%s\n\n", strategy, language, code)
	b.WriteString(`Return ONLY valid JSON (no markdown, no code blocks):
{"optimized_code": "...", "explanation": "...", "improvement": "..."}`)
	return b.String()
}

// ParseProposal decodes a model response, tolerating markdown fences
// and array-wrapped objects.
func ParseProposal(text string) (proposalPayload, error) {
	text = stripFences(text)

	var payload proposalPayload
	if err := json.Unmarshal([]byte(text), &payload); err == nil {
		return validate(payload)
	}

	// Some prompts yield a one-element JSON array.
	var list []proposalPayload
	if err := json.Unmarshal([]byte(text), &list); err == nil && len(list) > 0 {
		return validate(list[0])
	}

	return proposalPayload{}, fmt.Errorf("unparseable response: %s", truncate(text, 200))
}

func validate(p proposalPayload) (proposalPayload, error) {
	if p.OptimizedCode == "" {
		return p, fmt.Errorf("response missing optimized_code")
	}
	return p, nil
}

func stripFences(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
