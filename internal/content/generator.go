package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ortsverband/newsletter-dispatch/internal/pkg/httpretry"
)

// Generator drafts newsletter copy from the board's free-form meeting notes.
// Generation runs in two stages: first the notes are distilled into discrete
// topics, then the topics are turned into an introduction in the chapter's
// voice. Keeping the stages separate lets the admin correct the topic list
// before any prose is written.
type Generator struct {
	anthropicKey string
	openaiKey    string
	client       httpretry.HTTPDoer

	// anthropicURL and openaiURL are overridable for tests.
	anthropicURL string
	openaiURL    string
}

// Topic is one agenda item distilled from the notes.
type Topic struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// NewGenerator creates a generator. Anthropic is preferred; OpenAI is the
// fallback when the first call fails or no Anthropic key is configured.
func NewGenerator(anthropicKey, openaiKey string) *Generator {
	return &Generator{
		anthropicKey: anthropicKey,
		openaiKey:    openaiKey,
		client:       httpretry.NewRetryClient(&http.Client{Timeout: 60 * time.Second}, 3),
		anthropicURL: "https://api.anthropic.com/v1/messages",
		openaiURL:    "https://api.openai.com/v1/chat/completions",
	}
}

// ExtractTopics distills free-form notes into a topic list.
func (g *Generator) ExtractTopics(ctx context.Context, notes string) ([]Topic, error) {
	if strings.TrimSpace(notes) == "" {
		return nil, fmt.Errorf("notes are empty")
	}

	prompt := fmt.Sprintf(`Extract the distinct topics from these local political chapter meeting notes.
Return ONLY a JSON array of objects with "title" and "summary" fields, nothing else.
Keep titles under 8 words. Summaries are one or two sentences, factual, in the language of the notes.

Notes:
%s`, notes)

	raw, err := g.complete(ctx, prompt, 1024)
	if err != nil {
		return nil, err
	}

	var topics []Topic
	if err := json.Unmarshal([]byte(extractJSON(raw)), &topics); err != nil {
		return nil, fmt.Errorf("parsing topic list: %w", err)
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("no topics found in notes")
	}
	return topics, nil
}

// GenerateIntro writes the newsletter introduction from the confirmed topic
// list. tone is free text like "freundlich und sachlich".
func (g *Generator) GenerateIntro(ctx context.Context, topics []Topic, tone string) (string, error) {
	if len(topics) == 0 {
		return "", fmt.Errorf("no topics to write about")
	}
	if tone == "" {
		tone = "freundlich und sachlich"
	}

	var list strings.Builder
	for _, t := range topics {
		fmt.Fprintf(&list, "- %s: %s\n", t.Title, t.Summary)
	}

	prompt := fmt.Sprintf(`Write a short newsletter introduction for the members of a local political chapter.
Tone: %s. Two or three paragraphs, no greeting line, no sign-off, no markdown.
It must mention every topic below without inventing details.

Topics:
%s`, tone, list.String())

	return g.complete(ctx, prompt, 1024)
}

// Refine rewrites an existing introduction following the admin's instruction,
// e.g. "kürzer" or "formeller".
func (g *Generator) Refine(ctx context.Context, intro, instruction string) (string, error) {
	if strings.TrimSpace(intro) == "" {
		return "", fmt.Errorf("nothing to refine")
	}
	if strings.TrimSpace(instruction) == "" {
		return "", fmt.Errorf("refinement instruction is empty")
	}

	prompt := fmt.Sprintf(`Rewrite this newsletter introduction. Instruction: %s
Keep the language and all factual content. Return only the rewritten text.

Text:
%s`, instruction, intro)

	return g.complete(ctx, prompt, 1024)
}

// complete runs one prompt against the configured providers.
func (g *Generator) complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	var lastErr error

	if g.anthropicKey != "" {
		out, err := g.callAnthropic(ctx, prompt, maxTokens)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}

	if g.openaiKey != "" {
		out, err := g.callOpenAI(ctx, prompt, maxTokens)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no AI provider configured")
	}
	return "", lastErr
}

func (g *Generator) callAnthropic(ctx context.Context, prompt string, maxTokens int) (string, error) {
	reqBody := map[string]interface{}{
		"model":      "claude-sonnet-4-20250514",
		"max_tokens": maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}

	body, _ := json.Marshal(reqBody)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.anthropicURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("x-api-key", g.anthropicKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("anthropic error: %s", string(respBody))
	}

	var parsed struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Content) == 0 {
		return "", fmt.Errorf("anthropic returned no content")
	}
	return strings.TrimSpace(parsed.Content[0].Text), nil
}

func (g *Generator) callOpenAI(ctx context.Context, prompt string, maxTokens int) (string, error) {
	reqBody := map[string]interface{}{
		"model":      "gpt-4o-mini",
		"max_tokens": maxTokens,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}

	body, _ := json.Marshal(reqBody)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.openaiURL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+g.openaiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("openai error: %s", string(respBody))
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// extractJSON pulls the first JSON array out of a model reply that may be
// wrapped in prose or a code fence.
func extractJSON(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
