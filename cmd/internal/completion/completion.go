// Package completion produces the AI reply for a user message and serves the
// single-turn completion endpoint.
package completion

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

const (
	DefaultModel = "gemini-2.0-flash"

	DefaultPersona = "You are Krismini, a supportive, witty, and honest best friend. " +
		"Always respond in a friendly, encouraging, and positive tone, and add a touch of playfulness when appropriate."

	// NoResponseText is what the HTTP endpoint answers when the model returns nothing.
	NoResponseText = "No response from Gemini."

	MaxPromptBytes = 16 << 10
)

var (
	ErrEmptyPrompt     = errors.New("completion: empty prompt")
	ErrPromptTooLarge  = errors.New("completion: prompt too large")
	ErrEmptyCompletion = errors.New("completion: empty response")
	ErrNotConfigured   = errors.New("completion: not configured")
)

// Completer turns one prompt into one reply.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

type GeminiConfig struct {
	APIKey  string
	Model   string
	Persona string
}

// GeminiClient is a Completer backed by the Gemini API.
type GeminiClient struct {
	log     *slog.Logger
	client  *genai.Client
	model   string
	persona string
}

func NewGeminiClient(ctx context.Context, log *slog.Logger, cfg GeminiConfig) (*GeminiClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrNotConfigured
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	persona := strings.TrimSpace(cfg.Persona)
	if persona == "" {
		persona = DefaultPersona
	}
	return &GeminiClient{log: log, client: client, model: model, persona: persona}, nil
}

// Complete sends the persona followed by the prompt as one turn.
func (c *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	prompt, err := checkPrompt(prompt)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(c.persona+"\n\n"+prompt), nil)
	if err != nil {
		c.log.Warn("completion.fail", "model", c.model, "status", StatusOf(err), "err", err)
		return "", err
	}

	out := strings.TrimSpace(resp.Text())
	if out == "" {
		return "", ErrEmptyCompletion
	}
	return out, nil
}

func checkPrompt(prompt string) (string, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "", ErrEmptyPrompt
	}
	if len(prompt) > MaxPromptBytes {
		return "", ErrPromptTooLarge
	}
	return prompt, nil
}
