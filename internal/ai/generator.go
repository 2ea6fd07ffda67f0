// Package ai wraps the generative text service used for tutor replies,
// flashcards and the group assistant.
package ai

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"studybuddy/internal/observability"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one prior or current message in a generation request.
type Turn struct {
	Role Role
	Text string
}

type Options struct {
	Temperature     float32
	MaxOutputTokens int32
	TopP            float32
	TopK            float32
}

// Generator produces text for an ordered list of turns.
type Generator interface {
	Generate(ctx context.Context, turns []Turn, opts Options) (string, error)
}

var (
	ErrNotConfigured = errors.New("generative text service is not configured")
	ErrEmptyResponse = errors.New("generative text service returned no text")
)

// GeminiGenerator calls the Gemini API through the genai SDK.
type GeminiGenerator struct {
	client *genai.Client
	model  string
	log    *zap.Logger
}

// NewGenerator returns a Gemini-backed generator, or one that always fails
// with ErrNotConfigured when apiKey is empty.
func NewGenerator(ctx context.Context, apiKey, model string, log *zap.Logger) (Generator, error) {
	if apiKey == "" {
		log.Warn("gemini api key not set, generator disabled")
		return unconfigured{}, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	log.Info("gemini generator ready", zap.String("model", model))
	return &GeminiGenerator{client: client, model: model, log: log}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, turns []Turn, opts Options) (string, error) {
	contents := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := genai.RoleUser
		if t.Role == RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Text, role))
	}

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(opts.Temperature),
		MaxOutputTokens: opts.MaxOutputTokens,
	}
	if opts.TopP > 0 {
		config.TopP = genai.Ptr(opts.TopP)
	}
	if opts.TopK > 0 {
		config.TopK = genai.Ptr(opts.TopK)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, config)
	if err != nil {
		return "", err
	}
	text := resp.Text()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

type unconfigured struct{}

func (unconfigured) Generate(context.Context, []Turn, Options) (string, error) {
	return "", ErrNotConfigured
}

// generate runs gen and records the call outcome under operation.
func generate(ctx context.Context, gen Generator, operation string, turns []Turn, opts Options) (string, error) {
	start := time.Now()
	text, err := gen.Generate(ctx, turns, opts)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.ObserveAIRequest(operation, outcome, time.Since(start))
	return text, err
}
