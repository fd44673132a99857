package oracle

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// =============================================================================
// GOOGLE GENAI ORACLE
// =============================================================================

// GenAIConfig selects the Gemini backend. Setting Project switches to Vertex AI.
type GenAIConfig struct {
	APIKey            string
	Model             string
	Project           string
	Location          string
	SystemInstruction string
}

// GenAIOracle completes prompts with Google's Gemini models.
type GenAIOracle struct {
	client *genai.Client
	model  string
	system string
}

// NewGenAIOracle creates a Gemini-backed oracle.
func NewGenAIOracle(ctx context.Context, cfg GenAIConfig) (*GenAIOracle, error) {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}

	cc := &genai.ClientConfig{}
	switch {
	case cfg.Project != "":
		cc.Backend = genai.BackendVertexAI
		cc.Project = cfg.Project
		cc.Location = cfg.Location
	case cfg.APIKey != "":
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = cfg.APIKey
	default:
		return nil, fmt.Errorf("GenAI API key or project is required")
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIOracle{
		client: client,
		model:  cfg.Model,
		system: cfg.SystemInstruction,
	}, nil
}

// Complete sends prompt as a single user turn and returns the reply text.
func (o *GenAIOracle) Complete(ctx context.Context, prompt string) (string, error) {
	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](0),
	}
	if o.system != "" {
		config.SystemInstruction = genai.NewContentFromText(o.system, genai.RoleUser)
	}

	resp, err := o.client.Models.GenerateContent(ctx, o.model, genai.Text(prompt), config)
	if err != nil {
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}
