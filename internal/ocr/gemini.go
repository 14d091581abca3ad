package ocr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zombor/invoice-pipeline/internal/invoice"
)

// Gemini implements Engine using a Google Gemini vision model
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini engine
func NewGemini(ctx context.Context, apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// Name implements Engine.
func (g *Gemini) Name() string { return "gemini" }

// Recognize implements Engine
func (g *Gemini) Recognize(ctx context.Context, page Page) ([]invoice.Token, error) {
	// genai.ImageData expects just the format suffix (e.g., "png"), not the full MIME type
	parts := []genai.Part{
		genai.ImageData("png", page.PNG),
		genai.Text(tokenPromptFor(page)),
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		err = fmt.Errorf("generating content: %w", err)
		if ctx.Err() == nil && retryableGemini(err) {
			return nil, unavailable(err)
		}
		return nil, err
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	tokens, err := parseTokensJSON(responseText.String(), page.Index)
	if err != nil {
		return nil, fmt.Errorf("parsing gemini tokens: %w", err)
	}
	return tokens, nil
}

// retryableGemini reports whether a Gemini failure is an outage or a quota
// limit rather than a bad request.
func retryableGemini(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.Code)
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.Internal, codes.Aborted:
		return true
	}
	return false
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
