// Package vision turns an uploaded image into a one-sentence task claim.
package vision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// ErrPipeline marks any failure to produce a claim from an image.
var ErrPipeline = errors.New("vision pipeline failed")

// SyncPrefix tags the synthetic user input built from a claim.
const SyncPrefix = "[VISUAL_CONTEXT_SYNC]: "

// Analyzer produces a claim sentence from raw image bytes.
type Analyzer interface {
	ClaimFromImage(ctx context.Context, image []byte) (string, error)
}

// SyncText formats a claim as the user input fed to the orchestrator.
func SyncText(claim string) string {
	return SyncPrefix + claim
}

const claimPrompt = `You help a user who struggles with executive function.
Look at the image and name the single most important task or context in it.
Ignore background clutter and focus on the main object or mess.
For a mess, name where to start. For a document or screen, name the core action.
Reply with exactly one sentence that begins with "The user needs to" or "The user wants to".`

// GeminiAnalyzer implements Analyzer with Gemini multimodal generation.
type GeminiAnalyzer struct {
	client *genai.Client
	model  string
}

// NewGeminiAnalyzer creates an analyzer for the given model.
func NewGeminiAnalyzer(ctx context.Context, apiKey, model string) (*GeminiAnalyzer, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiAnalyzer{client: client, model: model}, nil
}

// ClaimFromImage sends the image with the claim prompt.
func (a *GeminiAnalyzer) ClaimFromImage(ctx context.Context, image []byte) (string, error) {
	mime := http.DetectContentType(image)
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("%w: unsupported content type %s", ErrPipeline, mime)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromText(claimPrompt),
			genai.NewPartFromBytes(image, mime),
		}, genai.RoleUser),
	}
	resp, err := a.client.Models.GenerateContent(ctx, a.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPipeline, err)
	}
	claim := strings.TrimSpace(resp.Text())
	if claim == "" {
		return "", fmt.Errorf("%w: empty claim", ErrPipeline)
	}
	return claim, nil
}
