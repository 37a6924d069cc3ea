package core

import (
	"context"
	"fmt"
	"iter"
	"log"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/zohaibxno18/zx-chat/internal/config"
	"github.com/zohaibxno18/zx-chat/internal/store"
)

// Part is one element of a single-shot response: TextPart or BlobPart.
type Part interface {
	isPart()
}

type TextPart string

// BlobPart is inline binary data such as a generated image.
type BlobPart struct {
	MIMEType string
	Data     []byte
}

func (TextPart) isPart() {}
func (BlobPart) isPart() {}

// Turn is one prior exchange sent upstream as conversation context.
type Turn struct {
	Role store.Role
	Text string
}

type TextRequest struct {
	SystemInstruction string
	History           []Turn
	Prompt            string
	SearchGrounding   bool
}

// Endpoint is the upstream generative-content API. key is the credential
// resolved by the activation gate for this call.
type Endpoint interface {
	GenerateImage(ctx context.Context, key, prompt string) ([]Part, error)
	StreamText(ctx context.Context, key string, req TextRequest) iter.Seq2[StreamChunk, error]
}

// NewEndpoint returns the endpoint selected by backend.
func NewEndpoint(backend, textModel, imageModel string) (Endpoint, error) {
	switch backend {
	case config.BackendGenAI, "":
		return NewGeminiEndpoint(textModel, imageModel), nil
	case config.BackendLegacy:
		return NewLegacyEndpoint(textModel, imageModel), nil
	default:
		return nil, fmt.Errorf("unknown generation backend %q", backend)
	}
}

// GeminiEndpoint talks to the Gemini API through google.golang.org/genai.
// Clients are cached per credential.
type GeminiEndpoint struct {
	textModel  string
	imageModel string
	baseURL    string // empty uses the SDK default

	mu      sync.Mutex
	clients map[string]*genai.Client
}

func NewGeminiEndpoint(textModel, imageModel string) *GeminiEndpoint {
	return &GeminiEndpoint{
		textModel:  textModel,
		imageModel: imageModel,
		clients:    make(map[string]*genai.Client),
	}
}

func (e *GeminiEndpoint) client(ctx context.Context, key string) (*genai.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.clients[key]; ok {
		return c, nil
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      key,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: e.baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	// A rotated key leaves the old client unused.
	clear(e.clients)
	e.clients[key] = c
	return c, nil
}

// imageAspectRatio is requested for every generated image. GenerateContentConfig
// has no typed image config in this SDK version, so the field is merged into
// the request body.
const imageAspectRatio = "1:1"

func imageRequestConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
		HTTPOptions: &genai.HTTPOptions{ExtraBody: map[string]any{
			"generationConfig": map[string]any{
				"imageConfig": map[string]any{"aspectRatio": imageAspectRatio},
			},
		}},
	}
}

func (e *GeminiEndpoint) GenerateImage(ctx context.Context, key, prompt string) ([]Part, error) {
	c, err := e.client(ctx, key)
	if err != nil {
		return nil, err
	}

	resp, err := c.Models.GenerateContent(ctx, e.imageModel, genai.Text(prompt), imageRequestConfig())
	if err != nil {
		return nil, fmt.Errorf("gemini image request failed: %w", err)
	}
	return partsFromResponse(resp), nil
}

// partsFromResponse keeps inline data and visible text of the first candidate.
func partsFromResponse(resp *genai.GenerateContentResponse) []Part {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	var parts []Part
	for _, p := range resp.Candidates[0].Content.Parts {
		if p == nil {
			continue
		}
		switch {
		case p.InlineData != nil && len(p.InlineData.Data) > 0:
			parts = append(parts, BlobPart{MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data})
		case p.Text != "" && !p.Thought:
			parts = append(parts, TextPart(p.Text))
		}
	}
	return parts
}

// textRequest builds the contents and config for a streamed text answer.
func textRequest(req TextRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, turn := range req.History {
		role := genai.Role(genai.RoleUser)
		if turn.Role == store.RoleAI {
			role = genai.Role(genai.RoleModel)
		}
		contents = append(contents, genai.NewContentFromText(turn.Text, role))
	}
	contents = append(contents, genai.NewContentFromText(req.Prompt, genai.Role(genai.RoleUser)))

	cfg := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.Role(genai.RoleUser))
	}
	if req.SearchGrounding {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	return contents, cfg
}

func (e *GeminiEndpoint) StreamText(ctx context.Context, key string, req TextRequest) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		c, err := e.client(ctx, key)
		if err != nil {
			yield(StreamChunk{}, err)
			return
		}

		contents, cfg := textRequest(req)
		for resp, err := range c.Models.GenerateContentStream(ctx, e.textModel, contents, cfg) {
			if err != nil {
				yield(StreamChunk{}, fmt.Errorf("gemini stream failed: %w", err))
				return
			}
			if !yield(chunkFromResponse(resp), nil) {
				return
			}
		}
	}
}

func chunkFromResponse(resp *genai.GenerateContentResponse) StreamChunk {
	var chunk StreamChunk
	if resp == nil || len(resp.Candidates) == 0 {
		return chunk
	}
	cand := resp.Candidates[0]

	if cand.Content != nil {
		var text strings.Builder
		for _, p := range cand.Content.Parts {
			if p == nil || p.Thought {
				continue
			}
			text.WriteString(p.Text)
		}
		chunk.Text = text.String()
	}

	if gm := cand.GroundingMetadata; gm != nil {
		for _, gc := range gm.GroundingChunks {
			if gc == nil || gc.Web == nil || gc.Web.URI == "" {
				continue
			}
			chunk.Sources = append(chunk.Sources, store.Source{URI: gc.Web.URI, Title: gc.Web.Title})
		}
	}
	config.Debugf("stream chunk: %d bytes text, %d sources", len(chunk.Text), len(chunk.Sources))
	return chunk
}

// Close drops the cached clients. genai clients hold no connections of their own.
func (e *GeminiEndpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	clear(e.clients)
	log.Println("GenAI clients released.")
}
