package core

import (
	"context"
	"fmt"
	"iter"
	"log"
	"sync"

	gengo "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/zohaibxno18/zx-chat/internal/store"
)

// LegacyEndpoint uses the github.com/google/generative-ai-go SDK. That SDK has
// no search tool, so streamed chunks never carry sources.
type LegacyEndpoint struct {
	textModel  string
	imageModel string

	mu     sync.Mutex
	key    string
	client *gengo.Client
}

func NewLegacyEndpoint(textModel, imageModel string) *LegacyEndpoint {
	return &LegacyEndpoint{textModel: textModel, imageModel: imageModel}
}

func (e *LegacyEndpoint) clientFor(ctx context.Context, key string) (*gengo.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil && e.key == key {
		return e.client, nil
	}
	client, err := gengo.NewClient(ctx, option.WithAPIKey(key))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	if e.client != nil {
		if err := e.client.Close(); err != nil {
			log.Printf("Error closing GenAI client: %v", err)
		}
	}
	e.client, e.key = client, key
	return client, nil
}

func (e *LegacyEndpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil {
		if err := e.client.Close(); err != nil {
			log.Printf("Error closing GenAI client: %v", err)
		} else {
			log.Println("GenAI client closed.")
		}
		e.client = nil
	}
}

func (e *LegacyEndpoint) GenerateImage(ctx context.Context, key, prompt string) ([]Part, error) {
	client, err := e.clientFor(ctx, key)
	if err != nil {
		return nil, err
	}
	model := client.GenerativeModel(e.imageModel)

	resp, err := model.GenerateContent(ctx, gengo.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("gemini image request failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, nil
	}
	return legacyParts(resp.Candidates[0].Content.Parts), nil
}

func (e *LegacyEndpoint) StreamText(ctx context.Context, key string, req TextRequest) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		client, err := e.clientFor(ctx, key)
		if err != nil {
			yield(StreamChunk{}, err)
			return
		}

		model := client.GenerativeModel(e.textModel)
		if req.SystemInstruction != "" {
			model.SystemInstruction = &gengo.Content{
				Parts: []gengo.Part{gengo.Text(req.SystemInstruction)},
			}
		}

		session := model.StartChat()
		for _, turn := range req.History {
			role := "user"
			if turn.Role == store.RoleAI {
				role = "model"
			}
			session.History = append(session.History, &gengo.Content{
				Role:  role,
				Parts: []gengo.Part{gengo.Text(turn.Text)},
			})
		}

		it := session.SendMessageStream(ctx, gengo.Text(req.Prompt))
		for {
			resp, err := it.Next()
			if err == iterator.Done {
				return
			}
			if err != nil {
				yield(StreamChunk{}, fmt.Errorf("gemini stream failed: %w", err))
				return
			}

			var chunk StreamChunk
			if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
				for _, p := range legacyParts(resp.Candidates[0].Content.Parts) {
					if t, ok := p.(TextPart); ok {
						chunk.Text += string(t)
					}
				}
			}
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func legacyParts(in []gengo.Part) []Part {
	var parts []Part
	for _, p := range in {
		switch v := p.(type) {
		case gengo.Text:
			if v != "" {
				parts = append(parts, TextPart(v))
			}
		case gengo.Blob:
			if len(v.Data) > 0 {
				parts = append(parts, BlobPart{MIMEType: v.MIMEType, Data: v.Data})
			}
		default:
			log.Printf("Gemini response part was not text or blob: %T", p)
		}
	}
	return parts
}
