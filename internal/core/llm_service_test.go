package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	gengo "github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/zohaibxno18/zx-chat/internal/store"
)

func TestTextRequest(t *testing.T) {
	contents, cfg := textRequest(TextRequest{
		SystemInstruction: "Be brief.",
		History: []Turn{
			{Role: store.RoleUser, Text: "hi"},
			{Role: store.RoleAI, Text: "hello"},
		},
		Prompt:          "weather?",
		SearchGrounding: true,
	})

	require.Len(t, contents, 3)
	assert.Equal(t, genai.Role(genai.RoleUser), genai.Role(contents[0].Role))
	assert.Equal(t, genai.Role(genai.RoleModel), genai.Role(contents[1].Role))
	assert.Equal(t, genai.Role(genai.RoleUser), genai.Role(contents[2].Role))
	assert.Equal(t, "hello", contents[1].Parts[0].Text)
	assert.Equal(t, "weather?", contents[2].Parts[0].Text)

	require.NotNil(t, cfg.SystemInstruction)
	assert.Equal(t, "Be brief.", cfg.SystemInstruction.Parts[0].Text)
	require.Len(t, cfg.Tools, 1)
	assert.NotNil(t, cfg.Tools[0].GoogleSearch)

	_, cfg = textRequest(TextRequest{Prompt: "x"})
	assert.Nil(t, cfg.SystemInstruction)
	assert.Empty(t, cfg.Tools)
}

func TestChunkFromResponse(t *testing.T) {
	tests := []struct {
		name string
		resp *genai.GenerateContentResponse
		want StreamChunk
	}{
		{
			name: "nil response",
			resp: nil,
		},
		{
			name: "no candidates",
			resp: &genai.GenerateContentResponse{},
		},
		{
			name: "text parts joined, thoughts dropped",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []*genai.Part{
					{Text: "thinking...", Thought: true},
					{Text: "It's"},
					nil,
					{Text: " sunny"},
				}},
			}}},
			want: StreamChunk{Text: "It's sunny"},
		},
		{
			name: "web sources kept, others skipped",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
				GroundingMetadata: &genai.GroundingMetadata{GroundingChunks: []*genai.GroundingChunk{
					{Web: &genai.GroundingChunkWeb{URI: "https://w.example", Title: "W"}},
					nil,
					{},
					{Web: &genai.GroundingChunkWeb{Title: "no uri"}},
					{Web: &genai.GroundingChunkWeb{URI: "https://x.example"}},
				}},
			}}},
			want: StreamChunk{Sources: []store.Source{
				{URI: "https://w.example", Title: "W"},
				{URI: "https://x.example"},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, chunkFromResponse(tt.resp))
		})
	}
}

func TestPartsFromResponse(t *testing.T) {
	tests := []struct {
		name string
		resp *genai.GenerateContentResponse
		want []Part
	}{
		{name: "nil response"},
		{name: "candidate without content", resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{}}}},
		{
			name: "image and caption",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []*genai.Part{
					{Text: "planning the picture", Thought: true},
					{Text: "A red cube."},
					{InlineData: &genai.Blob{MIMEType: "image/png", Data: []byte{1, 2, 3}}},
					{InlineData: &genai.Blob{MIMEType: "image/png"}},
					nil,
				}},
			}}},
			want: []Part{TextPart("A red cube."), BlobPart{MIMEType: "image/png", Data: []byte{1, 2, 3}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, partsFromResponse(tt.resp))
		})
	}
}

func TestLegacyParts(t *testing.T) {
	tests := []struct {
		name string
		in   []gengo.Part
		want []Part
	}{
		{name: "empty"},
		{
			name: "text and blob",
			in:   []gengo.Part{gengo.Text("caption"), gengo.Blob{MIMEType: "image/jpeg", Data: []byte("jpg")}},
			want: []Part{TextPart("caption"), BlobPart{MIMEType: "image/jpeg", Data: []byte("jpg")}},
		},
		{
			name: "empty values and other kinds dropped",
			in:   []gengo.Part{gengo.Text(""), gengo.Blob{MIMEType: "image/png"}, gengo.FunctionCall{Name: "lookup"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, legacyParts(tt.in))
		})
	}
}

// fakeGemini serves canned generateContent and streamGenerateContent replies
// and records the request bodies it received.
type fakeGemini struct {
	mu     sync.Mutex
	bodies []map[string]any
	paths  []string
	keys   []string
}

func (f *fakeGemini) handler(unary string, stream []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)

		f.mu.Lock()
		f.bodies = append(f.bodies, body)
		f.paths = append(f.paths, r.URL.Path)
		f.keys = append(f.keys, r.Header.Get("x-goog-api-key"))
		f.mu.Unlock()

		if strings.HasSuffix(r.URL.Path, ":streamGenerateContent") {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, ev := range stream {
				fmt.Fprintf(w, "data: %s\n\n", ev)
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, unary)
	}
}

func (f *fakeGemini) lastBody() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[len(f.bodies)-1]
}

func newFakeGeminiEndpoint(t *testing.T, f *fakeGemini, unary string, stream ...string) *GeminiEndpoint {
	t.Helper()
	srv := httptest.NewServer(f.handler(unary, stream))
	t.Cleanup(srv.Close)
	e := NewGeminiEndpoint("text-model", "image-model")
	e.baseURL = srv.URL + "/"
	t.Cleanup(e.Close)
	return e
}

func TestGeminiEndpointGenerateImage(t *testing.T) {
	f := &fakeGemini{}
	e := newFakeGeminiEndpoint(t, f, `{"candidates":[{"content":{"role":"model","parts":[
		{"text":"cap"},
		{"inlineData":{"mimeType":"image/png","data":"AQID"}}
	]}}]}`)

	parts, err := e.GenerateImage(context.Background(), "key-1", "draw a cube")
	require.NoError(t, err)
	assert.Equal(t, []Part{TextPart("cap"), BlobPart{MIMEType: "image/png", Data: []byte{1, 2, 3}}}, parts)

	f.mu.Lock()
	assert.True(t, strings.HasSuffix(f.paths[0], "/models/image-model:generateContent"), f.paths[0])
	assert.Equal(t, "key-1", f.keys[0])
	f.mu.Unlock()

	genCfg, ok := f.lastBody()["generationConfig"].(map[string]any)
	require.True(t, ok, "generationConfig missing from request")
	assert.ElementsMatch(t, []any{"TEXT", "IMAGE"}, genCfg["responseModalities"])
	imageCfg, ok := genCfg["imageConfig"].(map[string]any)
	require.True(t, ok, "imageConfig missing from request")
	assert.Equal(t, "1:1", imageCfg["aspectRatio"])

	// A second call builds its options afresh and still asks for 1:1.
	_, err = e.GenerateImage(context.Background(), "key-1", "draw a sphere")
	require.NoError(t, err)
	genCfg = f.lastBody()["generationConfig"].(map[string]any)
	assert.Equal(t, "1:1", genCfg["imageConfig"].(map[string]any)["aspectRatio"])
}

func TestGeminiEndpointStreamText(t *testing.T) {
	f := &fakeGemini{}
	e := newFakeGeminiEndpoint(t, f, "",
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"It's"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":" sunny"}]},"groundingMetadata":{"groundingChunks":[{"web":{"uri":"https://w.example","title":"W"}}]}}]}`,
	)

	var chunks []StreamChunk
	for chunk, err := range e.StreamText(context.Background(), "key-2", TextRequest{
		SystemInstruction: "Be brief.",
		History:           []Turn{{Role: store.RoleAI, Text: "earlier"}},
		Prompt:            "weather?",
	}) {
		require.NoError(t, err)
		chunks = append(chunks, chunk)
	}

	assert.Equal(t, []StreamChunk{
		{Text: "It's"},
		{Text: " sunny", Sources: []store.Source{{URI: "https://w.example", Title: "W"}}},
	}, chunks)

	body := f.lastBody()
	contents, ok := body["contents"].([]any)
	require.True(t, ok)
	require.Len(t, contents, 2)
	assert.Equal(t, "model", contents[0].(map[string]any)["role"])
	assert.Equal(t, "user", contents[1].(map[string]any)["role"])
	assert.Contains(t, body, "systemInstruction")
}
