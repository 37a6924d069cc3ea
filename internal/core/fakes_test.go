package core

import (
	"context"
	"iter"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zohaibxno18/zx-chat/internal/persona"
	"github.com/zohaibxno18/zx-chat/internal/store"
)

// fakeEndpoint records calls and replays scripted responses.
type fakeEndpoint struct {
	mu sync.Mutex

	imageParts []Part
	imageErr   error

	chunks    []StreamChunk
	streamErr error
	// stream, when set, replaces chunks/streamErr.
	stream func(ctx context.Context, req TextRequest) iter.Seq2[StreamChunk, error]

	imageCalls   int
	streamCalls  int
	lastKey      string
	lastImage    string
	lastRequests []TextRequest
}

func (f *fakeEndpoint) GenerateImage(ctx context.Context, key, prompt string) ([]Part, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imageCalls++
	f.lastKey = key
	f.lastImage = prompt
	return f.imageParts, f.imageErr
}

func (f *fakeEndpoint) StreamText(ctx context.Context, key string, req TextRequest) iter.Seq2[StreamChunk, error] {
	f.mu.Lock()
	f.streamCalls++
	f.lastKey = key
	f.lastRequests = append(f.lastRequests, req)
	custom := f.stream
	chunks, streamErr := f.chunks, f.streamErr
	f.mu.Unlock()

	if custom != nil {
		return custom(ctx, req)
	}
	return func(yield func(StreamChunk, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
		if streamErr != nil {
			yield(StreamChunk{}, streamErr)
		}
	}
}

func (f *fakeEndpoint) calls() (image, stream int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.imageCalls, f.streamCalls
}

func (f *fakeEndpoint) lastRequest() TextRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRequests[len(f.lastRequests)-1]
}

func textChunks(parts ...string) []StreamChunk {
	out := make([]StreamChunk, 0, len(parts))
	for _, p := range parts {
		out = append(out, StreamChunk{Text: p})
	}
	return out
}

func seqOf(chunks ...StreamChunk) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
	}
}

func newTestGenerator(ep Endpoint, key string) (*Generator, *Gate) {
	gate := NewGate(key, nil)
	gen := NewGenerator(ep, gate, persona.Builtin(), GeneratorOptions{HistoryTurns: 6, SearchGrounding: true})
	return gen, gate
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore("sqlite", filepath.Join(t.TempDir(), "core.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}
