package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zohaibxno18/zx-chat/internal/config"
	"github.com/zohaibxno18/zx-chat/internal/core"
	"github.com/zohaibxno18/zx-chat/internal/persona"
	"github.com/zohaibxno18/zx-chat/internal/store"
)

// scriptedEndpoint streams fixed text, or fails with err after the text.
type scriptedEndpoint struct {
	text []string
	err  error
}

func (e *scriptedEndpoint) GenerateImage(ctx context.Context, key, prompt string) ([]core.Part, error) {
	return []core.Part{core.BlobPart{MIMEType: "image/png", Data: []byte("png")}}, nil
}

func (e *scriptedEndpoint) StreamText(ctx context.Context, key string, req core.TextRequest) iter.Seq2[core.StreamChunk, error] {
	return func(yield func(core.StreamChunk, error) bool) {
		for _, t := range e.text {
			if !yield(core.StreamChunk{Text: t}, nil) {
				return
			}
		}
		if e.err != nil {
			yield(core.StreamChunk{}, e.err)
		}
	}
}

type testServer struct {
	handler http.Handler
	gate    *core.Gate
	ep      *scriptedEndpoint
}

func newTestServer(t *testing.T, key string) *testServer {
	t.Helper()

	prev := config.AppConfig
	config.AppConfig.JWTSecret = "handler-test-secret"
	t.Cleanup(func() { config.AppConfig = prev })

	db, err := store.NewSQLiteStore("sqlite", filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ep := &scriptedEndpoint{text: []string{"Hello", " there"}}
	gate := core.NewGate(key, nil)
	personas := persona.Builtin()
	gen := core.NewGenerator(ep, gate, personas, core.GeneratorOptions{HistoryTurns: 6})
	cs := core.NewChatService(db, gen, core.NewClassifier(config.DefaultImageKeywords, 80), personas, time.Minute)

	return &testServer{
		handler: NewRouter(NewAPIHandler(cs, gate, personas)),
		gate:    gate,
		ep:      ep,
	}
}

func (s *testServer) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) login(t *testing.T) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/login", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	assert.Equal(t, "zohaib_legend_user", resp.User.UID)
	return resp.Token
}

type sseEvent struct {
	name string
	data string
}

func parseEvents(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	sc := bufio.NewScanner(strings.NewReader(body))
	sc.Buffer(make([]byte, 1024*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.name != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		}
	}
	require.NoError(t, sc.Err())
	return events
}

func TestPublicRoutes(t *testing.T) {
	s := newTestServer(t, "")

	rec := s.do(t, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/personas", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var personas struct {
		Default  string            `json:"default"`
		Personas []persona.Persona `json:"personas"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &personas))
	assert.Equal(t, persona.DefaultID, personas.Default)
	assert.NotEmpty(t, personas.Personas)
	assert.NotContains(t, rec.Body.String(), "instruction")

	rec = s.do(t, http.MethodGet, "/api/activation", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"active":false}`, rec.Body.String())
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, "k")

	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/chats", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/chats", "bogus", "").Code)

	token := s.login(t)
	rec := s.do(t, http.MethodGet, "/api/me", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "LEGENDARY USER")

	rec = s.do(t, http.MethodGet, "/api/chats", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestPostMessageStreamsAndPersists(t *testing.T) {
	s := newTestServer(t, "k")
	token := s.login(t)

	rec := s.do(t, http.MethodPost, "/api/chats/messages", token, `{"content":"Say hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := parseEvents(t, rec.Body.String())
	require.Len(t, events, 4)
	assert.Equal(t, "started", events[0].name)
	assert.Equal(t, "delta", events[1].name)
	assert.Equal(t, "delta", events[2].name)
	assert.Equal(t, "done", events[3].name)

	var delta core.TurnEvent
	require.NoError(t, json.Unmarshal([]byte(events[2].data), &delta))
	assert.Equal(t, "Hello there", delta.Text)

	var chat store.Chat
	require.NoError(t, json.Unmarshal([]byte(events[3].data), &chat))
	assert.Equal(t, "Say hello", chat.Title)
	require.Len(t, chat.Messages, 2)
	assert.Equal(t, "Hello there", chat.Messages[1].Text)

	rec = s.do(t, http.MethodGet, "/api/chats/"+chat.ChatID, token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stored store.Chat
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.Equal(t, chat.Messages, stored.Messages)

	rec = s.do(t, http.MethodPost, "/api/chats/"+chat.ChatID+"/messages", token, `{"content":"again"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	events = parseEvents(t, rec.Body.String())
	require.NoError(t, json.Unmarshal([]byte(events[len(events)-1].data), &chat))
	assert.Len(t, chat.Messages, 4)
}

func TestPostMessageImage(t *testing.T) {
	s := newTestServer(t, "k")
	token := s.login(t)

	rec := s.do(t, http.MethodPost, "/api/chats/messages", token, `{"content":"draw a lighthouse"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	events := parseEvents(t, rec.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, "image", events[1].name)

	var ev core.TurnEvent
	require.NoError(t, json.Unmarshal([]byte(events[1].data), &ev))
	assert.True(t, strings.HasPrefix(ev.ImageURL, "data:image/png;base64,"))
}

func TestPostMessageErrors(t *testing.T) {
	s := newTestServer(t, "k")
	token := s.login(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{name: "bad_json", path: "/api/chats/messages", body: `{`, want: http.StatusBadRequest},
		{name: "empty", path: "/api/chats/messages", body: `{"content":"  "}`, want: http.StatusBadRequest},
		{name: "unknown_chat", path: "/api/chats/nope/messages", body: `{"content":"hi"}`, want: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, tt.path, token, tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestPostMessageNeedsActivation(t *testing.T) {
	s := newTestServer(t, "")
	token := s.login(t)

	rec := s.do(t, http.MethodPost, "/api/chats/messages", token, `{"content":"hi"}`)
	assert.Equal(t, http.StatusPreconditionRequired, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/activation", token, `{"api_key":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/activation", token, `{"api_key":"fresh"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, s.gate.HasCredential())

	rec = s.do(t, http.MethodPost, "/api/chats/messages", token, `{"content":"hi"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPostMessageRejectedKeyMidTurn(t *testing.T) {
	s := newTestServer(t, "k")
	token := s.login(t)
	s.ep.err = errors.New("API key not valid. Please pass a valid API key.")

	rec := s.do(t, http.MethodPost, "/api/chats/messages", token, `{"content":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	events := parseEvents(t, rec.Body.String())
	assert.Equal(t, "activation_needed", events[len(events)-1].name)
	assert.False(t, s.gate.HasCredential())

	rec = s.do(t, http.MethodGet, "/api/chats", token, "")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestDeleteAndClear(t *testing.T) {
	s := newTestServer(t, "k")
	token := s.login(t)

	var ids []string
	for _, prompt := range []string{"one", "two"} {
		rec := s.do(t, http.MethodPost, "/api/chats/messages", token, `{"content":"`+prompt+`"}`)
		events := parseEvents(t, rec.Body.String())
		var chat store.Chat
		require.NoError(t, json.Unmarshal([]byte(events[len(events)-1].data), &chat))
		ids = append(ids, chat.ChatID)
	}

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/chats/"+ids[0], token, "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/api/chats/"+ids[0], token, "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/chats/"+ids[0], token, "").Code)

	var chats []store.Chat
	rec := s.do(t, http.MethodGet, "/api/chats", token, "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chats))
	require.Len(t, chats, 1)
	assert.Equal(t, ids[1], chats[0].ChatID)

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/chats", token, "").Code)
	rec = s.do(t, http.MethodGet, "/api/chats", token, "")
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(core.ErrChatBusy))
	assert.Equal(t, http.StatusTooManyRequests, statusFor(&core.GenerationError{Kind: core.KindRateLimited, Err: errors.New("429")}))
	assert.Equal(t, http.StatusPreconditionRequired, statusFor(core.ErrActivationNeeded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("disk full")))
}
