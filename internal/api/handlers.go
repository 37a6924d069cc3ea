package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zohaibxno18/zx-chat/internal/auth"
	"github.com/zohaibxno18/zx-chat/internal/core"
	"github.com/zohaibxno18/zx-chat/internal/persona"
	"github.com/zohaibxno18/zx-chat/internal/store"
)

type contextKey string

const uidKey contextKey = "uid"

type APIHandler struct {
	chatService *core.ChatService
	gate        *core.Gate
	personas    *persona.Registry
}

func NewAPIHandler(cs *core.ChatService, gate *core.Gate, personas *persona.Registry) *APIHandler {
	return &APIHandler{chatService: cs, gate: gate, personas: personas}
}

func uidFrom(r *http.Request) string {
	uid, _ := r.Context().Value(uidKey).(string)
	return uid
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrChatNotFound), errors.Is(err, store.ErrChatOwner):
		return http.StatusNotFound
	case errors.Is(err, core.ErrChatBusy):
		return http.StatusConflict
	case errors.Is(err, core.ErrActivationNeeded):
		return http.StatusPreconditionRequired
	case errors.Is(err, core.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *APIHandler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header is required", http.StatusUnauthorized)
			return
		}

		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		uid, err := auth.ValidateJWT(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		user, err := h.chatService.GetUser(uid)
		if err != nil {
			log.Printf("Error in JWTAuthMiddleware for user %s: %v", uid, err)
			http.Error(w, "Failed to process user identity", http.StatusInternalServerError)
			return
		}
		if user == nil {
			http.Error(w, "User not found", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), uidKey, user.UID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type LoginResponse struct {
	Token string      `json:"token"`
	User  *store.User `json:"user"`
}

// LoginHandler signs in the local user. No credentials are checked.
func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	user, err := h.chatService.SignIn()
	if err != nil {
		log.Printf("Error signing in: %v", err)
		http.Error(w, "Failed to sign in", http.StatusInternalServerError)
		return
	}

	token, err := auth.GenerateJWT(user.UID)
	if err != nil {
		log.Printf("Error generating JWT for user %s: %v", user.UID, err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, LoginResponse{Token: token, User: user})
}

func (h *APIHandler) MeHandler(w http.ResponseWriter, r *http.Request) {
	uid := uidFrom(r)
	user, err := h.chatService.GetUser(uid)
	if err != nil {
		log.Printf("Error loading user %s: %v", uid, err)
		http.Error(w, "Failed to load user", http.StatusInternalServerError)
		return
	}
	if user == nil {
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *APIHandler) ListPersonasHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"default":  h.personas.DefaultID(),
		"personas": h.personas.List(),
	})
}

type ActivationStatus struct {
	Active bool `json:"active"`
}

func (h *APIHandler) ActivationStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ActivationStatus{Active: h.gate.HasCredential()})
}

type ActivateRequest struct {
	APIKey string `json:"api_key"`
}

// ActivateHandler stores the key chosen by the client. It stands in for the
// host key picker.
func (h *APIHandler) ActivateHandler(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.APIKey) == "" {
		http.Error(w, "api_key is required", http.StatusBadRequest)
		return
	}
	h.gate.SetCredential(req.APIKey)
	log.Printf("Credential updated by user %s", uidFrom(r))
	writeJSON(w, http.StatusOK, ActivationStatus{Active: true})
}

func (h *APIHandler) ListChatsHandler(w http.ResponseWriter, r *http.Request) {
	uid := uidFrom(r)
	chats, err := h.chatService.GetChats(uid)
	if err != nil {
		log.Printf("Error listing chats for user %s: %v", uid, err)
		http.Error(w, "Failed to list chats", http.StatusInternalServerError)
		return
	}
	if chats == nil {
		chats = []store.Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (h *APIHandler) GetChatHandler(w http.ResponseWriter, r *http.Request) {
	uid := uidFrom(r)
	chatID := chi.URLParam(r, "chatID")

	chat, err := h.chatService.GetChat(uid, chatID)
	if err != nil {
		if errors.Is(err, store.ErrChatNotFound) {
			http.Error(w, "Chat not found", http.StatusNotFound)
			return
		}
		log.Printf("Error getting chat %s for user %s: %v", chatID, uid, err)
		http.Error(w, "Failed to get chat", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (h *APIHandler) DeleteChatHandler(w http.ResponseWriter, r *http.Request) {
	uid := uidFrom(r)
	chatID := chi.URLParam(r, "chatID")

	if err := h.chatService.DeleteChat(uid, chatID); err != nil {
		if errors.Is(err, store.ErrChatNotFound) {
			http.Error(w, "Chat not found", http.StatusNotFound)
			return
		}
		log.Printf("Error deleting chat %s for user %s: %v", chatID, uid, err)
		http.Error(w, "Failed to delete chat", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *APIHandler) ClearHistoryHandler(w http.ResponseWriter, r *http.Request) {
	uid := uidFrom(r)
	if err := h.chatService.ClearAllHistory(uid); err != nil {
		log.Printf("Error clearing history for user %s: %v", uid, err)
		http.Error(w, "Failed to clear history", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type PostMessageRequest struct {
	Content   string `json:"content"`
	PersonaID string `json:"persona_id,omitempty"`
}

// eventStream writes Server-Sent Events. Headers go out with the first event,
// so failures before that can still use a plain status code.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
	open    bool
}

func (s *eventStream) send(event string, v any) {
	if !s.open {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.open = true
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Error encoding %s event: %v", event, err)
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	s.flusher.Flush()
}

type streamError struct {
	Error string `json:"error"`
}

// PostMessageHandler runs one turn. Without a chatID in the path a new chat
// is started. Progress is streamed as started/delta/image events and the
// saved chat is sent last as a done event.
func (h *APIHandler) PostMessageHandler(w http.ResponseWriter, r *http.Request) {
	uid := uidFrom(r)
	chatID := chi.URLParam(r, "chatID")

	var req PostMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		http.Error(w, "Message content cannot be empty", http.StatusBadRequest)
		return
	}
	if !h.gate.HasCredential() {
		http.Error(w, core.ErrActivationNeeded.Error(), http.StatusPreconditionRequired)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	stream := &eventStream{w: w, flusher: flusher}

	chat, err := h.chatService.SendMessage(r.Context(), core.TurnRequest{
		UID:       uid,
		ChatID:    chatID,
		PersonaID: req.PersonaID,
		Prompt:    req.Content,
	}, func(ev core.TurnEvent) {
		stream.send(string(ev.Type), ev)
	})
	if err != nil {
		if !stream.open {
			status := statusFor(err)
			if status == http.StatusInternalServerError {
				log.Printf("Error posting message for user %s, chat %s: %v", uid, chatID, err)
				http.Error(w, "Failed to post message", status)
				return
			}
			http.Error(w, err.Error(), status)
			return
		}
		if errors.Is(err, core.ErrActivationNeeded) {
			stream.send("activation_needed", streamError{Error: err.Error()})
			return
		}
		log.Printf("Error posting message for user %s, chat %s: %v", uid, chatID, err)
		stream.send("error", streamError{Error: "Failed to post message"})
		return
	}
	stream.send("done", chat)
}
