package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zohaibxno18/zx-chat/internal/persona"
	"github.com/zohaibxno18/zx-chat/internal/store"
	"github.com/zohaibxno18/zx-chat/internal/utils"
)

const (
	titleMaxRunes = 30

	apologyText   = "ZOHAIBXNO18: Masla ho gaya bhai. Thori der baad dobara try kar."
	rateLimitText = "ZOHAIBXNO18: Quota khatam ho gaya bhai. Thora ruk ke dobara try kar."
)

var (
	ErrChatBusy    = errors.New("a reply is already being generated for this chat")
	ErrEmptyPrompt = errors.New("message content cannot be empty")
)

// ChatStore is the persistence the chat service needs.
type ChatStore interface {
	GetChats(uid string) ([]store.Chat, error)
	GetChat(uid, chatID string) (*store.Chat, error)
	SaveChat(chat *store.Chat) error
	DeleteChat(uid, chatID string) error
	ClearAllHistory(uid string) error
	UpsertUser(user *store.User) error
	GetUser(uid string) (*store.User, error)
}

type ChatService struct {
	dbStore    ChatStore
	generator  *Generator
	classifier *Classifier
	personas   *persona.Registry
	timeout    time.Duration
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewChatService(db ChatStore, gen *Generator, classifier *Classifier, personas *persona.Registry, timeout time.Duration) *ChatService {
	return &ChatService{
		dbStore:    db,
		generator:  gen,
		classifier: classifier,
		personas:   personas,
		timeout:    timeout,
		now:        time.Now,
		inflight:   make(map[string]struct{}),
	}
}

// SignIn records the local mock user and returns it. There is no real
// authentication; every caller becomes the same user.
func (s *ChatService) SignIn() (*store.User, error) {
	now := s.now().UnixMilli()
	user := &store.User{
		UID:        "zohaib_legend_user",
		Name:       "LEGENDARY USER",
		Email:      "access@zohaibxno18.ai",
		PhotoURL:   "https://api.dicebear.com/7.x/bottts/svg?seed=Zohaib",
		CreatedAt:  now,
		LastActive: now,
	}
	existing, err := s.dbStore.GetUser(user.UID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if existing != nil {
		user.CreatedAt = existing.CreatedAt
	}
	if err := s.dbStore.UpsertUser(user); err != nil {
		return nil, fmt.Errorf("failed to store user: %w", err)
	}
	return user, nil
}

func (s *ChatService) GetUser(uid string) (*store.User, error) {
	return s.dbStore.GetUser(uid)
}

func (s *ChatService) GetChats(uid string) ([]store.Chat, error) {
	return s.dbStore.GetChats(uid)
}

// GetChat returns store.ErrChatNotFound when uid has no such chat.
func (s *ChatService) GetChat(uid, chatID string) (*store.Chat, error) {
	chat, err := s.dbStore.GetChat(uid, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	if chat == nil {
		return nil, store.ErrChatNotFound
	}
	return chat, nil
}

func (s *ChatService) DeleteChat(uid, chatID string) error {
	return s.dbStore.DeleteChat(uid, chatID)
}

func (s *ChatService) ClearAllHistory(uid string) error {
	return s.dbStore.ClearAllHistory(uid)
}

type TurnRequest struct {
	UID       string
	ChatID    string // empty starts a new chat
	PersonaID string // empty keeps the chat's persona
	Prompt    string
}

type EventType string

const (
	EventStarted EventType = "started"
	EventDelta   EventType = "delta"
	EventImage   EventType = "image"
)

// TurnEvent reports progress of one turn. Text is always the full reply so far.
type TurnEvent struct {
	Type          EventType      `json:"type"`
	ChatID        string         `json:"chat_id"`
	UserMessageID string         `json:"user_message_id,omitempty"`
	MessageID     string         `json:"message_id"`
	Text          string         `json:"text,omitempty"`
	ImageURL      string         `json:"image_url,omitempty"`
	Sources       []store.Source `json:"sources,omitempty"`
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (s *ChatService) acquire(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[chatID]; busy {
		return false
	}
	s.inflight[chatID] = struct{}{}
	return true
}

func (s *ChatService) release(chatID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, chatID)
}

// SendMessage runs one turn: the prompt is classified, the reply generated and
// streamed through onEvent, and the chat saved with both messages appended.
//
// The reply is written to the message created for this turn, inside this
// call's own copy of the chat, so a turn for one chat can never touch another
// chat's message list. Only one turn per chat runs at a time (ErrChatBusy).
//
// ErrActivationNeeded is returned without saving anything. Other generation
// failures become an apology in the reply text and the turn is still saved.
func (s *ChatService) SendMessage(ctx context.Context, req TurnRequest, onEvent func(TurnEvent)) (*store.Chat, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, ErrEmptyPrompt
	}
	emit := func(ev TurnEvent) {
		if onEvent != nil {
			onEvent(ev)
		}
	}

	chatID := req.ChatID
	if chatID == "" {
		chatID = newID()
	}
	// The lock is taken before the chat is read so a turn always builds on the
	// messages saved by the previous one.
	if !s.acquire(chatID) {
		return nil, ErrChatBusy
	}
	defer s.release(chatID)

	var chat *store.Chat
	if req.ChatID != "" {
		existing, err := s.GetChat(req.UID, req.ChatID)
		if err != nil {
			return nil, err
		}
		chat = existing
	} else {
		chat = &store.Chat{
			ChatID:    chatID,
			UID:       req.UID,
			Title:     utils.Truncate(prompt, titleMaxRunes),
			CreatedAt: s.now().UnixMilli(),
			PersonaID: s.personas.DefaultID(),
		}
	}
	if req.PersonaID != "" {
		chat.PersonaID = s.personas.Get(req.PersonaID).ID
	} else if _, ok := s.personas.Lookup(chat.PersonaID); !ok {
		chat.PersonaID = s.personas.DefaultID()
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	history := chat.Messages
	userMsg := store.Message{ID: newID(), Role: store.RoleUser, Text: prompt, Timestamp: s.now().UnixMilli()}
	aiMsg := store.Message{ID: newID(), Role: store.RoleAI, Timestamp: s.now().UnixMilli()}

	messages := make([]store.Message, 0, len(history)+2)
	messages = append(messages, history...)
	messages = append(messages, userMsg, aiMsg)
	reply := &messages[len(messages)-1]

	emit(TurnEvent{Type: EventStarted, ChatID: chat.ChatID, UserMessageID: userMsg.ID, MessageID: reply.ID})

	generated := false
	if s.classifier.Classify(prompt) == ModalityImage {
		img, err := s.generator.GenerateImage(ctx, prompt)
		switch {
		case err == nil:
			reply.Text = img.Caption
			reply.ImageURL = img.ImageURL
			generated = true
			emit(TurnEvent{Type: EventImage, ChatID: chat.ChatID, MessageID: reply.ID, Text: reply.Text, ImageURL: reply.ImageURL})
		case errors.Is(err, ErrActivationNeeded):
			return nil, err
		default:
			log.Printf("Image generation for chat %s fell back to text: %v", chat.ChatID, err)
		}
	}

	if !generated {
		res, err := s.generator.GenerateTextStream(ctx, prompt, history, chat.PersonaID, func(text string) {
			reply.Text = text
			emit(TurnEvent{Type: EventDelta, ChatID: chat.ChatID, MessageID: reply.ID, Text: text})
		})
		reply.Text = res.Text
		reply.Sources = res.Sources
		if err != nil {
			if errors.Is(err, ErrActivationNeeded) {
				return nil, err
			}
			log.Printf("Error generating reply for chat %s: %v", chat.ChatID, err)
			notice := apologyText
			if errors.Is(err, ErrRateLimited) {
				notice = rateLimitText
			}
			if reply.Text != "" {
				reply.Text += "\n\n" + notice
			} else {
				reply.Text = notice
			}
			emit(TurnEvent{Type: EventDelta, ChatID: chat.ChatID, MessageID: reply.ID, Text: reply.Text})
		}
	}
	reply.Timestamp = s.now().UnixMilli()

	chat.Messages = messages
	if err := s.dbStore.SaveChat(chat); err != nil {
		return chat, fmt.Errorf("failed to save chat: %w", err)
	}
	return chat, nil
}
