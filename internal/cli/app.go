package cli

import (
	"fmt"

	"github.com/zohaibxno18/zx-chat/internal/config"
	"github.com/zohaibxno18/zx-chat/internal/core"
	"github.com/zohaibxno18/zx-chat/internal/persona"
	"github.com/zohaibxno18/zx-chat/internal/store"
)

// app is the core wired for a single local user, the way the browser client
// runs it: no server in between.
type app struct {
	db       *store.SQLiteStore
	endpoint core.Endpoint
	gate     *core.Gate
	personas *persona.Registry
	chats    *core.ChatService
	user     *store.User
}

func openApp(cfg config.Config, picker core.Picker) (*app, error) {
	db, err := store.NewSQLiteStore(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open chat history: %w", err)
	}

	personas, err := persona.Load(cfg.PersonasFile)
	if err != nil {
		db.Close()
		return nil, err
	}

	endpoint, err := core.NewEndpoint(cfg.Backend, cfg.TextModel, cfg.ImageModel)
	if err != nil {
		db.Close()
		return nil, err
	}

	gate := core.NewGate(cfg.GeminiAPIKey, picker)
	gen := core.NewGenerator(endpoint, gate, personas, core.GeneratorOptions{
		HistoryTurns:      cfg.HistoryTurns,
		SearchGrounding:   cfg.SearchGrounding,
		RequestsPerMinute: cfg.GenerationRPM,
	})
	chats := core.NewChatService(db, gen, core.NewClassifier(cfg.ImageKeywords, cfg.ImagePromptMaxLen), personas, cfg.GenerationTimeout)

	user, err := chats.SignIn()
	if err != nil {
		db.Close()
		return nil, err
	}

	return &app{
		db:       db,
		endpoint: endpoint,
		gate:     gate,
		personas: personas,
		chats:    chats,
		user:     user,
	}, nil
}

func (a *app) Close() {
	if c, ok := a.endpoint.(interface{ Close() }); ok {
		c.Close()
	}
	a.db.Close()
}
