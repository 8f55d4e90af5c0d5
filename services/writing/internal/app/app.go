package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"writingbuddy/internal/sessionlock"
	"writingbuddy/internal/util"
	"writingbuddy/pkg/ai"
	"writingbuddy/pkg/events"
	"writingbuddy/pkg/store"
)

const (
	defaultTurnMaxTokens   = 1000
	defaultFinishMaxTokens = 1500
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Provider    ai.Provider
	Locker      sessionlock.Locker
	Events      events.Publisher

	Prompts         Prompts
	TurnMaxTokens   int
	FinishMaxTokens int
}

// App owns the session lifecycle: the state machine, the ledger writes, and
// the provider round-trips of each turn.
type App struct {
	store           store.Store
	provider        ai.Provider
	locker          sessionlock.Locker
	events          events.Publisher
	prompts         Prompts
	turnMaxTokens   int
	finishMaxTokens int
}

// New constructs the application, opening a database-backed store when none
// is supplied.
func New(cfg Config) (*App, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("ai provider required")
	}
	dataStore := cfg.Store
	if dataStore == nil {
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
	}
	locker := cfg.Locker
	if locker == nil {
		locker = sessionlock.NewLocal()
	}
	publisher := cfg.Events
	if publisher == nil {
		publisher = events.Nop{}
	}
	prompts := cfg.Prompts
	defaults := PromptsFor("en")
	if strings.TrimSpace(prompts.System) == "" {
		prompts.System = defaults.System
	}
	if strings.TrimSpace(prompts.ClosingRequest) == "" {
		prompts.ClosingRequest = defaults.ClosingRequest
	}
	if strings.TrimSpace(prompts.ClosingMarker) == "" {
		prompts.ClosingMarker = defaults.ClosingMarker
	}
	turnMax := cfg.TurnMaxTokens
	if turnMax <= 0 {
		turnMax = defaultTurnMaxTokens
	}
	finishMax := cfg.FinishMaxTokens
	if finishMax <= 0 {
		finishMax = defaultFinishMaxTokens
	}
	return &App{
		store:           dataStore,
		provider:        cfg.Provider,
		locker:          locker,
		events:          publisher,
		prompts:         prompts,
		turnMaxTokens:   turnMax,
		finishMaxTokens: finishMax,
	}, nil
}

// Close releases the store.
func (a *App) Close() error {
	return a.store.Close()
}

func (a *App) lockSession(ctx context.Context, sessionID int64) (func(), error) {
	unlock, err := a.locker.Lock(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sessionlock.ErrLockTimeout) {
			return nil, fmt.Errorf("%w: %w", ErrSessionBusy, err)
		}
		return nil, fmt.Errorf("lock session: %w", err)
	}
	return unlock, nil
}

func (a *App) publish(ctx context.Context, event events.Event) {
	if err := a.events.Publish(context.WithoutCancel(ctx), event); err != nil {
		util.LoggerFromContext(ctx).Warn("event_publish_failed", "type", event.Type, "session_id", event.SessionID, "err", err)
	}
}
