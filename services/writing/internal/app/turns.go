package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"writingbuddy/internal/util"
	"writingbuddy/pkg/ai"
	"writingbuddy/pkg/domain"
	"writingbuddy/pkg/events"
)

// SubmitTurn records the user's text, asks the provider for the next coaching
// reply, and records that reply. If the provider fails the user turn stays
// in the ledger and the *ai.ProviderError is returned.
func (a *App) SubmitTurn(ctx context.Context, ownerID string, sessionID int64, text string) (string, error) {
	session, unlock, err := a.lockOwnedSession(ctx, ownerID, sessionID)
	if err != nil {
		return "", err
	}
	defer unlock()

	if session.Status == domain.StatusCompleted {
		return "", domain.InvalidStatef("session %d is completed", sessionID)
	}
	if strings.TrimSpace(text) == "" {
		return "", domain.Validationf("message required")
	}

	if _, err := a.store.AppendMessage(ctx, sessionID, domain.Message{Role: domain.RoleUser, Content: text}); err != nil {
		return "", fmt.Errorf("save user message: %w", err)
	}
	history, err := a.store.ListMessages(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}

	reply, err := a.provider.GenerateReply(ctx, a.prompts.System, ai.TurnsFromMessages(history), a.turnMaxTokens)
	if err != nil {
		a.providerFailed(ctx, session, "turn", err)
		return "", err
	}

	if _, err := a.store.AppendMessage(ctx, sessionID, assistantMessage(reply)); err != nil {
		return "", fmt.Errorf("save assistant message: %w", err)
	}
	if err := a.store.TouchSession(ctx, sessionID); err != nil {
		return "", fmt.Errorf("touch session: %w", err)
	}
	util.LoggerFromContext(ctx).Info("turn_completed",
		"session_id", sessionID,
		"history_len", len(history),
		"provider", reply.Provider,
		"model", reply.Model,
	)
	a.publish(ctx, events.Event{Type: events.TurnCompleted, SessionID: sessionID, OwnerID: ownerID})
	return reply.Text, nil
}

// FinishSession requests the closing rubric critique. On success the closing
// marker, the feedback and the completed status are written together.
// On provider failure nothing is written and the session stays active.
func (a *App) FinishSession(ctx context.Context, ownerID string, sessionID int64) (string, error) {
	session, unlock, err := a.lockOwnedSession(ctx, ownerID, sessionID)
	if err != nil {
		return "", err
	}
	defer unlock()

	if session.Status == domain.StatusCompleted {
		return "", domain.InvalidStatef("session %d is already completed", sessionID)
	}

	history, err := a.store.ListMessages(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load history: %w", err)
	}
	turns := append(ai.TurnsFromMessages(history), ai.Turn{Role: domain.RoleUser, Content: a.prompts.ClosingRequest})

	reply, err := a.provider.GenerateReply(ctx, a.prompts.System, turns, a.finishMaxTokens)
	if err != nil {
		a.providerFailed(ctx, session, "finish", err)
		return "", err
	}

	marker := domain.Message{
		Role:     domain.RoleUser,
		Content:  a.prompts.ClosingMarker,
		Metadata: map[string]string{"kind": "closing_request"},
	}
	if _, _, err := a.store.CompleteSession(ctx, sessionID, marker, assistantMessage(reply)); err != nil {
		return "", fmt.Errorf("complete session: %w", err)
	}
	util.LoggerFromContext(ctx).Info("session_completed",
		"session_id", sessionID,
		"history_len", len(history),
		"provider", reply.Provider,
		"model", reply.Model,
	)
	a.publish(ctx, events.Event{Type: events.SessionCompleted, SessionID: sessionID, OwnerID: ownerID})
	return reply.Text, nil
}

func assistantMessage(reply ai.Reply) domain.Message {
	meta := map[string]string{}
	if reply.Provider != "" {
		meta["provider"] = reply.Provider
	}
	if reply.Model != "" {
		meta["model"] = reply.Model
	}
	return domain.Message{Role: domain.RoleAssistant, Content: reply.Text, Metadata: meta}
}

func (a *App) providerFailed(ctx context.Context, session domain.Session, op string, err error) {
	args := []any{"session_id", session.ID, "op", op, "err", err}
	detail := err.Error()
	var perr *ai.ProviderError
	if errors.As(err, &perr) {
		args = append(args, "provider", perr.Provider, "status", perr.Status)
		detail = fmt.Sprintf("%s status %d", perr.Provider, perr.Status)
	}
	util.LoggerFromContext(ctx).Warn("provider_failed", args...)
	a.publish(ctx, events.Event{Type: events.TurnFailed, SessionID: session.ID, OwnerID: session.OwnerID, Detail: detail})
}
