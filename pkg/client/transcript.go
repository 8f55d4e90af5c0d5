package client

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"writingbuddy/pkg/domain"
)

var (
	ErrEmptyMessage    = errors.New("message is empty")
	ErrTurnInFlight    = errors.New("a turn is already in flight")
	ErrSessionComplete = errors.New("session is completed")
	ErrStaleTurn       = errors.New("turn is not the pending one")
)

// API is the slice of the writing service a Transcript needs.
type API interface {
	GetSession(ctx context.Context, id int64) (domain.SessionDetail, error)
	SendMessage(ctx context.Context, sessionID int64, text string) (string, error)
	FinishSession(ctx context.Context, sessionID int64) (string, error)
}

// Phase is the lifecycle of one optimistic turn.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseConfirmed  Phase = "confirmed"
	PhaseRolledBack Phase = "rolled_back"
)

// Entry is one line of the local transcript. Server-confirmed entries carry
// ID; an optimistic entry carries only LocalID.
type Entry struct {
	ID      int64
	LocalID string
	Role    domain.Role
	Content string
}

// PendingTurn tracks one optimistic user entry until it is confirmed or
// rolled back.
type PendingTurn struct {
	LocalID string
	// Text is the trimmed message sent to the server.
	Text  string
	Phase Phase

	raw string
}

// TranscriptConfig holds the canned texts a client sends or shows on the
// user's behalf.
type TranscriptConfig struct {
	Greeting      string
	ClosingMarker string
}

// DefaultTranscriptConfig returns the canned texts for locale, falling back
// to English.
func DefaultTranscriptConfig(locale string) TranscriptConfig {
	if locale == "he" {
		return TranscriptConfig{
			Greeting:      "שלום! אני רוצה להתחיל לכתוב.",
			ClosingMarker: "סיימתי לכתוב! אנא תן לי משוב מסכם.",
		}
	}
	return TranscriptConfig{
		Greeting:      "Hi! I want to start writing.",
		ClosingMarker: "I'm done writing! Please give me summary feedback.",
	}
}

// Transcript is the client-local view of one session. It renders user turns
// before the server accepts them and only ever undoes its own optimistic
// entry when a call fails.
type Transcript struct {
	api       API
	sessionID int64
	cfg       TranscriptConfig

	mu      sync.Mutex
	session domain.Session
	entries []Entry
	input   string
	pending *PendingTurn
	lastErr error
}

func NewTranscript(api API, sessionID int64, cfg TranscriptConfig) *Transcript {
	defaults := DefaultTranscriptConfig("en")
	if strings.TrimSpace(cfg.Greeting) == "" {
		cfg.Greeting = defaults.Greeting
	}
	if strings.TrimSpace(cfg.ClosingMarker) == "" {
		cfg.ClosingMarker = defaults.ClosingMarker
	}
	return &Transcript{api: api, sessionID: sessionID, cfg: cfg}
}

// Open loads the ledger. An empty ledger is seeded with the greeting turn and
// then reloaded, so every entry afterwards carries a server id.
func (t *Transcript) Open(ctx context.Context) error {
	detail, err := t.api.GetSession(ctx, t.sessionID)
	if err != nil {
		return t.fail(err)
	}
	t.load(detail)
	if len(detail.Messages) > 0 || detail.Status != domain.StatusActive {
		return nil
	}

	if _, err := t.Submit(ctx, t.cfg.Greeting); err != nil {
		t.mu.Lock()
		t.input = ""
		t.mu.Unlock()
		return err
	}
	detail, err = t.api.GetSession(ctx, t.sessionID)
	if err != nil {
		return t.fail(err)
	}
	t.load(detail)
	return nil
}

// Begin appends the optimistic user entry and enters the pending phase.
func (t *Transcript) Begin(raw string) (*PendingTurn, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		return nil, ErrTurnInFlight
	}
	if t.session.Status == domain.StatusCompleted {
		return nil, ErrSessionComplete
	}
	p := &PendingTurn{LocalID: "local-" + uuid.NewString(), Text: text, Phase: PhasePending, raw: raw}
	t.entries = append(t.entries, Entry{LocalID: p.LocalID, Role: domain.RoleUser, Content: text})
	t.input = ""
	t.lastErr = nil
	t.pending = p
	return p, nil
}

// Confirm appends the assistant reply and resolves the pending turn.
func (t *Transcript) Confirm(p *PendingTurn, reply string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.resolvable(p); err != nil {
		return err
	}
	t.entries = append(t.entries, Entry{Role: domain.RoleAssistant, Content: reply})
	p.Phase = PhaseConfirmed
	t.pending = nil
	return nil
}

// Rollback removes the optimistic entry, restores the text exactly as typed
// to the input and records cause.
func (t *Transcript) Rollback(p *PendingTurn, cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.resolvable(p); err != nil {
		return err
	}
	for i, e := range t.entries {
		if e.LocalID == p.LocalID {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
	t.input = p.raw
	t.lastErr = cause
	p.Phase = PhaseRolledBack
	t.pending = nil
	return nil
}

// Submit runs one full turn: Begin, the API call, then Confirm or Rollback.
func (t *Transcript) Submit(ctx context.Context, text string) (string, error) {
	p, err := t.Begin(text)
	if err != nil {
		return "", err
	}
	reply, err := t.api.SendMessage(ctx, t.sessionID, p.Text)
	if err != nil {
		_ = t.Rollback(p, err)
		return "", err
	}
	if err := t.Confirm(p, reply); err != nil {
		return "", err
	}
	return reply, nil
}

// Finish requests the closing feedback. Nothing is shown until the server
// accepts it; then the closing marker and the feedback are appended and the
// session is marked completed locally.
func (t *Transcript) Finish(ctx context.Context) (string, error) {
	t.mu.Lock()
	if t.pending != nil {
		t.mu.Unlock()
		return "", ErrTurnInFlight
	}
	if t.session.Status == domain.StatusCompleted {
		t.mu.Unlock()
		return "", ErrSessionComplete
	}
	p := &PendingTurn{Phase: PhasePending}
	t.pending = p
	t.lastErr = nil
	t.mu.Unlock()

	feedback, err := t.api.FinishSession(ctx, t.sessionID)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = nil
	if err != nil {
		p.Phase = PhaseRolledBack
		t.lastErr = err
		return "", err
	}
	p.Phase = PhaseConfirmed
	t.entries = append(t.entries,
		Entry{Role: domain.RoleUser, Content: t.cfg.ClosingMarker},
		Entry{Role: domain.RoleAssistant, Content: feedback},
	)
	t.session.Status = domain.StatusCompleted
	return feedback, nil
}

// Entries returns a copy of the visible transcript.
func (t *Transcript) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Entry(nil), t.entries...)
}

func (t *Transcript) Session() domain.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// Input is the text that belongs in the compose box.
func (t *Transcript) Input() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.input
}

// TakeInput returns the compose text and clears it.
func (t *Transcript) TakeInput() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	in := t.input
	t.input = ""
	return in
}

func (t *Transcript) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

// Err is the last surfaced failure, cleared by the next turn.
func (t *Transcript) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *Transcript) resolvable(p *PendingTurn) error {
	if p == nil || t.pending != p || p.Phase != PhasePending {
		return ErrStaleTurn
	}
	return nil
}

func (t *Transcript) load(detail domain.SessionDetail) {
	entries := make([]Entry, 0, len(detail.Messages))
	for _, m := range detail.Messages {
		if m.Role == domain.RoleSystem {
			continue
		}
		entries = append(entries, Entry{ID: m.ID, Role: m.Role, Content: m.Content})
	}
	t.mu.Lock()
	t.session = detail.Session
	t.entries = entries
	t.mu.Unlock()
}

func (t *Transcript) fail(err error) error {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
	return err
}
