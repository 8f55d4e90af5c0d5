package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"writingbuddy/internal/sessionlock"
	"writingbuddy/pkg/ai"
	"writingbuddy/pkg/domain"
	"writingbuddy/pkg/events"
	"writingbuddy/pkg/store"
)

type providerCall struct {
	system    string
	history   []ai.Turn
	maxTokens int
}

type fakeProvider struct {
	mu      sync.Mutex
	calls   []providerCall
	replies []string
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func (p *fakeProvider) GenerateReply(ctx context.Context, system string, history []ai.Turn, maxTokens int) (ai.Reply, error) {
	p.mu.Lock()
	p.calls = append(p.calls, providerCall{system: system, history: append([]ai.Turn(nil), history...), maxTokens: maxTokens})
	n := len(p.calls)
	err := p.err
	gate, entered := p.gate, p.entered
	p.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	if err != nil {
		return ai.Reply{}, err
	}
	text := "reply"
	if n-1 < len(p.replies) {
		text = p.replies[n-1]
	}
	return ai.Reply{Text: text, Provider: "fake", Model: "fake-1"}, nil
}

func (p *fakeProvider) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakeProvider) lastCall() providerCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[len(p.calls)-1]
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingPublisher) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	app      *App
	store    *store.MemoryStore
	provider *fakeProvider
	events   *recordingPublisher
	locker   *sessionlock.Local
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore(nil)
	provider := &fakeProvider{}
	pub := &recordingPublisher{}
	locker := sessionlock.NewLocal()
	a, err := New(Config{Store: st, Provider: provider, Events: pub, Locker: locker, Prompts: PromptsFor("en")})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return &fixture{app: a, store: st, provider: provider, events: pub, locker: locker}
}

func (f *fixture) session(t *testing.T, owner string) domain.Session {
	t.Helper()
	s, err := f.app.CreateSession(context.Background(), owner, "My essay", domain.KindHomework)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s
}

func (f *fixture) ledger(t *testing.T, id int64) []domain.Message {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), id)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	return msgs
}

func assertLedger(t *testing.T, got []domain.Message, want ...string) {
	t.Helper()
	if len(got) != len(want)/2 {
		t.Fatalf("ledger len = %d, want %d: %+v", len(got), len(want)/2, got)
	}
	for i := 0; i < len(want); i += 2 {
		msg := got[i/2]
		if string(msg.Role) != want[i] || msg.Content != want[i+1] {
			t.Fatalf("ledger[%d] = %s/%q, want %s/%q", i/2, msg.Role, msg.Content, want[i], want[i+1])
		}
	}
}

func TestNewRequiresProvider(t *testing.T) {
	if _, err := New(Config{Store: store.NewMemoryStore(nil)}); err == nil {
		t.Fatal("expected missing provider error")
	}
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.app.CreateSession(ctx, "u1", "  ", domain.KindFree); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("blank title err = %v", err)
	}
	if _, err := f.app.CreateSession(ctx, "u1", "Essay", "poem"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("bad kind err = %v", err)
	}
	s, err := f.app.CreateSession(ctx, "u1", " Essay ", domain.KindFree)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Title != "Essay" || s.Status != domain.StatusActive {
		t.Fatalf("unexpected session: %+v", s)
	}
	if got := f.events.types(); len(got) != 1 || got[0] != events.SessionCreated {
		t.Fatalf("events = %v", got)
	}
}

func TestGetSessionHidesOtherOwners(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "u1")
	if _, err := f.app.GetSession(context.Background(), "u2", s.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign get err = %v, want ErrNotFound", err)
	}
	if _, err := f.app.GetSessionDetail(context.Background(), "u2", s.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign detail err = %v, want ErrNotFound", err)
	}
}

func TestSubmitTurnHappyPath(t *testing.T) {
	f := newFixture(t)
	f.provider.replies = []string{"Hi! What will you write about?"}
	s := f.session(t, "u1")

	reply, err := f.app.SubmitTurn(context.Background(), "u1", s.ID, "hello")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if reply != "Hi! What will you write about?" {
		t.Fatalf("reply = %q", reply)
	}
	msgs := f.ledger(t, s.ID)
	assertLedger(t, msgs, "user", "hello", "assistant", "Hi! What will you write about?")
	if msgs[1].Metadata["provider"] != "fake" || msgs[1].Metadata["model"] != "fake-1" {
		t.Fatalf("assistant metadata = %+v", msgs[1].Metadata)
	}

	call := f.provider.lastCall()
	if call.system != PromptsFor("en").System {
		t.Fatalf("system prompt not sent")
	}
	if call.maxTokens != 1000 {
		t.Fatalf("max tokens = %d, want 1000", call.maxTokens)
	}
	if len(call.history) != 1 || call.history[0].Content != "hello" || call.history[0].Role != domain.RoleUser {
		t.Fatalf("history = %+v", call.history)
	}

	got, _ := f.app.GetSession(context.Background(), "u1", s.ID)
	if got.UpdatedAt.Before(msgs[1].CreatedAt) {
		t.Fatalf("updatedAt %v not bumped past reply %v", got.UpdatedAt, msgs[1].CreatedAt)
	}
	if types := f.events.types(); types[len(types)-1] != events.TurnCompleted {
		t.Fatalf("events = %v", types)
	}
}

func TestSubmitTurnProviderFailureKeepsUserTurn(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "u1")
	if _, err := f.app.SubmitTurn(context.Background(), "u1", s.ID, "hello"); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	f.provider.setErr(&ai.ProviderError{Provider: "fake", Status: 503, Message: "overloaded"})
	_, err := f.app.SubmitTurn(context.Background(), "u1", s.ID, "more")
	var perr *ai.ProviderError
	if !errors.As(err, &perr) || perr.Status != 503 {
		t.Fatalf("err = %v, want ProviderError 503", err)
	}
	assertLedger(t, f.ledger(t, s.ID), "user", "hello", "assistant", "reply", "user", "more")

	f.provider.setErr(nil)
	if _, err := f.app.SubmitTurn(context.Background(), "u1", s.ID, "again"); err != nil {
		t.Fatalf("retry submit: %v", err)
	}
	history := f.provider.lastCall().history
	if len(history) != 4 || history[2].Content != "more" || history[3].Content != "again" {
		t.Fatalf("orphaned user turn should stay in history: %+v", history)
	}
	if types := f.events.types(); !containsType(types, events.TurnFailed) {
		t.Fatalf("expected turn_failed event, got %v", types)
	}
}

func TestSubmitTurnRejections(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "u1")
	ctx := context.Background()

	if _, err := f.app.SubmitTurn(ctx, "u1", s.ID, "  \n"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty text err = %v", err)
	}
	if _, err := f.app.SubmitTurn(ctx, "u2", s.ID, "hello"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign session err = %v", err)
	}
	if _, err := f.app.SubmitTurn(ctx, "u1", s.ID+42, "hello"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing session err = %v", err)
	}
	if len(f.ledger(t, s.ID)) != 0 || f.provider.callCount() != 0 {
		t.Fatal("rejected turns must not write or call the provider")
	}
}

func TestFinishSession(t *testing.T) {
	f := newFixture(t)
	f.provider.replies = []string{"first reply", "Two stars and a wish"}
	s := f.session(t, "u1")
	ctx := context.Background()
	if _, err := f.app.SubmitTurn(ctx, "u1", s.ID, "my draft"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	feedback, err := f.app.FinishSession(ctx, "u1", s.ID)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if feedback != "Two stars and a wish" {
		t.Fatalf("feedback = %q", feedback)
	}

	prompts := PromptsFor("en")
	call := f.provider.lastCall()
	if call.maxTokens != 1500 {
		t.Fatalf("finish max tokens = %d, want 1500", call.maxTokens)
	}
	if len(call.history) != 3 || call.history[2].Content != prompts.ClosingRequest {
		t.Fatalf("closing request not appended to history: %+v", call.history)
	}

	msgs := f.ledger(t, s.ID)
	assertLedger(t, msgs,
		"user", "my draft",
		"assistant", "first reply",
		"user", prompts.ClosingMarker,
		"assistant", "Two stars and a wish",
	)
	if msgs[2].Metadata["kind"] != "closing_request" {
		t.Fatalf("marker metadata = %+v", msgs[2].Metadata)
	}
	got, _ := f.app.GetSession(ctx, "u1", s.ID)
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}

	if _, err := f.app.SubmitTurn(ctx, "u1", s.ID, "one more"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("submit after finish err = %v, want ErrInvalidState", err)
	}
	if _, err := f.app.FinishSession(ctx, "u1", s.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("second finish err = %v, want ErrInvalidState", err)
	}
	if len(f.ledger(t, s.ID)) != 4 {
		t.Fatal("completed session ledger changed")
	}
	if types := f.events.types(); types[len(types)-1] != events.SessionCompleted {
		t.Fatalf("events = %v", types)
	}
}

func TestFinishSessionProviderFailureWritesNothing(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "u1")
	ctx := context.Background()
	if _, err := f.app.SubmitTurn(ctx, "u1", s.ID, "draft"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.provider.setErr(&ai.ProviderError{Provider: "fake", Message: "request timed out"})

	if _, err := f.app.FinishSession(ctx, "u1", s.ID); err == nil {
		t.Fatal("expected provider error")
	}
	assertLedger(t, f.ledger(t, s.ID), "user", "draft", "assistant", "reply")
	got, _ := f.app.GetSession(ctx, "u1", s.ID)
	if got.Status != domain.StatusActive {
		t.Fatalf("status = %s, want active", got.Status)
	}
}

func TestFinishEmptySession(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "u1")
	if _, err := f.app.FinishSession(context.Background(), "u1", s.ID); err != nil {
		t.Fatalf("finish empty: %v", err)
	}
	call := f.provider.lastCall()
	if len(call.history) != 1 {
		t.Fatalf("empty session should send only the closing request, got %+v", call.history)
	}
}

func TestSubmitTurnSerializesPerSession(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "u1")
	f.provider.gate = make(chan struct{})
	f.provider.entered = make(chan struct{}, 2)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	submit := func(text string) {
		defer wg.Done()
		_, err := f.app.SubmitTurn(context.Background(), "u1", s.ID, text)
		errs <- err
	}
	wg.Add(1)
	go submit("first")
	<-f.provider.entered

	wg.Add(1)
	go submit("second")
	time.Sleep(30 * time.Millisecond)
	if n := len(f.ledger(t, s.ID)); n != 1 {
		t.Fatalf("second turn interleaved while first was in flight: ledger len %d", n)
	}

	f.provider.gate <- struct{}{}
	<-f.provider.entered
	f.provider.gate <- struct{}{}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	msgs := f.ledger(t, s.ID)
	if len(msgs) != 4 {
		t.Fatalf("ledger len = %d, want 4", len(msgs))
	}
	for i, want := range []domain.Role{domain.RoleUser, domain.RoleAssistant, domain.RoleUser, domain.RoleAssistant} {
		if msgs[i].Role != want {
			t.Fatalf("ledger[%d].role = %s, want %s", i, msgs[i].Role, want)
		}
	}
}

func TestSubmitTurnLockTimeout(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "u1")
	unlock, err := f.locker.Lock(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.app.SubmitTurn(ctx, "u1", s.ID, "hello"); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("err = %v, want ErrSessionBusy", err)
	}
}

func TestOtherOwnerGetsNotFoundWhileSessionLocked(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "u1")
	unlock, err := f.locker.Lock(context.Background(), s.ID)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	title := "Mine now"
	calls := map[string]func(ctx context.Context) error{
		"submit": func(ctx context.Context) error {
			_, err := f.app.SubmitTurn(ctx, "u2", s.ID, "hello")
			return err
		},
		"finish": func(ctx context.Context) error {
			_, err := f.app.FinishSession(ctx, "u2", s.ID)
			return err
		},
		"update": func(ctx context.Context) error {
			_, err := f.app.UpdateSession(ctx, "u2", s.ID, domain.SessionPatch{Title: &title})
			return err
		},
	}
	for name, call := range calls {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		start := time.Now()
		err := call(ctx)
		elapsed := time.Since(start)
		cancel()
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("%s err = %v, want ErrNotFound", name, err)
		}
		if elapsed > 200*time.Millisecond {
			t.Fatalf("%s waited %v on a session it does not own", name, elapsed)
		}
	}
	if f.provider.callCount() != 0 {
		t.Fatalf("provider called %d times", f.provider.callCount())
	}
}

func TestFinishSessionRejectsOtherOwner(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "u1")
	ctx := context.Background()
	if _, err := f.app.SubmitTurn(ctx, "u1", s.ID, "my draft"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := f.app.FinishSession(ctx, "u2", s.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	assertLedger(t, f.ledger(t, s.ID), "user", "my draft", "assistant", "reply")
	got, err := f.app.GetSession(ctx, "u1", s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusActive {
		t.Fatalf("status = %q, want active", got.Status)
	}
	if f.provider.callCount() != 1 {
		t.Fatalf("provider calls = %d, want 1", f.provider.callCount())
	}
	if containsType(f.events.types(), events.SessionCompleted) {
		t.Fatal("session_completed published for a foreign finish")
	}
}

func TestNewOpensStoreFromDatabaseURL(t *testing.T) {
	if _, err := New(Config{Provider: &fakeProvider{}}); err == nil {
		t.Fatal("expected missing database URL error")
	}
	a, err := New(Config{
		DatabaseURL: "sqlite:" + filepath.Join(t.TempDir(), "app.db"),
		Provider:    &fakeProvider{},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })

	ctx := context.Background()
	s, err := a.CreateSession(ctx, "u1", "Essay", domain.KindFree)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := a.SubmitTurn(ctx, "u1", s.ID, "hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := a.FinishSession(ctx, "u1", s.ID); err != nil {
		t.Fatalf("finish: %v", err)
	}
	detail, err := a.GetSessionDetail(ctx, "u1", s.ID)
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if detail.Status != domain.StatusCompleted || len(detail.Messages) != 4 {
		t.Fatalf("unexpected detail: status=%s messages=%d", detail.Status, len(detail.Messages))
	}
	if detail.Messages[2].Metadata["kind"] != "closing_request" {
		t.Fatalf("closing marker metadata = %v", detail.Messages[2].Metadata)
	}
}

func TestUpdateSession(t *testing.T) {
	f := newFixture(t)
	s := f.session(t, "u1")
	ctx := context.Background()

	title := "  Renamed  "
	updated, err := f.app.UpdateSession(ctx, "u1", s.ID, domain.SessionPatch{Title: &title})
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if updated.Title != "Renamed" || updated.UpdatedAt.Before(s.UpdatedAt) {
		t.Fatalf("unexpected rename result: %+v", updated)
	}

	unchanged, err := f.app.UpdateSession(ctx, "u1", s.ID, domain.SessionPatch{})
	if err != nil || unchanged.Title != "Renamed" {
		t.Fatalf("empty patch = %+v, %v", unchanged, err)
	}

	active := domain.StatusActive
	if _, err := f.app.UpdateSession(ctx, "u1", s.ID, domain.SessionPatch{Status: &active}); err != nil {
		t.Fatalf("re-asserting active: %v", err)
	}

	blank := " "
	if _, err := f.app.UpdateSession(ctx, "u1", s.ID, domain.SessionPatch{Title: &blank}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("blank title err = %v", err)
	}
	bogus := domain.SessionStatus("archived")
	if _, err := f.app.UpdateSession(ctx, "u1", s.ID, domain.SessionPatch{Status: &bogus}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("bogus status err = %v", err)
	}
	completed := domain.StatusCompleted
	if _, err := f.app.UpdateSession(ctx, "u1", s.ID, domain.SessionPatch{Status: &completed}); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("complete via update err = %v", err)
	}
	if _, err := f.app.UpdateSession(ctx, "u2", s.ID, domain.SessionPatch{Title: &title}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign update err = %v", err)
	}

	if _, err := f.app.FinishSession(ctx, "u1", s.ID); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if _, err := f.app.UpdateSession(ctx, "u1", s.ID, domain.SessionPatch{Status: &active}); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("reopen err = %v, want ErrInvalidState", err)
	}
	renamedAgain := "Still renamable"
	if got, err := f.app.UpdateSession(ctx, "u1", s.ID, domain.SessionPatch{Title: &renamedAgain}); err != nil || got.Status != domain.StatusCompleted {
		t.Fatalf("rename completed session = %+v, %v", got, err)
	}
}

func TestListSessionsOrdersByActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.session(t, "u1")
	time.Sleep(2 * time.Millisecond)
	second := f.session(t, "u1")
	time.Sleep(2 * time.Millisecond)
	if _, err := f.app.SubmitTurn(ctx, "u1", first.ID, "hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	items, err := f.app.ListSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].ID != first.ID || items[1].ID != second.ID {
		t.Fatalf("unexpected order: %+v", items)
	}
	if items[0].MessageCount != 2 {
		t.Fatalf("message count = %d, want 2", items[0].MessageCount)
	}
}

func TestPromptsForFallsBackToEnglish(t *testing.T) {
	if PromptsFor("fr").ClosingMarker != PromptsFor("en").ClosingMarker {
		t.Fatal("unknown locale should fall back to English")
	}
	if PromptsFor("he").ClosingMarker == PromptsFor("en").ClosingMarker {
		t.Fatal("hebrew prompts should differ")
	}
}

func containsType(types []events.Type, want events.Type) bool {
	for _, t := range types {
		if t == want {
			return true
		}
	}
	return false
}
