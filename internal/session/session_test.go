package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yourorg/convsync/internal/apperr"
	"github.com/yourorg/convsync/internal/domain"
	"github.com/yourorg/convsync/internal/ports"
	"github.com/yourorg/convsync/internal/store"
	"github.com/yourorg/convsync/internal/store/memory"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeStore wraps the memory store with per-operation failure injection and
// optional hooks for ordering concurrent operations.
type fakeStore struct {
	*memory.Store
	mu    sync.Mutex
	fails map[string]*failure

	// insertHook runs before the insert lands; returning an error aborts it.
	insertHook func(table string, row ports.Row) error
	// selectHook runs after a select, with the rows it returned.
	selectHook func(table string, rows []ports.Row)
}

type failure struct {
	err   error
	times int // <0 means always
}

func newFakeStore() *fakeStore {
	return &fakeStore{Store: memory.New(), fails: make(map[string]*failure)}
}

func (f *fakeStore) failNext(op string, times int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[op] = &failure{err: err, times: times}
}

func (f *fakeStore) maybeFail(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fl := f.fails[op]
	if fl == nil || fl.times == 0 {
		return nil
	}
	if fl.times > 0 {
		fl.times--
	}
	return fl.err
}

func (f *fakeStore) Insert(ctx context.Context, table string, row ports.Row) error {
	if err := f.maybeFail("insert " + table); err != nil {
		return err
	}
	f.mu.Lock()
	hook := f.insertHook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(table, row); err != nil {
			return err
		}
	}
	return f.Store.Insert(ctx, table, row)
}

func (f *fakeStore) Select(ctx context.Context, table string, filter ports.Filter, orderBy string) ([]ports.Row, error) {
	rows, err := f.Store.Select(ctx, table, filter, orderBy)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	hook := f.selectHook
	f.mu.Unlock()
	if hook != nil {
		hook(table, rows)
	}
	return rows, nil
}

func (f *fakeStore) setInsertHook(hook func(table string, row ports.Row) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertHook = hook
}

func (f *fakeStore) setSelectHook(hook func(table string, rows []ports.Row)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selectHook = hook
}

func (f *fakeStore) Update(ctx context.Context, table string, filter ports.Filter, set ports.Row) (int, error) {
	if err := f.maybeFail("update " + table); err != nil {
		return 0, err
	}
	return f.Store.Update(ctx, table, filter, set)
}

func (f *fakeStore) Delete(ctx context.Context, table string, filter ports.Filter) (int, error) {
	if err := f.maybeFail("delete " + table); err != nil {
		return 0, err
	}
	return f.Store.Delete(ctx, table, filter)
}

type fakeHandle struct {
	mu      sync.Mutex
	fn      ports.EventHandler
	tracked []domain.PresenceEntry
	closed  bool
}

func (h *fakeHandle) OnEvent(fn ports.EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fn = fn
}

func (h *fakeHandle) Track(_ context.Context, e domain.PresenceEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tracked = append(h.tracked, e)
	return nil
}

func (h *fakeHandle) Untrack(context.Context) error { return nil }

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

func (h *fakeHandle) emit(ev domain.Event) {
	h.mu.Lock()
	fn := h.fn
	h.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

type fakeChannel struct {
	handle *fakeHandle
}

func (c *fakeChannel) Subscribe(context.Context, string) (ports.Handle, error) {
	c.handle = &fakeHandle{}
	return c.handle, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []ports.Notice
}

func (n *recordingNotifier) Notify(notice ports.Notice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notices)
}

func seed(t *testing.T, st ports.DurableStore, isGroup bool, userIDs ...string) {
	t.Helper()
	ctx := context.Background()
	conv := domain.Conversation{ID: "c1", IsGroup: isGroup, CreatedBy: userIDs[0], CreatedAt: base, UpdatedAt: base}
	if err := st.Insert(ctx, store.TableConversations, store.ConversationRow(conv)); err != nil {
		t.Fatal(err)
	}
	for _, id := range userIDs {
		role := domain.RoleMember
		if id == userIDs[0] {
			role = domain.RoleAdmin
		}
		p := domain.Participant{ConversationID: "c1", UserID: id, Role: role}
		if err := st.Insert(ctx, store.TableParticipants, store.ParticipantRow(p)); err != nil {
			t.Fatal(err)
		}
	}
}

type env struct {
	s        *Session
	st       *fakeStore
	ch       *fakeChannel
	notifier *recordingNotifier
	now      time.Time
	mu       sync.Mutex
}

func (e *env) tick() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(time.Second)
	return e.now
}

func (e *env) advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}

func newEnv(t *testing.T, isGroup bool, userIDs ...string) *env {
	t.Helper()
	e := &env{st: newFakeStore(), ch: &fakeChannel{}, notifier: &recordingNotifier{}, now: base}
	seed(t, e.st, isGroup, userIDs...)

	ctx := context.Background()
	s, err := New(ctx, Options{
		Store:          e.st,
		Channel:        e.ch,
		Notifier:       e.notifier,
		ConversationID: "c1",
		UserID:         userIDs[0],
		DisplayName:    "User " + userIDs[0],
		RetryBase:      time.Millisecond,
		Clock:          e.tick,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	e.s = s
	t.Cleanup(func() { _ = s.Close() })
	return e
}

func TestSendMessageConfirmsAndSplices(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	ctx := context.Background()

	m, err := e.s.SendMessage(ctx, "hello", nil)
	if err != nil {
		t.Fatal(err)
	}
	if strings.HasPrefix(m.ID, "temp-") {
		t.Errorf("confirmed id still temporary: %s", m.ID)
	}

	msgs := e.s.Messages()
	if len(msgs) != 1 || msgs[0].ID != m.ID {
		t.Fatalf("log = %+v, want the confirmed message", msgs)
	}
	if st, ok := e.s.MutationState(m.MutationID); !ok || st != StateConfirmed {
		t.Errorf("mutation state = %v ok=%v, want confirmed", st, ok)
	}

	rows, _ := e.st.Select(ctx, store.TableMessages, ports.Filter{"id": m.ID}, "")
	if len(rows) != 1 {
		t.Errorf("store rows = %d, want 1", len(rows))
	}
}

func TestSendMessageValidation(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	ctx := context.Background()

	if _, err := e.s.SendMessage(ctx, "", nil); !errors.Is(err, apperr.ErrEmptyContent) {
		t.Errorf("empty content err = %v", err)
	}
	if _, err := e.s.SendMessage(ctx, strings.Repeat("x", 70000), nil); !errors.Is(err, apperr.ErrPayloadTooLarge) {
		t.Errorf("oversized err = %v", err)
	}
	rows, _ := e.st.Select(ctx, store.TableMessages, nil, "")
	if len(rows) != 0 {
		t.Error("validation failure reached the store")
	}
}

func TestSendMessageRetriesTransient(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	e.st.failNext("insert messages", 2, apperr.E(apperr.KindTransient, "store down"))

	if _, err := e.s.SendMessage(context.Background(), "eventually", nil); err != nil {
		t.Fatalf("send after transient failures: %v", err)
	}
}

func TestSendMessageRollsBackAndNotifies(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	e.st.failNext("insert messages", -1, apperr.E(apperr.KindAuthorization, "permission denied"))

	_, err := e.s.SendMessage(context.Background(), "rejected", nil)
	if apperr.KindOf(err) != apperr.KindAuthorization {
		t.Fatalf("err = %v, want authorization", err)
	}
	e.s.wg.Wait() // let the refetch finish

	if msgs := e.s.Messages(); len(msgs) != 0 {
		t.Errorf("optimistic entry survived rollback: %+v", msgs)
	}
	if e.notifier.count() != 1 {
		t.Errorf("notices = %d, want 1", e.notifier.count())
	}
}

func TestEchoSuppression(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	m, err := e.s.SendMessage(context.Background(), "hello", nil)
	if err != nil {
		t.Fatal(err)
	}

	// The push channel replays our own write.
	e.ch.handle.emit(domain.MessageInserted{Message: m, ActorID: "a"})

	if msgs := e.s.Messages(); len(msgs) != 1 {
		t.Fatalf("echo duplicated the message: %d entries", len(msgs))
	}
	// Settled mutations leave the ledger; a stale entry would suppress
	// later same-target events from another device.
	if _, ok := e.s.MutationState(m.MutationID); ok {
		t.Error("settled mutation still tracked")
	}
}

func TestSecondDeviceWriteApplies(t *testing.T) {
	e := newEnv(t, false, "a", "b")

	// Same account, different device: actor is self but the mutation id is
	// unknown here, so the event must apply.
	other := domain.Message{
		ID:             "m-other",
		ConversationID: "c1",
		SenderID:       "a",
		Content:        "from my phone",
		CreatedAt:      base.Add(time.Minute),
		MutationID:     "mut-from-another-device",
	}
	e.ch.handle.emit(domain.MessageInserted{Message: other, ActorID: "a"})

	if msgs := e.s.Messages(); len(msgs) != 1 || msgs[0].ID != "m-other" {
		t.Errorf("second-device write not applied: %+v", msgs)
	}
}

func TestForeignEventsApply(t *testing.T) {
	e := newEnv(t, false, "a", "b")

	foreign := domain.Message{ID: "m1", ConversationID: "c1", SenderID: "b", Content: "hi", CreatedAt: base.Add(time.Minute)}
	e.ch.handle.emit(domain.MessageInserted{Message: foreign, ActorID: "b"})
	e.ch.handle.emit(domain.ReactionInserted{
		Reaction: domain.Reaction{MessageID: "m1", UserID: "b", Emoji: "👍", CreatedAt: base.Add(2 * time.Minute)},
		ActorID:  "b",
	})

	if msgs := e.s.Messages(); len(msgs) != 1 {
		t.Fatalf("foreign message missing: %+v", msgs)
	}
	if g := e.s.Reactions("m1"); len(g) != 1 || g[0].Emoji != "👍" || g[0].ViewerHasReacted {
		t.Fatalf("foreign reaction: %+v", g)
	}

	e.ch.handle.emit(domain.ReactionDeleted{MessageID: "m1", UserID: "b", ActorID: "b"})
	if g := e.s.Reactions("m1"); len(g) != 0 {
		t.Errorf("reaction delete not applied: %+v", g)
	}
}

func TestToggleReactionRoundTrip(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	ctx := context.Background()
	m, err := e.s.SendMessage(ctx, "react to me", nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.s.ToggleReaction(ctx, m.ID, "👍"); err != nil {
		t.Fatal(err)
	}
	g := e.s.Reactions(m.ID)
	if len(g) != 1 || g[0].Count != 1 || !g[0].ViewerHasReacted {
		t.Fatalf("after toggle: %+v", g)
	}
	rows, _ := e.st.Select(ctx, store.TableReactions, ports.Filter{"message_id": m.ID}, "")
	if len(rows) != 1 {
		t.Fatalf("store reaction rows = %d, want 1", len(rows))
	}

	// Toggling the same emoji removes it everywhere.
	if err := e.s.ToggleReaction(ctx, m.ID, "👍"); err != nil {
		t.Fatal(err)
	}
	if g := e.s.Reactions(m.ID); len(g) != 0 {
		t.Errorf("after double toggle: %+v", g)
	}
	rows, _ = e.st.Select(ctx, store.TableReactions, ports.Filter{"message_id": m.ID}, "")
	if len(rows) != 0 {
		t.Errorf("store rows after double toggle = %d, want 0", len(rows))
	}
}

func TestToggleReactionConflictTreatedAsApplied(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	ctx := context.Background()
	m, err := e.s.SendMessage(ctx, "race me", nil)
	if err != nil {
		t.Fatal(err)
	}
	e.st.failNext("insert reactions", 1, apperr.E(apperr.KindConflict, "duplicate key"))

	if err := e.s.ToggleReaction(ctx, m.ID, "👍"); err != nil {
		t.Fatalf("conflict surfaced: %v", err)
	}
	if g := e.s.Reactions(m.ID); len(g) != 1 {
		t.Errorf("local reaction lost on conflict: %+v", g)
	}
	if e.notifier.count() != 0 {
		t.Error("conflict surfaced to the user")
	}
}

func TestToggleReactionRollbackOnFailure(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	ctx := context.Background()
	m, err := e.s.SendMessage(ctx, "no reactions allowed", nil)
	if err != nil {
		t.Fatal(err)
	}
	e.st.failNext("insert reactions", -1, apperr.E(apperr.KindAuthorization, "denied"))

	if err := e.s.ToggleReaction(ctx, m.ID, "👍"); err == nil {
		t.Fatal("expected error")
	}
	e.s.wg.Wait()
	if g := e.s.Reactions(m.ID); len(g) != 0 {
		t.Errorf("optimistic reaction survived rollback: %+v", g)
	}
	if e.notifier.count() != 1 {
		t.Errorf("notices = %d, want 1", e.notifier.count())
	}
}

func TestMarkReadLocalStateSurvivesWriteFailure(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	e.st.failNext("update participants", -1, apperr.E(apperr.KindTransient, "store down"))

	e.s.MarkRead(context.Background())
	e.s.wg.Wait()

	var me *domain.Participant
	for _, p := range e.s.Participants() {
		if p.UserID == "a" {
			cp := p
			me = &cp
		}
	}
	if me == nil || me.LastReadAt == nil {
		t.Fatal("local last-read not set despite failed write")
	}
}

func TestMarkReadPersists(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	ctx := context.Background()
	e.s.MarkRead(ctx)
	e.s.wg.Wait()

	rows, _ := e.st.Select(ctx, store.TableParticipants, ports.Filter{"conversation_id": "c1", "user_id": "a"}, "")
	p := store.ParticipantFromRow(rows[0])
	if p.LastReadAt == nil {
		t.Error("last-read not persisted")
	}
}

func TestParticipantEchoNeverRegressesLastRead(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	e.s.MarkRead(context.Background())
	e.s.wg.Wait()

	// A stale echo of an earlier state arrives from before the mark-read.
	stale := domain.Participant{ConversationID: "c1", UserID: "a", Role: domain.RoleAdmin}
	e.ch.handle.emit(domain.ParticipantUpdated{Participant: stale, ActorID: "b"})

	for _, p := range e.s.Participants() {
		if p.UserID == "a" && p.LastReadAt == nil {
			t.Fatal("stale participant echo regressed last-read")
		}
	}
}

func TestReadStatusScenarioDirect(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	ctx := context.Background()
	m, err := e.s.SendMessage(ctx, "seen yet?", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := e.s.ReadStatus(m.ID); got != domain.StatusSent {
		t.Fatalf("before b opens: %v, want sent", got)
	}

	// b opens the conversation.
	readAt := m.CreatedAt.Add(time.Minute)
	e.ch.handle.emit(domain.ParticipantUpdated{
		Participant: domain.Participant{ConversationID: "c1", UserID: "b", Role: domain.RoleMember, LastReadAt: &readAt},
		ActorID:     "b",
	})
	if got := e.s.ReadStatus(m.ID); got != domain.StatusRead {
		t.Fatalf("after b opens: %v, want read", got)
	}
}

func TestReadStatusScenarioGroupPartial(t *testing.T) {
	e := newEnv(t, true, "a", "b", "c")
	ctx := context.Background()
	m, err := e.s.SendMessage(ctx, "group news", nil)
	if err != nil {
		t.Fatal(err)
	}

	readAt := m.CreatedAt.Add(time.Minute)
	e.ch.handle.emit(domain.ParticipantUpdated{
		Participant: domain.Participant{ConversationID: "c1", UserID: "b", Role: domain.RoleMember, LastReadAt: &readAt},
		ActorID:     "b",
	})
	// c never opened the chat: partial progress renders as delivered.
	if got := e.s.ReadStatus(m.ID); got != domain.StatusDelivered {
		t.Fatalf("status = %v, want delivered", got)
	}
}

func TestDeleteMessageTombstones(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	ctx := context.Background()
	m, err := e.s.SendMessage(ctx, "oops", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.s.DeleteMessage(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if msgs := e.s.Messages(); len(msgs) != 0 {
		t.Errorf("deleted message still visible: %+v", msgs)
	}
	rows, _ := e.st.Select(ctx, store.TableMessages, ports.Filter{"id": m.ID}, "")
	got := store.MessageFromRow(rows[0])
	if got.DeletedAt == nil || got.Content != domain.Tombstone || got.SenderID != "a" {
		t.Errorf("stored tombstone: %+v", got)
	}
}

func TestLeaveGroupAndVisibilityCutoff(t *testing.T) {
	e := newEnv(t, true, "a", "b", "c")
	ctx := context.Background()

	if err := e.s.LeaveGroup(ctx); err != nil {
		t.Fatal(err)
	}
	// A message sent after we left must not be visible to us.
	late := domain.Message{ID: "m-late", ConversationID: "c1", SenderID: "b", Content: "after", CreatedAt: e.tick().Add(time.Hour)}
	e.ch.handle.emit(domain.MessageInserted{Message: late, ActorID: "b"})

	if msgs := e.s.Messages(); len(msgs) != 0 {
		t.Errorf("post-leave message visible: %+v", msgs)
	}
	if _, err := e.s.SendMessage(ctx, "still here?", nil); !errors.Is(err, apperr.ErrNotParticipant) {
		t.Errorf("send after leave err = %v, want ErrNotParticipant", err)
	}
}

func TestHideConversationAndImplicitUnhide(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	ctx := context.Background()

	if err := e.s.HideConversation(ctx, false); err != nil {
		t.Fatal(err)
	}
	var hidden bool
	for _, p := range e.s.Participants() {
		if p.UserID == "a" {
			hidden = p.HiddenFromList
		}
	}
	if !hidden {
		t.Fatal("conversation not hidden")
	}

	// A new message from the peer revives it.
	m := domain.Message{ID: "m1", ConversationID: "c1", SenderID: "b", Content: "hey", CreatedAt: base.Add(time.Hour)}
	e.ch.handle.emit(domain.MessageInserted{Message: m, ActorID: "b"})
	for _, p := range e.s.Participants() {
		if p.UserID == "a" && p.HiddenFromList {
			t.Error("message exchange did not unhide the conversation")
		}
	}
}

func TestSetMutedRollsBackOnFailure(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	ctx := context.Background()

	if err := e.s.SetMuted(ctx, true); err != nil {
		t.Fatal(err)
	}
	rows, _ := e.st.Select(ctx, store.TableParticipants, ports.Filter{"conversation_id": "c1", "user_id": "a"}, "")
	if !store.ParticipantFromRow(rows[0]).Muted {
		t.Fatal("mute not persisted")
	}

	e.st.failNext("update participants", -1, apperr.E(apperr.KindTransient, "store down"))
	if err := e.s.SetMuted(ctx, false); err == nil {
		t.Fatal("expected error")
	}
	for _, p := range e.s.Participants() {
		if p.UserID == "a" && !p.Muted {
			t.Error("failed unmute not rolled back")
		}
	}
}

func TestPresenceLifecycle(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	ctx := context.Background()

	// Connect already tracked our own presence.
	if len(e.ch.handle.tracked) != 1 || e.ch.handle.tracked[0].UserID != "a" {
		t.Fatalf("tracked = %+v", e.ch.handle.tracked)
	}

	e.ch.handle.emit(domain.PresenceSynced{Entries: []domain.PresenceEntry{
		{UserID: "a", OnlineAt: base},
		{UserID: "b", Typing: true, OnlineAt: base},
	}})
	if typing := e.s.TypingUsers(); len(typing) != 1 || typing[0].UserID != "b" {
		t.Fatalf("typing = %+v, want b", typing)
	}

	if err := e.s.SetTyping(ctx, true); err != nil {
		t.Fatal(err)
	}
	last := e.ch.handle.tracked[len(e.ch.handle.tracked)-1]
	if !last.Typing {
		t.Error("typing flag not re-announced")
	}

	// A later sync without b clears the stale entry.
	e.ch.handle.emit(domain.PresenceSynced{Entries: []domain.PresenceEntry{{UserID: "a", OnlineAt: base}}})
	if typing := e.s.TypingUsers(); len(typing) != 0 {
		t.Errorf("stale typing entry survived sync: %+v", typing)
	}
}

func TestUnreadCount(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	for i, id := range []string{"m1", "m2"} {
		m := domain.Message{ID: id, ConversationID: "c1", SenderID: "b", Content: id, CreatedAt: base.Add(time.Duration(i+1) * time.Millisecond)}
		e.ch.handle.emit(domain.MessageInserted{Message: m, ActorID: "b"})
	}
	if got := e.s.UnreadCount(); got != 2 {
		t.Fatalf("UnreadCount = %d, want 2", got)
	}
	e.s.MarkRead(context.Background())
	e.s.wg.Wait()
	if got := e.s.UnreadCount(); got != 0 {
		t.Errorf("UnreadCount after MarkRead = %d, want 0", got)
	}
}

func TestCloseStopsEventDelivery(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	if err := e.s.Close(); err != nil {
		t.Fatal(err)
	}
	if !e.ch.handle.closed {
		t.Error("channel handle not closed")
	}

	m := domain.Message{ID: "m1", ConversationID: "c1", SenderID: "b", Content: "late", CreatedAt: base.Add(time.Hour)}
	e.ch.handle.emit(domain.MessageInserted{Message: m, ActorID: "b"})
	if msgs := e.s.Messages(); len(msgs) != 0 {
		t.Error("event applied after close")
	}
	if _, err := e.s.SendMessage(context.Background(), "hi", nil); !errors.Is(err, apperr.ErrSessionClosed) {
		t.Errorf("send after close err = %v", err)
	}
}

func TestSessionStateDraftsAndNotifications(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	ctx := context.Background()

	e.s.SaveDraft(ctx, "half-written…")
	if got := e.s.Draft(); got != "half-written…" {
		t.Errorf("draft = %q", got)
	}
	e.s.MarkNotified(ctx, "m1")
	if !e.s.AlreadyNotified("m1") || e.s.AlreadyNotified("m2") {
		t.Error("notified set wrong")
	}
}

func TestLoadRejectsNonParticipant(t *testing.T) {
	st := newFakeStore()
	seed(t, st, false, "a", "b")
	s, err := New(context.Background(), Options{
		Store:          st,
		Channel:        &fakeChannel{},
		ConversationID: "c1",
		UserID:         "intruder",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Load(context.Background()); !errors.Is(err, apperr.ErrNotParticipant) {
		t.Errorf("Load err = %v, want ErrNotParticipant", err)
	}
}

func TestConfirmedSendSurvivesConcurrentRefetch(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	ctx := context.Background()

	gate := make(chan struct{})
	parked := make(chan struct{})
	var once sync.Once
	e.st.setInsertHook(func(table string, row ports.Row) error {
		if table != store.TableMessages {
			return nil
		}
		switch row["content"] {
		case "parked":
			once.Do(func() { close(parked) })
			<-gate
		case "doomed":
			return apperr.E(apperr.KindAuthorization, "permission denied")
		}
		return nil
	})

	done := make(chan domain.Message, 1)
	go func() {
		m, err := e.s.SendMessage(ctx, "parked", nil)
		if err != nil {
			t.Error(err)
		}
		done <- m
	}()
	<-parked

	// A rejected send triggers a refetch whose snapshot misses the insert
	// still in flight.
	if _, err := e.s.SendMessage(ctx, "doomed", nil); apperr.KindOf(err) != apperr.KindAuthorization {
		t.Fatalf("err = %v, want authorization", err)
	}
	e.s.wg.Wait() // the stale snapshot swaps in
	close(gate)
	m := <-done

	msgs := e.s.Messages()
	if len(msgs) != 1 || msgs[0].ID != m.ID {
		t.Fatalf("log = %+v, want only the confirmed message", msgs)
	}

	// Its echo must settle the mutation without dropping the entry.
	e.ch.handle.emit(domain.MessageInserted{Message: m, ActorID: "a"})
	if msgs := e.s.Messages(); len(msgs) != 1 {
		t.Fatalf("log after echo has %d entries, want 1", len(msgs))
	}
}

func TestRefetchKeepsWriteThatLandedDuringSnapshot(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	ctx := context.Background()

	gate := make(chan struct{})
	snapped := make(chan struct{})
	var once sync.Once
	e.st.setSelectHook(func(table string, rows []ports.Row) {
		if table == store.TableMessages && len(rows) == 0 {
			once.Do(func() { close(snapped) })
			<-gate
		}
	})
	e.st.setInsertHook(func(table string, row ports.Row) error {
		if table == store.TableMessages && row["content"] == "doomed" {
			return apperr.E(apperr.KindAuthorization, "permission denied")
		}
		return nil
	})

	if _, err := e.s.SendMessage(ctx, "doomed", nil); err == nil {
		t.Fatal("rejected send succeeded")
	}
	<-snapped // the refetch holds an empty snapshot

	m, err := e.s.SendMessage(ctx, "landed", nil)
	if err != nil {
		t.Fatal(err)
	}
	close(gate)
	e.s.wg.Wait()

	msgs := e.s.Messages()
	if len(msgs) != 1 || msgs[0].ID != m.ID {
		t.Fatalf("refetch dropped a confirmed message: %+v", msgs)
	}
}

func TestMutationLedgerPruned(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		m, err := e.s.SendMessage(ctx, fmt.Sprintf("message %d", i), nil)
		if err != nil {
			t.Fatal(err)
		}
		e.ch.handle.emit(domain.MessageInserted{Message: m, ActorID: "a"})
	}

	e.s.mu.Lock()
	tracked, targets := len(e.s.mutations), len(e.s.byTarget)
	e.s.mu.Unlock()
	if tracked != 0 || targets != 0 {
		t.Errorf("ledger holds %d mutations and %d targets after settling, want 0", tracked, targets)
	}
}

func TestLostEchoStopsSuppressingAfterTTL(t *testing.T) {
	e := newEnv(t, false, "a", "b")
	m, err := e.s.SendMessage(context.Background(), "hello", nil)
	if err != nil {
		t.Fatal(err)
	}

	// The echo never arrives. Well past the age-out window, a delete from
	// another device of the same account must apply, not be suppressed.
	e.advance(3 * time.Minute)
	e.ch.handle.emit(domain.MessageDeleted{MessageID: m.ID, ConversationID: "c1", ActorID: "a"})

	if msgs := e.s.Messages(); len(msgs) != 0 {
		t.Errorf("delete was suppressed, log = %+v", msgs)
	}
	if _, ok := e.s.MutationState(m.MutationID); ok {
		t.Error("aged-out mutation still tracked")
	}
}
