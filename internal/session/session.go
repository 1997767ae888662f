// Package session implements the reconciliation coordinator: the top-level
// state machine of one open conversation on one client. It applies local
// mutations optimistically, issues the durable writes, and reconciles local
// state against the echo/confirmation events arriving over the push channel,
// suppressing self-originated duplicates and rolling back on failure.
//
// All core state (message log, membership, reactions, presence, mutations) is
// owned by the session and mutated only under its lock; concurrent writers
// are other client processes, reconciled through the store and the channel,
// never through shared memory.
package session

import (
	"context"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/yourorg/convsync/internal/apperr"
	"github.com/yourorg/convsync/internal/domain"
	"github.com/yourorg/convsync/internal/membership"
	"github.com/yourorg/convsync/internal/messagelog"
	"github.com/yourorg/convsync/internal/metrics"
	"github.com/yourorg/convsync/internal/ports"
	"github.com/yourorg/convsync/internal/presence"
	"github.com/yourorg/convsync/internal/reaction"
	"github.com/yourorg/convsync/internal/readstatus"
	"github.com/yourorg/convsync/internal/store"
)

// Options wires a session's collaborators. Store, Channel and either UserID
// or Identity are required.
type Options struct {
	Store    ports.DurableStore
	Channel  ports.PushChannel
	KV       ports.KV
	Identity ports.Identity
	Notifier ports.Notifier
	Logger   *zap.SugaredLogger

	ConversationID string
	UserID         string
	DisplayName    string

	RetryAttempts   int
	RetryBase       time.Duration
	MaxContentBytes int
	MaxImages       int
	Clock           func() time.Time
}

type Session struct {
	mu stdsync.Mutex
	wg stdsync.WaitGroup

	log      *zap.SugaredLogger
	store    ports.DurableStore
	channel  ports.PushChannel
	kv       ports.KV
	notifier ports.Notifier

	self        string
	displayName string
	clock       func() time.Time

	retryAttempts int
	retryBase     time.Duration
	maxContent    int
	maxImages     int

	conv    domain.Conversation
	members *membership.Store
	msgs    *messagelog.Log
	reacts  *reaction.Set
	pres    *presence.Tracker
	freq    *reaction.Frequency
	state   *SessionState

	handle    ports.Handle
	mutations map[string]*mutation
	byTarget  map[target]*mutation
	closed    bool
}

// New builds a session for one conversation. Call Load to fetch state and
// Connect to start receiving change events.
func New(ctx context.Context, opts Options) (*Session, error) {
	if opts.Store == nil || opts.Channel == nil {
		return nil, fmt.Errorf("session: store and channel are required")
	}
	userID := opts.UserID
	if userID == "" {
		if opts.Identity == nil {
			return nil, fmt.Errorf("session: user id or identity provider required")
		}
		var err error
		if userID, err = opts.Identity.CurrentUser(ctx); err != nil {
			return nil, err
		}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	clock := opts.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.RetryAttempts == 0 {
		opts.RetryAttempts = 3
	}
	if opts.RetryBase == 0 {
		opts.RetryBase = 250 * time.Millisecond
	}
	if opts.MaxContentBytes == 0 {
		opts.MaxContentBytes = 64 * 1024
	}
	if opts.MaxImages == 0 {
		opts.MaxImages = 10
	}

	st, err := LoadState(ctx, opts.KV, userID)
	if err != nil {
		log.Warnw("session state load failed, starting empty", "err", err)
		st = &SessionState{}
	}

	return &Session{
		log:           log.With("conversation", opts.ConversationID, "user", userID),
		store:         opts.Store,
		channel:       opts.Channel,
		kv:            opts.KV,
		notifier:      opts.Notifier,
		self:          userID,
		displayName:   opts.DisplayName,
		clock:         clock,
		retryAttempts: opts.RetryAttempts,
		retryBase:     opts.RetryBase,
		maxContent:    opts.MaxContentBytes,
		maxImages:     opts.MaxImages,
		conv:          domain.Conversation{ID: opts.ConversationID},
		members:       membership.NewStore(opts.ConversationID),
		msgs:          messagelog.New(),
		reacts:        reaction.NewSet(),
		pres:          presence.NewTracker(),
		freq:          reaction.NewFrequency(opts.KV, userID),
		state:         st,
		mutations:     make(map[string]*mutation),
		byTarget:      make(map[target]*mutation),
	}, nil
}

// UserID returns the session's own user id.
func (s *Session) UserID() string { return s.self }

// Load fetches the conversation aggregate from the durable store and builds
// the local state.
func (s *Session) Load(ctx context.Context) error {
	convRows, err := s.store.Select(ctx, store.TableConversations, ports.Filter{"id": s.conv.ID}, "")
	if err != nil {
		return err
	}
	if len(convRows) == 0 {
		return apperr.Wrap(apperr.KindInternal, "conversation "+s.conv.ID, apperr.ErrNotFound)
	}
	partRows, err := s.store.Select(ctx, store.TableParticipants, ports.Filter{"conversation_id": s.conv.ID}, "")
	if err != nil {
		return err
	}
	msgRows, err := s.store.Select(ctx, store.TableMessages, ports.Filter{"conversation_id": s.conv.ID}, "created_at")
	if err != nil {
		return err
	}
	reactRows, err := s.store.Select(ctx, store.TableReactions, ports.Filter{"conversation_id": s.conv.ID}, "created_at")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conv = store.ConversationFromRow(convRows[0])
	for _, r := range partRows {
		s.members.Upsert(store.ParticipantFromRow(r))
	}
	for _, r := range msgRows {
		s.msgs.ApplyInsert(store.MessageFromRow(r))
	}
	for _, r := range reactRows {
		s.reacts.ApplyInsert(store.ReactionFromRow(r))
	}
	if !s.members.IsParticipant(s.self) {
		return apperr.ErrNotParticipant
	}
	return nil
}

// Connect subscribes to the conversation's push topic and announces presence.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperr.ErrSessionClosed
	}
	s.pres.BeginSubscribe()
	s.mu.Unlock()

	handle, err := s.channel.Subscribe(ctx, "conversation:"+s.conv.ID)
	if err != nil {
		s.mu.Lock()
		s.pres.Disconnect()
		s.mu.Unlock()
		return err
	}
	handle.OnEvent(s.handleEvent)

	s.mu.Lock()
	s.handle = handle
	s.pres.ConfirmSubscribed(handle)
	err = s.pres.Track(ctx, domain.PresenceEntry{
		UserID:      s.self,
		DisplayName: s.displayName,
		OnlineAt:    s.clock(),
	})
	s.mu.Unlock()
	return err
}

// Close tears the session down: no further events are delivered, presence is
// released immediately, and in-flight writes finish as no-ops.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	handle := s.handle
	s.handle = nil
	s.pres.Disconnect()
	s.mu.Unlock()

	var err error
	if handle != nil {
		err = handle.Close()
	}
	s.wg.Wait()
	return err
}

// SendMessage appends the message locally under a temporary id, persists it,
// and splices in the confirmed metadata without re-adding the entry. A write
// that still fails after retries rolls the optimistic entry back, surfaces an
// error, and refetches the log.
func (s *Session) SendMessage(ctx context.Context, content string, images []string) (domain.Message, error) {
	if content == "" && len(images) == 0 {
		return domain.Message{}, apperr.ErrEmptyContent
	}
	if len(content) > s.maxContent || len(images) > s.maxImages {
		return domain.Message{}, apperr.ErrPayloadTooLarge
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.Message{}, apperr.ErrSessionClosed
	}
	if p := s.members.Get(s.self); p == nil || !p.Active() {
		s.mu.Unlock()
		return domain.Message{}, apperr.ErrNotParticipant
	}
	now := s.clock()
	mut := newMutation(KindSendMessage)
	mut.tempID = "temp-" + mut.id
	temp := domain.Message{
		ID:             mut.tempID,
		ConversationID: s.conv.ID,
		SenderID:       s.self,
		Content:        content,
		Images:         images,
		CreatedAt:      now,
		UpdatedAt:      now,
		MutationID:     mut.id,
	}
	s.msgs.Append(temp)
	s.track(mut)
	metrics.MutationsTotal.WithLabelValues(string(mut.kind), "pending").Inc()
	s.mu.Unlock()

	confirmed := temp
	confirmed.ID = uuid.NewString()
	err := s.retry(ctx, func() error {
		return s.store.Insert(ctx, store.TableMessages, store.MessageRow(confirmed))
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.Message{}, apperr.ErrSessionClosed
	}
	if err != nil {
		s.msgs.Remove(mut.tempID)
		s.fail(mut, "message could not be sent", err)
		s.refetchMessages()
		return domain.Message{}, err
	}
	if !s.msgs.Splice(mut.tempID, confirmed) {
		// a concurrent refetch snapshotted the store before this insert
		// landed and dropped the temp entry with it
		s.msgs.ApplyInsert(confirmed)
	}
	mut.tempID = ""
	if mut.state == StatePending {
		mut.state = StateConfirmed
		s.retarget(mut, target{store.TableMessages, confirmed.ID})
		metrics.MutationsTotal.WithLabelValues(string(mut.kind), "confirmed").Inc()
	}
	s.conv.UpdatedAt = now
	// a new exchange implicitly unhides the conversation
	s.members.Unhide(s.self)
	return confirmed, nil
}

// ToggleReaction applies the toggle locally, then performs the two-step
// durable write: delete the prior row, then insert the new one. The two steps
// are deliberately non-atomic (the same-emoji branch needs the prior value);
// a duplicate-key conflict on the insert means another device of this account
// won the race and is treated as already applied.
func (s *Session) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperr.ErrSessionClosed
	}
	if p := s.members.Get(s.self); p == nil || !p.Active() {
		s.mu.Unlock()
		return apperr.ErrNotParticipant
	}
	if s.msgs.Get(messageID) == nil {
		s.mu.Unlock()
		return apperr.Wrap(apperr.KindValidation, "message "+messageID, apperr.ErrNotFound)
	}
	now := s.clock()
	mut := newMutation(KindToggleReaction)
	removed, added := s.reacts.Toggle(messageID, s.self, emoji, mut.id, now)
	s.track(mut)
	s.retarget(mut, target{store.TableReactions, messageID + "/" + s.self})
	metrics.MutationsTotal.WithLabelValues(string(mut.kind), "pending").Inc()
	s.mu.Unlock()

	err := s.persistToggle(ctx, messageID, removed, added)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperr.ErrSessionClosed
	}
	if err != nil {
		// undo the optimistic toggle, then re-converge from the store
		if added != nil {
			s.reacts.ApplyDelete(messageID, s.self)
		}
		if removed != nil {
			s.reacts.ApplyInsert(*removed)
		}
		s.fail(mut, "reaction could not be saved", err)
		s.refetchReactions()
		return err
	}
	mut.state = StateConfirmed
	metrics.MutationsTotal.WithLabelValues(string(mut.kind), "confirmed").Inc()
	if added != nil {
		s.freq.Bump(ctx, emoji)
	}
	return nil
}

func (s *Session) persistToggle(ctx context.Context, messageID string, removed, added *domain.Reaction) error {
	if removed != nil {
		err := s.retry(ctx, func() error {
			_, err := s.store.Delete(ctx, store.TableReactions, ports.Filter{
				"message_id": messageID,
				"user_id":    s.self,
			})
			return err
		})
		if err != nil {
			return err
		}
	}
	if added == nil {
		return nil
	}
	row := *added
	row.ConversationID = s.conv.ID
	err := s.retry(ctx, func() error {
		return s.store.Insert(ctx, store.TableReactions, store.ReactionRow(row))
	})
	if apperr.KindOf(err) == apperr.KindConflict {
		// already applied elsewhere
		return nil
	}
	return err
}

// MarkRead advances the viewer's last-read timestamp. The local state moves
// immediately and unconditionally; the durable write is fire-and-forget, and
// a failure only means the authoritative record catches up on the next full
// refetch.
func (s *Session) MarkRead(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	now := s.clock()
	if !s.members.SetLastRead(s.self, now) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	// The write outlives the caller's context; local read state stays
	// regardless of its outcome.
	s.async(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		err := s.retry(ctx, func() error {
			_, err := s.store.Update(ctx, store.TableParticipants,
				ports.Filter{"conversation_id": s.conv.ID, "user_id": s.self},
				ports.Row{"last_read_at": now})
			return err
		})
		if err != nil {
			s.log.Warnw("last-read write failed, local state kept", "err", err)
		}
	})
}

// SetTyping re-announces presence with the typing flag. Clearing typing by
// ending presence entirely happens through Close, which untracks.
func (s *Session) SetTyping(ctx context.Context, typing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperr.ErrSessionClosed
	}
	return s.pres.SetTyping(ctx, typing)
}

// DeleteMessage soft-deletes the viewer's own message: the row survives as a
// tombstone with the sender preserved.
func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperr.ErrSessionClosed
	}
	cur := s.msgs.Get(messageID)
	if cur == nil {
		s.mu.Unlock()
		return apperr.Wrap(apperr.KindValidation, "message "+messageID, apperr.ErrNotFound)
	}
	if cur.SenderID != s.self {
		s.mu.Unlock()
		return apperr.E(apperr.KindAuthorization, "cannot delete another user's message")
	}
	prior := *cur
	now := s.clock()
	mut := newMutation(KindDeleteMessage)
	s.msgs.SoftDelete(messageID, now)
	s.track(mut)
	s.retarget(mut, target{store.TableMessages, messageID})
	metrics.MutationsTotal.WithLabelValues(string(mut.kind), "pending").Inc()
	s.mu.Unlock()

	err := s.retry(ctx, func() error {
		_, err := s.store.Update(ctx, store.TableMessages, ports.Filter{"id": messageID}, ports.Row{
			"deleted_at":         now,
			"content":            domain.Tombstone,
			"images":             []string(nil),
			"updated_at":         now,
			"client_mutation_id": mut.id,
		})
		return err
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperr.ErrSessionClosed
	}
	if err != nil {
		s.msgs.ApplyUpdate(prior)
		s.fail(mut, "message could not be deleted", err)
		s.refetchMessages()
		return err
	}
	mut.state = StateConfirmed
	metrics.MutationsTotal.WithLabelValues(string(mut.kind), "confirmed").Inc()
	return nil
}

// HideMessage hides a message from this viewer only.
func (s *Session) HideMessage(ctx context.Context, messageID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperr.ErrSessionClosed
	}
	cur := s.msgs.Get(messageID)
	if cur == nil {
		s.mu.Unlock()
		return apperr.Wrap(apperr.KindValidation, "message "+messageID, apperr.ErrNotFound)
	}
	if !s.msgs.HideFor(messageID, s.self) {
		s.mu.Unlock()
		return nil
	}
	hiddenBy := append([]string(nil), s.msgs.Get(messageID).HiddenBy...)
	mut := newMutation(KindHideMessage)
	s.track(mut)
	s.retarget(mut, target{store.TableMessages, messageID})
	s.mu.Unlock()

	err := s.retry(ctx, func() error {
		_, err := s.store.Update(ctx, store.TableMessages, ports.Filter{"id": messageID}, ports.Row{
			"hidden_by":          hiddenBy,
			"client_mutation_id": mut.id,
		})
		return err
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperr.ErrSessionClosed
	}
	if err != nil {
		cur := s.msgs.Get(messageID)
		if cur != nil {
			restored := *cur
			restored.HiddenBy = hiddenBy[:len(hiddenBy)-1]
			s.msgs.ApplyUpdate(restored)
		}
		s.fail(mut, "message could not be hidden", err)
		return err
	}
	mut.state = StateConfirmed
	return nil
}

// LeaveGroup exits a group conversation. The historical membership row is
// retained; the viewer keeps messages up to the leave time and drops out of
// read/delivery counts for later ones.
func (s *Session) LeaveGroup(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperr.ErrSessionClosed
	}
	if !s.conv.IsGroup {
		return s.membershipErrLocked("only group conversations can be left")
	}
	now := s.clock()
	if !s.members.Leave(s.self, now) {
		s.mu.Unlock()
		return nil
	}
	mut := newMutation(KindMembership)
	s.track(mut)
	s.retarget(mut, target{store.TableParticipants, s.self})
	s.mu.Unlock()

	err := s.persistParticipant(ctx, mut, s.self, ports.Row{"left_at": now})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if p := s.members.Get(s.self); p != nil {
			p2 := *p
			p2.LeftAt = nil
			s.members.Upsert(p2)
		}
		s.fail(mut, "could not leave the group", err)
		return err
	}
	mut.state = StateConfirmed
	return nil
}

// HideConversation removes the conversation from this user's list views.
// removedEntirely also hides it from the aggregate "all conversations" view.
// A later message exchange implicitly unhides it.
func (s *Session) HideConversation(ctx context.Context, removedEntirely bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperr.ErrSessionClosed
	}
	if !s.members.Hide(s.self, removedEntirely) {
		s.mu.Unlock()
		return apperr.ErrNotParticipant
	}
	mut := newMutation(KindMembership)
	s.track(mut)
	s.retarget(mut, target{store.TableParticipants, s.self})
	s.mu.Unlock()

	err := s.persistParticipant(ctx, mut, s.self, ports.Row{
		"hidden_from_list": true,
		"removed_entirely": removedEntirely,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.members.Unhide(s.self)
		s.fail(mut, "conversation could not be hidden", err)
		return err
	}
	mut.state = StateConfirmed
	return nil
}

// SetMuted toggles notification muting of this conversation for the viewer.
func (s *Session) SetMuted(ctx context.Context, muted bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperr.ErrSessionClosed
	}
	me := s.members.Get(s.self)
	if me == nil {
		s.mu.Unlock()
		return apperr.ErrNotParticipant
	}
	prior := me.Muted
	if prior == muted {
		s.mu.Unlock()
		return nil
	}
	s.members.SetMuted(s.self, muted)
	mut := newMutation(KindMembership)
	s.track(mut)
	s.retarget(mut, target{store.TableParticipants, s.self})
	s.mu.Unlock()

	err := s.persistParticipant(ctx, mut, s.self, ports.Row{"muted": muted})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.members.SetMuted(s.self, prior)
		s.fail(mut, "mute setting could not be saved", err)
		return err
	}
	mut.state = StateConfirmed
	return nil
}

// SetRole promotes or demotes a participant; the caller must be an admin.
func (s *Session) SetRole(ctx context.Context, userID string, role domain.Role) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperr.ErrSessionClosed
	}
	if me := s.members.Get(s.self); me == nil || me.Role != domain.RoleAdmin {
		return s.membershipErrLocked("admin role required")
	}
	p := s.members.Get(userID)
	if p == nil {
		s.mu.Unlock()
		return apperr.ErrNotParticipant
	}
	prior := p.Role
	s.members.SetRole(userID, role)
	mut := newMutation(KindMembership)
	s.track(mut)
	s.retarget(mut, target{store.TableParticipants, userID})
	s.mu.Unlock()

	err := s.persistParticipant(ctx, mut, userID, ports.Row{"role": string(role)})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.members.SetRole(userID, prior)
		s.fail(mut, "role change failed", err)
		return err
	}
	mut.state = StateConfirmed
	return nil
}

// RemoveParticipant expels a member from a group; admin only. Implemented as
// a forced leave so the historical row is kept.
func (s *Session) RemoveParticipant(ctx context.Context, userID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperr.ErrSessionClosed
	}
	if me := s.members.Get(s.self); me == nil || me.Role != domain.RoleAdmin {
		return s.membershipErrLocked("admin role required")
	}
	now := s.clock()
	if !s.members.Leave(userID, now) {
		s.mu.Unlock()
		return apperr.ErrNotParticipant
	}
	mut := newMutation(KindMembership)
	s.track(mut)
	s.retarget(mut, target{store.TableParticipants, userID})
	s.mu.Unlock()

	err := s.persistParticipant(ctx, mut, userID, ports.Row{"left_at": now})

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if p := s.members.Get(userID); p != nil {
			p2 := *p
			p2.LeftAt = nil
			s.members.Upsert(p2)
		}
		s.fail(mut, "participant could not be removed", err)
		return err
	}
	mut.state = StateConfirmed
	return nil
}

func (s *Session) persistParticipant(ctx context.Context, mut *mutation, userID string, set ports.Row) error {
	return s.retry(ctx, func() error {
		_, err := s.store.Update(ctx, store.TableParticipants,
			ports.Filter{"conversation_id": s.conv.ID, "user_id": userID}, set)
		return err
	})
}

// SaveDraft persists the viewer's draft text through the session state.
func (s *Session) SaveDraft(ctx context.Context, text string) {
	s.mu.Lock()
	s.state.setDraft(s.conv.ID, text)
	st := *s.state
	s.mu.Unlock()
	if err := st.Save(ctx, s.kv, s.self); err != nil {
		s.log.Warnw("draft save failed", "err", err)
	}
}

// Draft returns the stored draft for this conversation.
func (s *Session) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.draft(s.conv.ID)
}

// MarkNotified records that a message was surfaced as a notification, so it
// is not raised twice.
func (s *Session) MarkNotified(ctx context.Context, messageID string) {
	s.mu.Lock()
	s.state.markNotified(messageID)
	st := *s.state
	s.mu.Unlock()
	if err := st.Save(ctx, s.kv, s.self); err != nil {
		s.log.Warnw("session state save failed", "err", err)
	}
}

// AlreadyNotified reports whether a notification was raised for the message.
func (s *Session) AlreadyNotified(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.notified(messageID)
}

// --- read side ---

// Conversation returns the conversation header.
func (s *Session) Conversation() domain.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// Messages returns the ordered messages visible to this viewer.
func (s *Session) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs.VisibleTo(s.self, s.members.Get(s.self))
}

// ReadStatus derives the delivery state of one of the viewer's own messages.
// Messages from others are implicitly received and always report read.
func (s *Session) ReadStatus(messageID string) domain.ReadStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.msgs.Get(messageID)
	if m == nil || m.SenderID != s.self {
		return domain.StatusRead
	}
	return readstatus.Compute(*m, s.members.All(), s.conv.IsGroup)
}

// Reactions returns the grouped reaction summary of a message.
func (s *Session) Reactions(messageID string) []reaction.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reacts.Grouped(messageID, s.self)
}

// Participants returns all membership rows, including left ones.
func (s *Session) Participants() []domain.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members.All()
}

// Presence returns the current online set.
func (s *Session) Presence() []domain.PresenceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pres.Online()
}

// TypingUsers returns the other users currently typing.
func (s *Session) TypingUsers() []domain.PresenceEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pres.Typing(s.self)
}

// UnreadCount counts visible foreign messages past the viewer's last read.
func (s *Session) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs.UnreadCount(s.self, s.members.Get(s.self))
}

// FrequentEmoji returns the viewer's top emoji suggestions.
func (s *Session) FrequentEmoji(ctx context.Context, n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freq.Top(ctx, n)
}

// MutationState reports the lifecycle state of a mutation id, for diagnostics.
func (s *Session) MutationState(id string) (MutationState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mutations[id]
	if !ok {
		return 0, false
	}
	return m.state, true
}

// --- event handling ---

// handleEvent reconciles one decoded push event into local state. Events
// reflecting this session's own live mutations are discarded; everything
// else, including writes from another device of the same account, applies.
func (s *Session) handleEvent(ev domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.sweepLocked(s.clock())
	switch e := ev.(type) {
	case domain.MessageInserted:
		if s.suppress(e.ActorID, e.Message.MutationID, target{store.TableMessages, e.Message.ID}) {
			return
		}
		if e.Message.ConversationID != s.conv.ID {
			return
		}
		if s.msgs.ApplyInsert(e.Message) {
			if e.Message.CreatedAt.After(s.conv.UpdatedAt) {
				s.conv.UpdatedAt = e.Message.CreatedAt
			}
			// a foreign message revives a hidden conversation
			if e.Message.SenderID != s.self {
				s.members.Unhide(s.self)
			}
		}
	case domain.MessageUpdated:
		if s.suppress(e.ActorID, e.Message.MutationID, target{store.TableMessages, e.Message.ID}) {
			return
		}
		s.msgs.ApplyUpdate(e.Message)
	case domain.MessageDeleted:
		if s.suppress(e.ActorID, "", target{store.TableMessages, e.MessageID}) {
			return
		}
		s.msgs.Remove(e.MessageID)
	case domain.ReactionInserted:
		if s.suppress(e.ActorID, e.Reaction.MutationID, target{store.TableReactions, e.Reaction.MessageID + "/" + e.Reaction.UserID}) {
			return
		}
		s.reacts.ApplyInsert(e.Reaction)
	case domain.ReactionDeleted:
		if s.suppress(e.ActorID, "", target{store.TableReactions, e.MessageID + "/" + e.UserID}) {
			return
		}
		s.reacts.ApplyDelete(e.MessageID, e.UserID)
	case domain.ParticipantUpdated:
		if e.Participant.ConversationID != s.conv.ID {
			return
		}
		if s.suppress(e.ActorID, "", target{store.TableParticipants, e.Participant.UserID}) {
			return
		}
		s.applyParticipant(e.Participant)
	case domain.PresenceSynced:
		s.pres.ApplySync(e.Entries)
	case domain.PresenceJoined:
		s.pres.ApplyJoin(e.Entry)
	case domain.PresenceLeft:
		s.pres.ApplyLeave(e.UserID)
	}
}

// suppress implements echo suppression. A frame carrying one of our live
// mutation ids settles that mutation and is dropped. Without a mutation id,
// a self-originated frame is dropped only when a live mutation targets the
// same logical row; otherwise it came from another device and applies.
func (s *Session) suppress(actorID, mutationID string, t target) bool {
	if mutationID != "" {
		if m, ok := s.mutations[mutationID]; ok && m.live() {
			s.settle(m)
			return true
		}
		// not ours (or long settled): apply normally
		return false
	}
	if actorID != s.self {
		return false
	}
	if m, ok := s.byTarget[t]; ok && m.live() {
		s.settle(m)
		return true
	}
	return false
}

func (s *Session) settle(m *mutation) {
	s.drop(m, StateSettled)
	metrics.EchoesSuppressed.Inc()
}

// drop finalizes a mutation and removes it from the ledger. A finalized
// mutation must never suppress a later event on the same target, so both
// indexes forget it immediately.
func (s *Session) drop(m *mutation, st MutationState) {
	m.state = st
	metrics.MutationsTotal.WithLabelValues(string(m.kind), st.String()).Inc()
	delete(s.mutations, m.id)
	if cur, ok := s.byTarget[m.target]; ok && cur == m {
		delete(s.byTarget, m.target)
	}
}

// mutationTTL bounds how long a live mutation waits for its echo. A lost echo
// force-settles on the next sweep instead of suppressing same-target events
// from another device forever.
const mutationTTL = 2 * time.Minute

func (s *Session) sweepLocked(now time.Time) {
	for _, m := range s.mutations {
		if now.Sub(m.createdAt) > mutationTTL {
			s.drop(m, StateSettled)
		}
	}
}

// applyParticipant merges an authoritative participant row, never letting an
// out-of-order echo regress the viewer's locally-advanced read state.
func (s *Session) applyParticipant(p domain.Participant) {
	if cur := s.members.Get(p.UserID); cur != nil && cur.LastReadAt != nil {
		if p.LastReadAt == nil || p.LastReadAt.Before(*cur.LastReadAt) {
			p.LastReadAt = cur.LastReadAt
		}
	}
	s.members.Upsert(p)
}

// --- internals ---

func (s *Session) track(m *mutation) {
	m.createdAt = s.clock()
	s.sweepLocked(m.createdAt)
	s.mutations[m.id] = m
}

func (s *Session) retarget(m *mutation, t target) {
	m.target = t
	s.byTarget[t] = m
}

func (s *Session) fail(m *mutation, notice string, err error) {
	s.drop(m, StateRolledBack)
	s.log.Errorw(notice, "mutation", m.id, "kind", m.kind, "err", err)
	if s.notifier != nil {
		s.notifier.Notify(ports.Notice{
			Message:   notice,
			Retryable: apperr.KindOf(err) != apperr.KindAuthorization,
		})
	}
}

func (s *Session) membershipErrLocked(msg string) error {
	s.mu.Unlock()
	return apperr.E(apperr.KindAuthorization, msg)
}

// retry wraps apperr.Retry with the session's policy and retry accounting.
func (s *Session) retry(ctx context.Context, fn func() error) error {
	first := true
	return apperr.Retry(ctx, s.retryAttempts, s.retryBase, func() error {
		if !first {
			metrics.RetriesTotal.Inc()
		}
		first = false
		return fn()
	})
}

func (s *Session) async(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// refetchMessages re-converges the local log with the authoritative store
// after a failed mutation. Runs in the background; callers hold the lock.
func (s *Session) refetchMessages() {
	metrics.RefetchesTotal.Inc()
	s.async(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rows, err := s.store.Select(ctx, store.TableMessages, ports.Filter{"conversation_id": s.conv.ID}, "created_at")
		if err != nil {
			s.log.Warnw("message refetch failed", "err", err)
			return
		}
		fresh := messagelog.New()
		for _, r := range rows {
			fresh.ApplyInsert(store.MessageFromRow(r))
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		// carry still-live optimistic entries over; their writes may have
		// landed after the select ran
		for _, m := range s.msgs.All() {
			if mut, ok := s.mutations[m.MutationID]; ok && mut.live() {
				fresh.ApplyInsert(m)
			}
		}
		s.msgs = fresh
	})
}

func (s *Session) refetchReactions() {
	metrics.RefetchesTotal.Inc()
	s.async(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rows, err := s.store.Select(ctx, store.TableReactions, ports.Filter{"conversation_id": s.conv.ID}, "created_at")
		if err != nil {
			s.log.Warnw("reaction refetch failed", "err", err)
			return
		}
		fresh := reaction.NewSet()
		for _, r := range rows {
			fresh.ApplyInsert(store.ReactionFromRow(r))
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed {
			return
		}
		for _, r := range s.reacts.All() {
			if mut, ok := s.mutations[r.MutationID]; ok && mut.live() {
				fresh.ApplyInsert(r)
			}
		}
		s.reacts = fresh
	})
}
