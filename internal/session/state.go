package session

import (
	"context"
	"encoding/json"

	"github.com/yourorg/convsync/internal/ports"
)

// SessionState is the client-local state that used to live in ambient
// browser storage: drafts and the set of messages already surfaced as
// notifications. It is passed into the coordinator at construction and
// persisted through the injected KV port, never through global mutation.
type SessionState struct {
	Drafts           map[string]string `json:"drafts,omitempty"`
	NotifiedMessages map[string]bool   `json:"notified_messages,omitempty"`
}

func stateKey(userID string) string { return "session_state:" + userID }

// LoadState reads the persisted state for a user, returning an empty state
// when nothing was saved yet.
func LoadState(ctx context.Context, kv ports.KV, userID string) (*SessionState, error) {
	st := &SessionState{}
	if kv == nil {
		return st, nil
	}
	raw, ok, err := kv.Get(ctx, stateKey(userID))
	if err != nil {
		return st, err
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), st); err != nil {
			// corrupt state is discarded, not fatal
			return &SessionState{}, nil
		}
	}
	return st, nil
}

// Save persists the state through the KV port.
func (st *SessionState) Save(ctx context.Context, kv ports.KV, userID string) error {
	if kv == nil {
		return nil
	}
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return kv.Set(ctx, stateKey(userID), string(b))
}

func (st *SessionState) draft(conversationID string) string {
	return st.Drafts[conversationID]
}

func (st *SessionState) setDraft(conversationID, text string) {
	if text == "" {
		delete(st.Drafts, conversationID)
		return
	}
	if st.Drafts == nil {
		st.Drafts = make(map[string]string)
	}
	st.Drafts[conversationID] = text
}

func (st *SessionState) notified(messageID string) bool {
	return st.NotifiedMessages[messageID]
}

func (st *SessionState) markNotified(messageID string) {
	if st.NotifiedMessages == nil {
		st.NotifiedMessages = make(map[string]bool)
	}
	st.NotifiedMessages[messageID] = true
}
