package domain

// Event is a change event decoded at the push-channel boundary. The loosely
// typed wire frames become this tagged union before they reach the
// coordinator.
type Event interface {
	isEvent()
}

type MessageInserted struct {
	Message Message
	ActorID string
}

type MessageUpdated struct {
	Message Message
	ActorID string
}

type MessageDeleted struct {
	MessageID      string
	ConversationID string
	ActorID        string
}

type ReactionInserted struct {
	Reaction Reaction
	ActorID  string
}

type ReactionDeleted struct {
	MessageID string
	UserID    string
	ActorID   string
}

type ParticipantUpdated struct {
	Participant Participant
	ActorID     string
}

// PresenceSynced replays the full presence set of the channel; the tracker
// replaces its entire local view with it.
type PresenceSynced struct {
	Entries []PresenceEntry
}

type PresenceJoined struct {
	Entry PresenceEntry
}

type PresenceLeft struct {
	UserID string
}

func (MessageInserted) isEvent()    {}
func (MessageUpdated) isEvent()     {}
func (MessageDeleted) isEvent()     {}
func (ReactionInserted) isEvent()   {}
func (ReactionDeleted) isEvent()    {}
func (ParticipantUpdated) isEvent() {}
func (PresenceSynced) isEvent()     {}
func (PresenceJoined) isEvent()     {}
func (PresenceLeft) isEvent()       {}
