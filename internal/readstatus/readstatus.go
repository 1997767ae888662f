// Package readstatus derives the per-message sent/delivered/read state from
// the message timestamps and the participants' last-read timestamps. It is a
// pure function of its inputs and keeps no state of its own; callers recompute
// it whenever the message log or a last-read timestamp changes.
package readstatus

import "github.com/yourorg/convsync/internal/domain"

// Compute returns the delivery state of msg as rendered to its sender.
//
// "others" are the conversation's participants excluding the sender, limited
// to those whose membership covers the message (a participant who left before
// the message was created does not count). delivered means every counted
// other has opened the conversation at least once; read means every counted
// other's last-read timestamp covers the message. In groups, partial progress
// of either kind renders as delivered.
func Compute(msg domain.Message, participants []domain.Participant, isGroup bool) domain.ReadStatus {
	var others, readBy, deliveredTo int
	for _, p := range participants {
		if p.UserID == msg.SenderID {
			continue
		}
		if !p.CountsFor(msg.CreatedAt) {
			continue
		}
		others++
		if p.LastReadAt == nil {
			continue
		}
		deliveredTo++
		if !p.LastReadAt.Before(msg.CreatedAt) {
			readBy++
		}
	}

	// Self-conversation: nobody else to deliver to.
	if others == 0 {
		return domain.StatusRead
	}

	if !isGroup && others == 1 {
		switch {
		case readBy == 1:
			return domain.StatusRead
		case deliveredTo == 1:
			return domain.StatusDelivered
		default:
			return domain.StatusSent
		}
	}

	switch {
	case readBy == others:
		return domain.StatusRead
	case deliveredTo == others:
		return domain.StatusDelivered
	case readBy > 0 || deliveredTo > 0:
		return domain.StatusDelivered
	default:
		return domain.StatusSent
	}
}
