// Package memory is the in-memory DurableStore used by tests and local
// development. Semantics mirror the mongo adapter: equality filters, optional
// single-field ordering, duplicate-key detection on the tables with natural
// keys.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/yourorg/convsync/internal/apperr"
	"github.com/yourorg/convsync/internal/ports"
	"github.com/yourorg/convsync/internal/store"
)

type Store struct {
	mu     sync.Mutex
	tables map[string][]ports.Row
}

func New() *Store {
	return &Store{tables: make(map[string][]ports.Row)}
}

func (s *Store) Insert(_ context.Context, table string, row ports.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if key := uniqueKey(table, row); key != nil {
		for _, r := range s.tables[table] {
			if matches(r, key) {
				return apperr.E(apperr.KindConflict, "duplicate key on "+table)
			}
		}
	}
	s.tables[table] = append(s.tables[table], clone(row))
	return nil
}

func (s *Store) Update(_ context.Context, table string, filter ports.Filter, set ports.Row) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.tables[table] {
		if matches(r, filter) {
			for k, v := range set {
				r[k] = v
			}
			n++
		}
	}
	return n, nil
}

func (s *Store) Delete(_ context.Context, table string, filter ports.Filter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.tables[table][:0]
	n := 0
	for _, r := range s.tables[table] {
		if matches(r, filter) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	s.tables[table] = kept
	return n, nil
}

func (s *Store) Select(_ context.Context, table string, filter ports.Filter, orderBy string) ([]ports.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ports.Row
	for _, r := range s.tables[table] {
		if matches(r, filter) {
			out = append(out, clone(r))
		}
	}
	if orderBy != "" {
		field, desc := orderBy, false
		if field[0] == '-' {
			field, desc = field[1:], true
		}
		sort.SliceStable(out, func(i, j int) bool {
			less := lessValue(out[i][field], out[j][field])
			if desc {
				return !less && !equalValue(out[i][field], out[j][field])
			}
			return less
		})
	}
	return out, nil
}

// uniqueKey returns the natural-key filter for tables carrying one.
func uniqueKey(table string, row ports.Row) ports.Filter {
	switch table {
	case store.TableMessages, store.TableConversations:
		return ports.Filter{"id": row["id"]}
	case store.TableReactions:
		return ports.Filter{"message_id": row["message_id"], "user_id": row["user_id"]}
	case store.TableParticipants:
		return ports.Filter{"conversation_id": row["conversation_id"], "user_id": row["user_id"]}
	default:
		return nil
	}
}

func matches(r ports.Row, f ports.Filter) bool {
	for k, want := range f {
		if !equalValue(r[k], want) {
			return false
		}
	}
	return true
}

func equalValue(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	return a == b
}

func lessValue(a, b any) bool {
	switch av := a.(type) {
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Before(bv)
	case string:
		bv, ok := b.(string)
		return ok && av < bv
	case int:
		bv, ok := b.(int)
		return ok && av < bv
	default:
		return false
	}
}

func clone(r ports.Row) ports.Row {
	out := make(ports.Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
