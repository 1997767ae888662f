package reaction

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/yourorg/convsync/internal/domain"
	"github.com/yourorg/convsync/internal/ports"
)

// Frequency is the advisory per-user "frequently used emoji" counter. It is
// persisted best-effort through the KV port and can be rebuilt from durable
// reaction history at any time; losing it is not a correctness issue.
type Frequency struct {
	kv     ports.KV
	userID string
	counts map[string]int
	loaded bool
}

func NewFrequency(kv ports.KV, userID string) *Frequency {
	return &Frequency{kv: kv, userID: userID, counts: make(map[string]int)}
}

func (f *Frequency) key() string { return "emoji_freq:" + f.userID }

// Bump records one successful reaction with the emoji. Persistence failures
// are swallowed; the counter is advisory.
func (f *Frequency) Bump(ctx context.Context, emoji string) {
	f.load(ctx)
	f.counts[emoji]++
	f.save(ctx)
}

// Top returns up to n emoji ordered by descending count, ties by emoji for a
// stable suggestion list.
func (f *Frequency) Top(ctx context.Context, n int) []string {
	f.load(ctx)
	type kv struct {
		emoji string
		count int
	}
	all := make([]kv, 0, len(f.counts))
	for e, c := range f.counts {
		all = append(all, kv{e, c})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].count != all[j].count {
			return all[i].count > all[j].count
		}
		return all[i].emoji < all[j].emoji
	})
	if n > len(all) {
		n = len(all)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = all[i].emoji
	}
	return out
}

// Rebuild recomputes the counter from durable reaction history, keeping only
// the user's own rows.
func (f *Frequency) Rebuild(ctx context.Context, history []domain.Reaction) {
	f.counts = make(map[string]int)
	f.loaded = true
	for _, r := range history {
		if r.UserID == f.userID {
			f.counts[r.Emoji]++
		}
	}
	f.save(ctx)
}

func (f *Frequency) load(ctx context.Context) {
	if f.loaded || f.kv == nil {
		f.loaded = true
		return
	}
	f.loaded = true
	raw, ok, err := f.kv.Get(ctx, f.key())
	if err != nil || !ok {
		return
	}
	_ = json.Unmarshal([]byte(raw), &f.counts)
	if f.counts == nil {
		f.counts = make(map[string]int)
	}
}

func (f *Frequency) save(ctx context.Context) {
	if f.kv == nil {
		return
	}
	b, err := json.Marshal(f.counts)
	if err != nil {
		return
	}
	_ = f.kv.Set(ctx, f.key(), string(b))
}
