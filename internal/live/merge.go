package live

import (
	"sort"

	"github.com/matheus3301/chatsync/internal/store"
)

// Merge combines cached and freshly received messages into one list keyed by
// final message ID. The remote copy wins on conflict, and a cached provisional
// row is dropped once a remote row carries its local ID. The result is sorted
// by creation time, then ID.
func Merge(local, remote []store.Message) []store.Message {
	byID := make(map[string]store.Message, len(local)+len(remote))
	confirmed := make(map[string]bool, len(remote))
	for _, m := range remote {
		byID[m.ID] = m
		if m.LocalID != "" {
			confirmed[m.LocalID] = true
		}
	}
	for _, m := range local {
		if _, ok := byID[m.ID]; ok {
			continue
		}
		if m.LocalID != "" && confirmed[m.LocalID] {
			continue
		}
		byID[m.ID] = m
	}

	out := make([]store.Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}
