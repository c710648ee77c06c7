package remote

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestMatch(t *testing.T) {
	data := map[string]any{
		"createdAt":    float64(1500),
		"status":       "sent",
		"participants": []any{"alice", "bob"},
	}
	tests := []struct {
		name    string
		filters []Filter
		want    bool
	}{
		{"no filters", nil, true},
		{"gt cursor", []Filter{{"createdAt", OpGt, int64(1000)}}, true},
		{"gt equal", []Filter{{"createdAt", OpGt, int64(1500)}}, false},
		{"gte equal", []Filter{{"createdAt", OpGte, 1500}}, true},
		{"eq string", []Filter{{"status", OpEq, "sent"}}, true},
		{"array contains", []Filter{{"participants", OpArrayContains, "bob"}}, true},
		{"array missing", []Filter{{"participants", OpArrayContains, "carol"}}, false},
		{"missing field", []Filter{{"edited", OpEq, true}}, false},
		{"type mismatch", []Filter{{"status", OpLt, 3}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Match(data, tt.filters); got != tt.want {
				t.Errorf("Match = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplySortsAndLimits(t *testing.T) {
	var docs []Document
	for i, ts := range []int64{30, 10, 50, 20, 40} {
		docs = append(docs, Document{ID: fmt.Sprintf("d%d", i), Data: map[string]any{"lastActivityAt": ts}})
	}

	got := Apply(docs, Query{OrderBy: []Order{{Field: "lastActivityAt", Desc: true}}, Limit: 3})
	if len(got) != 3 {
		t.Fatalf("got %d docs, want 3", len(got))
	}
	want := []int64{50, 40, 30}
	for i, d := range got {
		if d.Data["lastActivityAt"] != want[i] {
			t.Errorf("doc %d = %v, want %d", i, d.Data["lastActivityAt"], want[i])
		}
	}
}

func TestErrorClassification(t *testing.T) {
	perm := fmt.Errorf("write chats/c/messages/m: %w", ErrPermissionDenied)
	if !IsPermission(perm) || IsTransient(perm) {
		t.Error("wrapped permission error misclassified")
	}
	if !IsTransient(fmt.Errorf("dial: %w", ErrUnavailable)) {
		t.Error("unavailable should be transient")
	}
	if !IsTransient(errors.New("something odd")) {
		t.Error("unknown errors should be treated as transient")
	}
	if IsTransient(nil) {
		t.Error("nil is not transient")
	}
}

func TestSplitPath(t *testing.T) {
	col, id, ok := SplitPath("chats/c1/messages/m1")
	if !ok || col != "chats/c1/messages" || id != "m1" {
		t.Errorf("got %q %q %v", col, id, ok)
	}
	if _, _, ok := SplitPath("chats"); ok {
		t.Error("collection path should not split")
	}
}

func TestStreamDeliversInOrderThenFails(t *testing.T) {
	s := NewChangeStream()
	for i := 0; i < 100; i++ {
		s.Send(Change{Kind: Added, Doc: Document{ID: fmt.Sprint(i)}})
	}
	boom := errors.New("boom")
	s.Fail(boom)

	i := 0
	for c := range s.Changes() {
		if c.Doc.ID != fmt.Sprint(i) {
			t.Fatalf("change %d has id %s", i, c.Doc.ID)
		}
		i++
	}
	if i != 100 {
		t.Errorf("received %d changes, want 100", i)
	}
	if !errors.Is(s.Err(), boom) {
		t.Errorf("Err = %v, want boom", s.Err())
	}
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	s := NewValueStream()
	s.Close()
	s.Close()
	s.Send(Value{Path: "x"})

	select {
	case _, ok := <-s.Values():
		if ok {
			t.Error("closed stream delivered a value")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Close")
	}
	if s.Err() != nil {
		t.Errorf("Err after Close = %v, want nil", s.Err())
	}
}
