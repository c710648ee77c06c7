package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (init + fts)", result.Version)
	}
}

func TestMigrateFreshReportsFromZero(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.From != 0 || result.Version != 2 || !result.Changed {
		t.Errorf("result = %+v, want 0 -> 2 changed", result)
	}
}

func TestMigrateToDropsSearchIndex(t *testing.T) {
	db := testDB(t)

	result, err := db.MigrateTo(1)
	if err != nil {
		t.Fatal(err)
	}
	if result.From != 2 || result.Version != 1 {
		t.Errorf("result = %+v, want 2 -> 1", result)
	}
	var n int
	if err := db.Get(&n, "SELECT COUNT(*) FROM sqlite_master WHERE name = 'messages_fts'"); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Error("messages_fts still present after MigrateTo(1)")
	}

	if result, err = db.Migrate(); err != nil || result.Version != 2 {
		t.Fatalf("re-Migrate() = %+v, %v", result, err)
	}
}

func TestMigrateSchemaHasRequiredColumns(t *testing.T) {
	db := testDB(t)

	requiredOps := []struct {
		desc  string
		query string
		args  []any
	}{
		{"insert chat", "INSERT INTO chats (id, type, name, sync_status, last_synced_at) VALUES (?, ?, ?, ?, ?)", []any{"c1", "group", "Team", "pending", 0}},
		{"insert message", "INSERT INTO messages (id, local_id, chat_id, sender_id, text, status, created_at, queued_at, retry_count, last_retry_at, synced) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", []any{"m1", "l1", "c1", "u1", "hello", "failed", 1000, 1000, 0, nil, 0}},
		{"insert participant", "INSERT INTO participants (chat_id, user_id, last_read_message_id, joined_at, left_at) VALUES (?, ?, ?, ?, ?)", []any{"c1", "u1", "m1", 1, 0}},
		{"insert reaction", "INSERT INTO reactions (message_id, chat_id, user_id, emoji) VALUES (?, ?, ?, ?)", []any{"m1", "c1", "u1", "+1"}},
		{"insert typing", "INSERT INTO typing_states (chat_id, user_id, is_typing, updated_at) VALUES (?, ?, ?, ?)", []any{"c1", "u2", 1, 5}},
		{"set sync state", "INSERT INTO sync_state (key, value) VALUES (?, ?)", []any{"k", "v"}},
	}

	for _, op := range requiredOps {
		t.Run(op.desc, func(t *testing.T) {
			if _, err := db.Exec(op.query, op.args...); err != nil {
				t.Fatalf("%s failed: %v", op.desc, err)
			}
		})
	}

	var count int
	if err := db.Get(&count, "SELECT COUNT(*) FROM messages_fts WHERE messages_fts MATCH 'hello'"); err != nil {
		t.Fatalf("FTS5 query failed: %v", err)
	}
	if count != 1 {
		t.Errorf("FTS5 count = %d, want 1", count)
	}
}

func confirmed(id, chat string, ts int64) *Message {
	return &Message{ID: id, ChatID: chat, SenderID: "bob", Text: "hi " + id, Status: StatusSent, CreatedAt: ts, Synced: true}
}

func TestUpsertMessageIdempotent(t *testing.T) {
	db := testDB(t)

	msg := confirmed("m1", "chat", 1000)
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	first, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	second, err := db.GetMessage("m1")
	if err != nil {
		t.Fatal(err)
	}
	if *first != *second {
		t.Errorf("second upsert changed the row:\n first %+v\nsecond %+v", first, second)
	}

	var rows int
	if err := db.Get(&rows, "SELECT COUNT(*) FROM messages"); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Fatalf("got %d rows, want 1", rows)
	}
}

func TestUpsertMessageReconcilesProvisionalRow(t *testing.T) {
	db := testDB(t)

	provisional := &Message{ID: "local-1", LocalID: "local-1", ChatID: "chat", SenderID: "me", Text: "yo",
		Status: StatusFailed, CreatedAt: 1000, QueuedAt: 1000, RetryCount: 2, LastRetryAt: 1500}
	if err := db.UpsertMessage(provisional); err != nil {
		t.Fatal(err)
	}

	final := &Message{ID: "srv-9", LocalID: "local-1", ChatID: "chat", SenderID: "me", Text: "yo",
		Status: StatusSent, CreatedAt: 1010, Synced: true}
	if err := db.UpsertMessage(final); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("chat", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.ID != "srv-9" || got.LocalID != "local-1" {
		t.Errorf("ids = %q/%q, want srv-9/local-1", got.ID, got.LocalID)
	}
	if got.Status != StatusSent || !got.Synced {
		t.Errorf("status = %s synced = %v, want sent/true", got.Status, got.Synced)
	}
	if got.QueuedAt != 0 || got.RetryCount != 0 || got.LastRetryAt != 0 {
		t.Errorf("retry bookkeeping not cleared: %+v", got)
	}
}

func TestUpsertMessageDropsProvisionalWhenFinalExists(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ID: "l1", LocalID: "l1", ChatID: "chat", Status: StatusSending, CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	// The listener delivered the confirmed copy before it carried the local ID.
	if err := db.UpsertMessage(confirmed("f1", "chat", 2)); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertMessage(&Message{ID: "f1", LocalID: "l1", ChatID: "chat", Status: StatusSent, CreatedAt: 2, Synced: true}); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("chat", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ID != "f1" {
		t.Fatalf("got %+v, want single f1 row", msgs)
	}
}

func TestMessageStatusNeverRegresses(t *testing.T) {
	db := testDB(t)

	msg := confirmed("m1", "chat", 1000)
	msg.Status = StatusRead
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}

	msg.Status = StatusDelivered
	if err := db.UpsertMessage(msg); err != nil {
		t.Fatal(err)
	}
	got, _ := db.GetMessage("m1")
	if got.Status != StatusRead {
		t.Errorf("status = %s after stale upsert, want read", got.Status)
	}

	changed, err := db.UpdateMessageStatus("m1", StatusSent)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("UpdateMessageStatus(sent) on a read message should not change it")
	}
}

func TestFailedMayReturnToSending(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ID: "l1", LocalID: "l1", ChatID: "chat", Status: StatusSending, CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMessageFailed("l1", 10, true); err != nil {
		t.Fatal(err)
	}
	changed, err := db.UpdateMessageStatus("l1", StatusSending)
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Error("failed -> sending should be allowed")
	}
}

func TestListMessagesAscendingWithLimit(t *testing.T) {
	db := testDB(t)

	for _, ts := range []int64{300, 100, 500, 200, 400} {
		m := confirmed("m"+string(rune('0'+ts/100)), "chat", ts)
		if err := db.UpsertMessage(m); err != nil {
			t.Fatal(err)
		}
	}

	all, err := db.ListMessages("chat", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d, want 5", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].CreatedAt > all[i].CreatedAt {
			t.Fatalf("not ascending at %d: %d > %d", i, all[i-1].CreatedAt, all[i].CreatedAt)
		}
	}

	recent, err := db.ListMessages("chat", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].CreatedAt != 400 || recent[1].CreatedAt != 500 {
		t.Errorf("limit 2 = %+v, want the two newest ascending", recent)
	}
}

func TestChatPreviewNeverRegresses(t *testing.T) {
	db := testDB(t)

	if err := db.UpdateChatPreview("chat", confirmed("new", "chat", 2000)); err != nil {
		t.Fatal(err)
	}
	if err := db.UpdateChatPreview("chat", confirmed("old", "chat", 1000)); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetChat("chat")
	if err != nil {
		t.Fatal(err)
	}
	if c.LastMessageID != "new" || c.LastMessageAt != 2000 {
		t.Errorf("preview = %s@%d, want new@2000", c.LastMessageID, c.LastMessageAt)
	}
}

func TestSyncCompletionSupersedesConcurrentFailure(t *testing.T) {
	db := testDB(t)

	if err := db.MarkChatSyncStatus("c1", SyncSyncing, nil); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkChatSyncFailed("c1", "timeout"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkChatSyncStatus("c1", SyncSynced, nil); !errors.Is(err, ErrInvalidSyncTransition) {
		t.Fatalf("plain failed to synced err = %v", err)
	}
	if err := db.MarkChatSyncCompleted("c1", 7); err != nil {
		t.Fatal(err)
	}
	c, err := db.GetChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.SyncStatus != SyncSynced || c.SyncError != "" || c.MessageCount != 7 {
		t.Errorf("chat = %+v", c)
	}

	if err := db.MarkChatSyncStatus("c2", SyncSyncing, nil); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkChatSyncCompleted("c2", 1); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkChatSyncCompleted("c3", 1); !errors.Is(err, ErrInvalidSyncTransition) {
		t.Errorf("pending to synced err = %v", err)
	}
}

func TestChatUpsertKeepsSyncFields(t *testing.T) {
	db := testDB(t)

	count := 3
	if err := db.MarkChatSyncStatus("c1", SyncSyncing, nil); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkChatSyncStatus("c1", SyncSynced, &count); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertChat(&Chat{ID: "c1", Type: ChatGroup, Name: "Team"}); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Name != "Team" || c.Type != ChatGroup {
		t.Errorf("identity = %q/%s, want Team/group", c.Name, c.Type)
	}
	if c.SyncStatus != SyncSynced || c.MessageCount != 3 {
		t.Errorf("sync = %s/%d, want synced/3", c.SyncStatus, c.MessageCount)
	}

	missing, err := db.GetChat("nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Error("expected nil for missing chat")
	}
}

func TestSyncStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []SyncStatus
		wantErr bool
	}{
		{"pending to syncing to synced", []SyncStatus{SyncSyncing, SyncSynced}, false},
		{"failed retried", []SyncStatus{SyncSyncing, SyncFailed, SyncSyncing, SyncSynced}, false},
		{"forced resync", []SyncStatus{SyncSyncing, SyncSynced, SyncSyncing}, false},
		{"repeat is allowed", []SyncStatus{SyncSyncing, SyncSyncing}, false},
		{"pending to synced", []SyncStatus{SyncSynced}, true},
		{"failed to synced", []SyncStatus{SyncSyncing, SyncFailed, SyncSynced}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := testDB(t)
			var err error
			for _, s := range tt.path {
				if err = db.MarkChatSyncStatus("c", s, nil); err != nil {
					break
				}
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidSyncTransition) {
					t.Errorf("err = %v, want ErrInvalidSyncTransition", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestListChatsBySyncStatus(t *testing.T) {
	db := testDB(t)

	for _, id := range []string{"a", "b", "c"} {
		if err := db.UpsertChat(&Chat{ID: id}); err != nil {
			t.Fatal(err)
		}
	}
	_ = db.MarkChatSyncStatus("b", SyncSyncing, nil)
	_ = db.MarkChatSyncFailed("b", "boom")
	_ = db.MarkChatSyncStatus("c", SyncSyncing, nil)
	_ = db.MarkChatSyncStatus("c", SyncSynced, nil)

	chats, err := db.ListChatsBySyncStatus(SyncPending, SyncFailed)
	if err != nil {
		t.Fatal(err)
	}
	if len(chats) != 2 {
		t.Fatalf("got %d chats, want 2 (a pending, b failed)", len(chats))
	}
	for _, c := range chats {
		if c.ID == "b" && c.SyncError != "boom" {
			t.Errorf("sync_error = %q, want boom", c.SyncError)
		}
	}
}

func TestCursorOnlyAdvances(t *testing.T) {
	db := testDB(t)

	ts, err := db.GetLastSyncedTimestamp("chat")
	if err != nil {
		t.Fatal(err)
	}
	if ts != 0 {
		t.Errorf("initial cursor = %d, want 0", ts)
	}

	_ = db.SetLastSyncedTimestamp("chat", 2000)
	_ = db.SetLastSyncedTimestamp("chat", 1500)

	ts, err = db.GetLastSyncedTimestamp("chat")
	if err != nil {
		t.Fatal(err)
	}
	if ts != 2000 {
		t.Errorf("cursor = %d, want 2000", ts)
	}
}

func TestQueueBookkeeping(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ID: "l1", LocalID: "l1", ChatID: "chat", Status: StatusSending, CreatedAt: 1}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkMessageFailed("l1", 100, true); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordRetryAttempt("l1", 200); err != nil {
		t.Fatal(err)
	}
	// Failing again keeps the original queue time.
	if err := db.MarkMessageFailed("l1", 300, true); err != nil {
		t.Fatal(err)
	}

	queued, err := db.GetQueuedMessages()
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 {
		t.Fatalf("got %d queued, want 1", len(queued))
	}
	q := queued[0]
	if q.QueuedAt != 100 || q.RetryCount != 1 || q.LastRetryAt != 200 || q.Status != StatusFailed {
		t.Errorf("queued row = %+v", q)
	}

	if err := db.UpsertMessage(&Message{ID: "f1", LocalID: "l1", ChatID: "chat", Status: StatusSent, CreatedAt: 1, Synced: true}); err != nil {
		t.Fatal(err)
	}
	n, err := db.QueueLength()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("queue length = %d after confirmation, want 0", n)
	}

	if err := db.RecordRetryAttempt("missing", 1); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("err = %v, want ErrMessageNotFound", err)
	}
}

func TestParticipantsKeepLeftMembers(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertParticipant(&Participant{ChatID: "c", UserID: "alice", DisplayName: "Alice", JoinedAt: 10}); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkParticipantLeft("c", "alice", 20); err != nil {
		t.Fatal(err)
	}
	if err := db.SetReadCursor("c", "alice", "m5", 15); err != nil {
		t.Fatal(err)
	}

	ps, err := db.ListParticipants("c")
	if err != nil {
		t.Fatal(err)
	}
	if len(ps) != 1 {
		t.Fatalf("got %d participants, want 1", len(ps))
	}
	if ps[0].LeftAt != 20 || ps[0].LastReadMessageID != "m5" {
		t.Errorf("participant = %+v", ps[0])
	}
}

func TestDeleteChatCascades(t *testing.T) {
	db := testDB(t)

	_ = db.UpsertMessage(confirmed("m1", "c", 1))
	_ = db.UpsertReaction(&Reaction{MessageID: "m1", ChatID: "c", UserID: "u", Emoji: "+1"})
	_ = db.UpsertParticipant(&Participant{ChatID: "c", UserID: "u"})

	if err := db.DeleteChat("c"); err != nil {
		t.Fatal(err)
	}
	n, _ := db.MessageCount()
	if n != 0 {
		t.Errorf("messages = %d after delete, want 0", n)
	}
	rs, _ := db.ListReactions("m1")
	if len(rs) != 0 {
		t.Errorf("reactions = %d after delete, want 0", len(rs))
	}
}

func TestTypingStateIgnoresStaleUpdates(t *testing.T) {
	db := testDB(t)

	_ = db.UpsertChat(&Chat{ID: "c"})
	_ = db.SetTypingState(&TypingState{ChatID: "c", UserID: "bob", IsTyping: true, UpdatedAt: 20})
	_ = db.SetTypingState(&TypingState{ChatID: "c", UserID: "bob", IsTyping: false, UpdatedAt: 10})

	ts, err := db.ListTyping("c")
	if err != nil {
		t.Fatal(err)
	}
	if len(ts) != 1 || ts[0].UserID != "bob" {
		t.Errorf("typing = %+v, want bob typing", ts)
	}
}

func TestSearchMessages(t *testing.T) {
	db := testDB(t)

	m1 := confirmed("m1", "chat", 1000)
	m1.Text = "hello world"
	m2 := confirmed("m2", "chat", 2000)
	m2.Text = "goodbye world"
	if err := db.UpsertMessages([]Message{*m1, *m2}); err != nil {
		t.Fatal(err)
	}

	results, err := db.SearchMessages("hello", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Message.ID != "m1" {
		t.Errorf("id = %q, want m1", results[0].Message.ID)
	}
	if results[0].Snippet != "<<hello>> world" {
		t.Errorf("snippet = %q", results[0].Snippet)
	}
}

func TestSearchMessagesQuoting(t *testing.T) {
	db := testDB(t)

	m1 := confirmed("m1", "chat", 1000)
	m1.Text = "deploy to prod-east tonight"
	m2 := confirmed("m2", "other", 2000)
	m2.Text = "deployment notes"
	if err := db.UpsertMessages([]Message{*m1, *m2}); err != nil {
		t.Fatal(err)
	}

	// Hyphens and quotes are plain text, not FTS syntax.
	for _, q := range []string{"prod-east", `"prod`, "tonight)"} {
		if _, err := db.SearchMessages(q, "", 10); err != nil {
			t.Errorf("SearchMessages(%q) error = %v", q, err)
		}
	}

	// The last term matches as a prefix.
	results, err := db.SearchMessages("deploy", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("prefix search got %d results, want 2", len(results))
	}

	results, err = db.SearchMessages("deploy", "other", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Message.ID != "m2" {
		t.Errorf("chat-scoped search = %+v", results)
	}

	if results, err := db.SearchMessages("   ", "", 10); err != nil || results != nil {
		t.Errorf("blank search = %v, %v", results, err)
	}
}

func TestCheckpoint(t *testing.T) {
	db := testDB(t)

	if err := db.SetCheckpoint("preload.completed_at", "123"); err != nil {
		t.Fatal(err)
	}
	v, err := db.GetCheckpoint("preload.completed_at")
	if err != nil {
		t.Fatal(err)
	}
	if v != "123" {
		t.Errorf("checkpoint = %q, want 123", v)
	}
}

func TestReactionsAreIdempotent(t *testing.T) {
	db := testDB(t)
	if err := db.UpsertMessage(confirmed("m1", "c1", 1000)); err != nil {
		t.Fatal(err)
	}

	r := &Reaction{MessageID: "m1", ChatID: "c1", UserID: "alice", Emoji: "+1", CreatedAt: 10}
	for i := 0; i < 2; i++ {
		if err := db.UpsertReaction(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.UpsertReaction(&Reaction{MessageID: "m1", ChatID: "c1", UserID: "bob", Emoji: "+1", CreatedAt: 20}); err != nil {
		t.Fatal(err)
	}

	got, err := db.ListReactions("m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].UserID != "alice" || got[1].UserID != "bob" {
		t.Fatalf("reactions = %+v", got)
	}

	for i := 0; i < 2; i++ {
		if err := db.RemoveReaction("m1", "alice", "+1"); err != nil {
			t.Fatal(err)
		}
	}
	got, err = db.ListReactions("m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].UserID != "bob" {
		t.Errorf("after remove = %+v", got)
	}
}
