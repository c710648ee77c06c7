package store

import "strings"

const defaultSearchLimit = 50

// ftsQuery turns free text into an FTS5 expression matching every term, so
// punctuation in user input can't be read as query syntax. The last term
// also matches as a prefix.
func ftsQuery(text string) string {
	terms := strings.Fields(text)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	if n := len(terms); n > 0 {
		terms[n-1] += "*"
	}
	return strings.Join(terms, " ")
}

// SearchMessages runs a full-text search over cached message text, best
// matches first. An empty chatID searches every chat.
func (db *DB) SearchMessages(text string, chatID string, limit int) ([]SearchResult, error) {
	match := ftsQuery(text)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	var rows []struct {
		Message
		Snippet string `db:"snippet"`
	}
	err := db.Select(&rows, `
		SELECT m.id, COALESCE(m.local_id, '') AS local_id, m.chat_id, m.sender_id, m.text,
		       m.media_url, m.reply_to, m.status, m.created_at, m.edited,
		       COALESCE(m.queued_at, 0) AS queued_at, m.retry_count,
		       COALESCE(m.last_retry_at, 0) AS last_retry_at, m.synced,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32) AS snippet
		FROM messages_fts
		JOIN messages m ON m.seq = messages_fts.rowid
		WHERE messages_fts MATCH ? AND (? = '' OR m.chat_id = ?)
		ORDER BY bm25(messages_fts), m.created_at DESC
		LIMIT ?`, match, chatID, chatID, limit)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, len(rows))
	for i, r := range rows {
		results[i] = SearchResult{Message: r.Message, Snippet: r.Snippet}
	}
	return results, nil
}
