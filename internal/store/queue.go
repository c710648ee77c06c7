package store

// GetQueuedMessages returns messages waiting for remote delivery, oldest first.
func (db *DB) GetQueuedMessages() ([]Message, error) {
	msgs := []Message{}
	err := db.Select(&msgs, `
		SELECT `+messageColumns+` FROM messages
		WHERE queued_at IS NOT NULL AND synced = 0
		ORDER BY queued_at ASC, seq ASC`)
	return msgs, err
}

// QueueLength returns the number of messages waiting for remote delivery.
func (db *DB) QueueLength() (int, error) {
	var n int
	err := db.Get(&n, `SELECT COUNT(*) FROM messages WHERE queued_at IS NOT NULL AND synced = 0`)
	return n, err
}

// MarkMessageFailed sets an unconfirmed message to failed. With queue set, the
// message joins the retry queue (keeping its original queued-at time); otherwise
// it is taken out of the queue.
func (db *DB) MarkMessageFailed(id string, at int64, queue bool) error {
	res, err := db.Exec(`
		UPDATE messages SET
			status = 'failed',
			queued_at = CASE WHEN ? THEN COALESCE(queued_at, ?) ELSE NULL END
		WHERE id = ? AND synced = 0`, queue, at, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RecordRetryAttempt increments the retry count and stamps the attempt time.
func (db *DB) RecordRetryAttempt(id string, at int64) error {
	res, err := db.Exec(`
		UPDATE messages SET retry_count = retry_count + 1, last_retry_at = ?
		WHERE id = ? AND synced = 0`, at, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DequeueMessage removes a message from the retry queue without changing its status.
func (db *DB) DequeueMessage(id string) error {
	_, err := db.Exec(`UPDATE messages SET queued_at = NULL WHERE id = ?`, id)
	return err
}

// RequeueMessage puts a message back in the queue with fresh retry bookkeeping.
func (db *DB) RequeueMessage(id string, at int64) error {
	res, err := db.Exec(`
		UPDATE messages SET queued_at = ?, retry_count = 0, last_retry_at = NULL
		WHERE id = ? AND synced = 0`, at, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}
