package switchboard

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrDuplicate is returned by Store.InsertInbox when a delivery with the same
// (channel type, external event ID) has already been recorded — the caller must drop the delivery, not retry it.
var ErrDuplicate = errors.New("switchboard: duplicate delivery")

// Store owns inbox_records and the identity-notification slice of kv_state
// — no other package writes to either.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over the shared database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// IdempotencyKey derives the stable key recorded with each inbound delivery:
// a hash of channel type, endpoint identity, and the source's own event ID,
// so retried deliveries of the same logical event get the same key.
// Deduplication itself is enforced by inbox_records' primary key
// (source_channel, source_message_id).
func IdempotencyKey(channelType, endpointIdentity, externalEventID string) string {
	h := sha256.New()
	h.Write([]byte(channelType))
	h.Write([]byte{0})
	h.Write([]byte(endpointIdentity))
	h.Write([]byte{0})
	h.Write([]byte(externalEventID))
	return hex.EncodeToString(h.Sum(nil))
}

// InsertInbox records a delivery under (channelType, externalEventID). It
// returns ErrDuplicate when a row with the same primary key already exists
// instead of erroring — the Router treats that as "already handled, drop
// silently".
func (s *Store) InsertInbox(ctx context.Context, channelType, externalEventID, idempotencyKey, normalizedPayload, pipelineRequestID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inbox_records
			(source_channel, source_message_id, idempotency_key, normalized_payload, ingested_at, pipeline_request_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, channelType, externalEventID, idempotencyKey, normalizedPayload, time.Now().UTC(), pipelineRequestID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert inbox record: %w", err)
	}
	return nil
}

// isUniqueViolation recognizes modernc.org/sqlite's constraint error without
// importing its error type directly, matching on the message text the
// driver surfaces for a PRIMARY KEY / UNIQUE conflict.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

// MarkUnknownNotified sets the one-shot KV flag that gates the owner
// notification for a previously-unseen sender. It returns
// true if this call set the flag (i.e. the caller should send the
// notification) and false if it was already set by a prior delivery.
func (s *Store) MarkUnknownNotified(ctx context.Context, channelType, channelValue string) (bool, error) {
	key := fmt.Sprintf("identity:unknown_notified:%s:%s", channelType, channelValue)
	_, err := s.db.ExecContext(ctx, `INSERT INTO kv_state (key, value) VALUES (?, '1')`, key)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("mark unknown-notified: %w", err)
	}
	return true, nil
}
