package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lrhodin/wabot/pkg/wamsg"
)

type DeletedState int

const (
	NotDeleted DeletedState = iota
	Revoked
	// Restored marks a revoked message that has already been recalled, so
	// it is not picked again.
	Restored
)

func (d DeletedState) String() string {
	switch d {
	case NotDeleted:
		return "none"
	case Revoked:
		return "revoked"
	case Restored:
		return "restored"
	default:
		return fmt.Sprintf("DeletedState(%d)", int(d))
	}
}

type MessageRecord struct {
	EntityID  int64
	Session   string
	Chat      string
	MessageID string
	Payload   []byte
	Deleted   DeletedState
	DeletedAt time.Time
	Created   time.Time
	Updated   time.Time
}

func (r *MessageRecord) Message() (*wamsg.Message, error) {
	return wamsg.Decode(r.Payload)
}

// UpsertMessage stores the snapshot of a message. Saving the same id again
// overwrites payload and deleted marker. A revoke that arrived before the
// message itself is applied here.
func (s *Store) UpsertMessage(ctx context.Context, session, chat, messageID string, payload []byte, deleted DeletedState) error {
	return s.upsertMessage(ctx, session, chat, messageID, payload, deleted, false)
}

// SaveMessage stores the snapshot of an observed message. Unlike
// UpsertMessage it keeps the deleted marker of a message that is already
// stored, so a redelivered message can't undo its own revoke.
func (s *Store) SaveMessage(ctx context.Context, session, chat, messageID string, payload []byte) error {
	return s.upsertMessage(ctx, session, chat, messageID, payload, NotDeleted, true)
}

const (
	overwriteDeleted = `deleted=excluded.deleted, deleted_ts=excluded.deleted_ts,`
	keepDeleted      = `deleted=CASE WHEN excluded.deleted=0 THEN message.deleted ELSE excluded.deleted END,
			deleted_ts=CASE WHEN excluded.deleted=0 THEN message.deleted_ts ELSE excluded.deleted_ts END,`
)

func (s *Store) upsertMessage(ctx context.Context, session, chat, messageID string, payload []byte, deleted DeletedState, keep bool) error {
	ent, err := s.EnsureEntity(ctx, session, chat)
	if err != nil {
		return err
	}
	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM revoked_message WHERE entity_id=? AND message_id=?`,
		ent.ID, messageID,
	)
	if err != nil {
		return fmt.Errorf("failed to consume staged revoke: %w", err)
	}
	nowMS := s.nowMS()
	var deletedTS int64
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug().Str("chat", chat).Str("msg_id", messageID).Msg("Applying revoke staged before message arrived")
		deleted = Revoked
	}
	if deleted == Revoked {
		deletedTS = nowMS
	}
	deletedUpdate := overwriteDeleted
	if keep {
		deletedUpdate = keepDeleted
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO message (entity_id, message_id, payload, deleted, deleted_ts, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id, message_id) DO UPDATE SET
			payload=excluded.payload,
			`+deletedUpdate+`
			updated_ts=excluded.updated_ts
	`, ent.ID, messageID, payload, int(deleted), deletedTS, nowMS, nowMS)
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}
	return tx.Commit()
}

const messageColumns = `m.entity_id, e.session, e.remote_jid, m.message_id, m.payload, m.deleted, m.deleted_ts, m.created_ts, m.updated_ts`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*MessageRecord, error) {
	var (
		rec                  MessageRecord
		deleted              int
		deletedTS, createdTS int64
		updatedTS            int64
	)
	err := row.Scan(&rec.EntityID, &rec.Session, &rec.Chat, &rec.MessageID, &rec.Payload, &deleted, &deletedTS, &createdTS, &updatedTS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	rec.Deleted = DeletedState(deleted)
	rec.DeletedAt = fromMS(deletedTS)
	rec.Created = fromMS(createdTS)
	rec.Updated = fromMS(updatedTS)
	return &rec, nil
}

func (s *Store) GetMessage(ctx context.Context, session, chat, messageID string) (*MessageRecord, error) {
	return scanMessage(s.db.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM message m JOIN entity e ON e.id=m.entity_id
		WHERE e.session=$1 AND e.remote_jid=$2 AND m.message_id=$3
	`, session, chat, messageID))
}

// MarkDeleted flags a stored message as revoked. When the message is not
// stored yet the revoke is staged for the next save and ErrNotFound
// is returned.
func (s *Store) MarkDeleted(ctx context.Context, session, chat, messageID string) error {
	ent, err := s.EnsureEntity(ctx, session, chat)
	if err != nil {
		return err
	}
	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	nowMS := s.nowMS()
	res, err := tx.ExecContext(ctx, `
		UPDATE message SET deleted=?, deleted_ts=?, updated_ts=?
		WHERE entity_id=? AND message_id=? AND deleted<>?
	`, int(Revoked), nowMS, nowMS, ent.ID, messageID, int(Revoked))
	if err != nil {
		return fmt.Errorf("failed to mark message deleted: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return tx.Commit()
	}
	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM message WHERE entity_id=? AND message_id=?)`,
		ent.ID, messageID,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		// Already revoked.
		return tx.Commit()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO revoked_message (entity_id, message_id, revoked_ts) VALUES (?, ?, ?)
		ON CONFLICT (entity_id, message_id) DO UPDATE SET revoked_ts=excluded.revoked_ts
	`, ent.ID, messageID, nowMS)
	if err != nil {
		return fmt.Errorf("failed to stage revoke: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	return ErrNotFound
}

// RecallLatestDeleted returns the most recently revoked message of the chat
// and flips it to Restored in the same transaction.
func (s *Store) RecallLatestDeleted(ctx context.Context, session, chat string) (*MessageRecord, error) {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rec, err := scanMessage(tx.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM message m JOIN entity e ON e.id=m.entity_id
		WHERE e.session=? AND e.remote_jid=? AND m.deleted=?
		ORDER BY m.deleted_ts DESC, m.rowid DESC
		LIMIT 1
	`, session, chat, int(Revoked)))
	if err != nil {
		return nil, err
	}
	nowMS := s.nowMS()
	_, err = tx.ExecContext(ctx,
		`UPDATE message SET deleted=?, updated_ts=? WHERE entity_id=? AND message_id=?`,
		int(Restored), nowMS, rec.EntityID, rec.MessageID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to restore message: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	rec.Deleted = Restored
	rec.Updated = fromMS(nowMS)
	return rec, nil
}

// PurgeRevokeStaging drops staged revokes whose message never showed up.
func (s *Store) PurgeRevokeStaging(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(ctx, `DELETE FROM revoked_message WHERE revoked_ts < $1`, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge revoke staging: %w", err)
	}
	return res.RowsAffected()
}
