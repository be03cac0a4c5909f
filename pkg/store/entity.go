package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lrhodin/wabot/pkg/wamsg"
)

// Entity is a chat known to one bot session.
type Entity struct {
	ID        int64
	Session   string
	RemoteJID string
	Kind      wamsg.ChatKind
	Created   time.Time
}

// EnsureEntity returns the entity for the chat, creating it on first sight.
func (s *Store) EnsureEntity(ctx context.Context, session, remoteJID string) (*Entity, error) {
	kind := wamsg.KindOfChat(remoteJID)
	if kind == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChat, remoteJID)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO entity (session, remote_jid, kind, created_ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session, remote_jid) DO NOTHING
	`, session, remoteJID, string(kind), s.nowMS())
	if err != nil {
		return nil, fmt.Errorf("failed to insert entity: %w", err)
	}
	return s.GetEntity(ctx, session, remoteJID)
}

func (s *Store) GetEntity(ctx context.Context, session, remoteJID string) (*Entity, error) {
	var (
		ent       Entity
		kind      string
		createdTS int64
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, session, remote_jid, kind, created_ts FROM entity WHERE session=$1 AND remote_jid=$2`,
		session, remoteJID,
	).Scan(&ent.ID, &ent.Session, &ent.RemoteJID, &kind, &createdTS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	ent.Kind = wamsg.ChatKind(kind)
	ent.Created = fromMS(createdTS)
	return &ent, nil
}

// DeleteSession removes every chat of a session. Messages, staged revokes
// and requests go with them through the foreign keys.
func (s *Store) DeleteSession(ctx context.Context, session string) (int64, error) {
	res, err := s.db.Exec(ctx, `DELETE FROM entity WHERE session=$1`, session)
	if err != nil {
		return 0, fmt.Errorf("failed to delete session %s: %w", session, err)
	}
	return res.RowsAffected()
}
