package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lrhodin/wabot/pkg/wamsg"
)

// DisclosureRequest asks the sender of a view-once message for consent to
// re-post it.
type DisclosureRequest struct {
	ID          int64
	EntityID    int64
	Session     string
	Chat        string
	MessageID   string
	ConfirmID   string
	RequestedBy string
	Sender      string
	Anchor      wamsg.Key
	Accepted    bool
	ClaimedAt   time.Time
	// PostingAt is set right before the media is sent. A request that has it
	// but is not accepted may already have been posted.
	PostingAt time.Time
	Created   time.Time
	Updated   time.Time
}

const disclosureColumns = `r.id, r.entity_id, e.session, e.remote_jid, r.message_id, r.confirm_id, r.requested_by, r.sender,
	r.anchor_id, r.anchor_sender, r.accepted, r.claimed_ts, r.posting_ts, r.created_ts, r.updated_ts`

const disclosureFrom = ` FROM disclosure_request r JOIN entity e ON e.id=r.entity_id `

func scanDisclosureRequest(row rowScanner) (*DisclosureRequest, error) {
	var (
		req                                        DisclosureRequest
		confirmID                                  sql.NullString
		claimedTS, postingTS, createdTS, updatedTS int64
	)
	err := row.Scan(
		&req.ID, &req.EntityID, &req.Session, &req.Chat, &req.MessageID, &confirmID, &req.RequestedBy, &req.Sender,
		&req.Anchor.ID, &req.Anchor.Sender, &req.Accepted, &claimedTS, &postingTS, &createdTS, &updatedTS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	req.ConfirmID = confirmID.String
	req.Anchor.Chat = req.Chat
	req.ClaimedAt = fromMS(claimedTS)
	req.PostingAt = fromMS(postingTS)
	req.Created = fromMS(createdTS)
	req.Updated = fromMS(updatedTS)
	return &req, nil
}

// ReserveDisclosureRequest creates a request for the view-once message
// unless one already exists. The returned bool is true when this call
// created it.
func (s *Store) ReserveDisclosureRequest(ctx context.Context, session, chat, messageID, requestedBy, sender string, anchor wamsg.Key) (*DisclosureRequest, bool, error) {
	ent, err := s.EnsureEntity(ctx, session, chat)
	if err != nil {
		return nil, false, err
	}
	nowMS := s.nowMS()
	res, err := s.db.Exec(ctx, `
		INSERT INTO disclosure_request (entity_id, message_id, requested_by, sender, anchor_id, anchor_sender, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (entity_id, message_id) DO NOTHING
	`, ent.ID, messageID, requestedBy, sender, anchor.ID, anchor.Sender, nowMS)
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve disclosure request: %w", err)
	}
	created, _ := res.RowsAffected()
	req, err := s.GetDisclosureRequest(ctx, session, chat, messageID)
	if err != nil {
		return nil, false, err
	}
	return req, created > 0, nil
}

func (s *Store) GetDisclosureRequest(ctx context.Context, session, chat, messageID string) (*DisclosureRequest, error) {
	return scanDisclosureRequest(s.db.QueryRow(ctx,
		`SELECT `+disclosureColumns+disclosureFrom+`WHERE e.session=$1 AND e.remote_jid=$2 AND r.message_id=$3`,
		session, chat, messageID,
	))
}

func (s *Store) GetDisclosureRequestByConfirm(ctx context.Context, session, chat, confirmID string) (*DisclosureRequest, error) {
	return scanDisclosureRequest(s.db.QueryRow(ctx,
		`SELECT `+disclosureColumns+disclosureFrom+`WHERE e.session=$1 AND e.remote_jid=$2 AND r.confirm_id=$3`,
		session, chat, confirmID,
	))
}

func (s *Store) AttachDisclosureConfirm(ctx context.Context, id int64, confirmID string) error {
	res, err := s.db.Exec(ctx,
		`UPDATE disclosure_request SET confirm_id=$1, updated_ts=$2 WHERE id=$3`,
		nullableString(confirmID), s.nowMS(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to attach confirmation to disclosure request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ReleaseDisclosureRequest(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `DELETE FROM disclosure_request WHERE id=$1`, id)
	return err
}

// ClaimDisclosureRequest marks the request as being processed. Only one
// caller wins the claim; a claim older than staleAfter can be taken over.
// Requests with a posting mark are never claimed again.
func (s *Store) ClaimDisclosureRequest(ctx context.Context, id int64, staleAfter time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.Exec(ctx, `
		UPDATE disclosure_request SET claimed_ts=$1, updated_ts=$1
		WHERE id=$2 AND accepted=FALSE AND posting_ts=0 AND (claimed_ts=0 OR claimed_ts < $3)
	`, now.UnixMilli(), id, now.Add(-staleAfter).UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to claim disclosure request: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkDisclosurePosting records that the media of a claimed request is
// about to be sent.
func (s *Store) MarkDisclosurePosting(ctx context.Context, id int64) error {
	res, err := s.db.Exec(ctx,
		`UPDATE disclosure_request SET posting_ts=$1, updated_ts=$1 WHERE id=$2 AND accepted=FALSE`,
		s.nowMS(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark disclosure request posting: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UnclaimDisclosureRequest releases the claim and the posting mark, used when
// the media was certainly not posted.
func (s *Store) UnclaimDisclosureRequest(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE disclosure_request SET claimed_ts=0, posting_ts=0, updated_ts=$1 WHERE id=$2 AND accepted=FALSE`,
		s.nowMS(), id,
	)
	return err
}

func (s *Store) AcceptDisclosureRequest(ctx context.Context, id int64) error {
	res, err := s.db.Exec(ctx,
		`UPDATE disclosure_request SET accepted=TRUE, claimed_ts=0, posting_ts=0, updated_ts=$1 WHERE id=$2`,
		s.nowMS(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to accept disclosure request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailDisclosureRequest records why a request could not be fulfilled and
// deletes it, so the media can be requested again later.
func (s *Store) FailDisclosureRequest(ctx context.Context, req *DisclosureRequest, attempts int, lastErr string) error {
	tx, err := s.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO disclosure_failure (entity_id, message_id, requested_by, attempts, last_error, failed_ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, req.EntityID, req.MessageID, req.RequestedBy, attempts, lastErr, s.nowMS())
	if err != nil {
		return fmt.Errorf("failed to record disclosure failure: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM disclosure_request WHERE id=?`, req.ID); err != nil {
		return fmt.Errorf("failed to delete disclosure request: %w", err)
	}
	return tx.Commit()
}

type DisclosureFailure struct {
	MessageID   string
	RequestedBy string
	Attempts    int
	LastError   string
	Failed      time.Time
}

func (s *Store) ListDisclosureFailures(ctx context.Context, session, chat string) ([]DisclosureFailure, error) {
	rows, err := s.db.Query(ctx, `
		SELECT f.message_id, f.requested_by, f.attempts, f.last_error, f.failed_ts
		FROM disclosure_failure f JOIN entity e ON e.id=f.entity_id
		WHERE e.session=$1 AND e.remote_jid=$2
		ORDER BY f.failed_ts DESC, f.id DESC
	`, session, chat)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]DisclosureFailure, 0)
	for rows.Next() {
		var (
			f        DisclosureFailure
			failedTS int64
		)
		if err = rows.Scan(&f.MessageID, &f.RequestedBy, &f.Attempts, &f.LastError, &failedTS); err != nil {
			return nil, err
		}
		f.Failed = fromMS(failedTS)
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) ListDisclosureRequests(ctx context.Context, session string, pendingOnly bool) ([]*DisclosureRequest, error) {
	query := `SELECT ` + disclosureColumns + disclosureFrom + `WHERE ($1='' OR e.session=$1)`
	if pendingOnly {
		query += ` AND r.accepted=FALSE`
	}
	query += ` ORDER BY r.created_ts DESC, r.id DESC`
	rows, err := s.db.Query(ctx, query, session)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*DisclosureRequest, 0)
	for rows.Next() {
		req, err := scanDisclosureRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}
