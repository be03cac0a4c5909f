package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lrhodin/wabot/pkg/wamsg"
)

type DeletionOutcome string

const (
	DeletionPending  DeletionOutcome = ""
	DeletionApproved DeletionOutcome = "approved"
	DeletionRejected DeletionOutcome = "rejected"
	DeletionExpired  DeletionOutcome = "expired"
)

// DeletionRequest is a quorum vote on deleting one message of a group.
type DeletionRequest struct {
	ID          int64
	EntityID    int64
	Session     string
	Chat        string
	MessageID   string
	ConfirmID   string
	RequestedBy string
	// Anchor is the command message the request was made with.
	Anchor    wamsg.Key
	Agrees    []string
	Disagrees []string
	Done      bool
	Outcome   DeletionOutcome
	// Executed is set once the closing actions of a done request (deleting
	// the target, editing the prompt) have gone through.
	Executed bool
	Version  int64
	Created  time.Time
	Updated  time.Time
}

func (r *DeletionRequest) clone() *DeletionRequest {
	c := *r
	c.Agrees = slices.Clone(r.Agrees)
	c.Disagrees = slices.Clone(r.Disagrees)
	return &c
}

const deletionColumns = `r.id, r.entity_id, e.session, e.remote_jid, r.message_id, r.confirm_id, r.requested_by,
	r.anchor_id, r.anchor_sender, r.agrees, r.disagrees, r.done, r.outcome, r.executed, r.version, r.created_ts, r.updated_ts`

const deletionFrom = ` FROM deletion_request r JOIN entity e ON e.id=r.entity_id `

func scanDeletionRequest(row rowScanner) (*DeletionRequest, error) {
	var (
		req                  DeletionRequest
		confirmID            sql.NullString
		agrees, disagrees    string
		outcome              string
		createdTS, updatedTS int64
	)
	err := row.Scan(
		&req.ID, &req.EntityID, &req.Session, &req.Chat, &req.MessageID, &confirmID, &req.RequestedBy,
		&req.Anchor.ID, &req.Anchor.Sender, &agrees, &disagrees, &req.Done, &outcome, &req.Executed, &req.Version, &createdTS, &updatedTS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	req.ConfirmID = confirmID.String
	req.Outcome = DeletionOutcome(outcome)
	req.Anchor.Chat = req.Chat
	if err = json.Unmarshal([]byte(agrees), &req.Agrees); err != nil {
		return nil, fmt.Errorf("failed to parse agrees of request %d: %w", req.ID, err)
	}
	if err = json.Unmarshal([]byte(disagrees), &req.Disagrees); err != nil {
		return nil, fmt.Errorf("failed to parse disagrees of request %d: %w", req.ID, err)
	}
	req.Created = fromMS(createdTS)
	req.Updated = fromMS(updatedTS)
	return &req, nil
}

// ReserveDeletionRequest creates a request for the target message unless one
// already exists. The returned bool is true when this call created it.
// The confirmation id is attached separately once the prompt is sent.
func (s *Store) ReserveDeletionRequest(ctx context.Context, session, chat, messageID, requestedBy string, anchor wamsg.Key) (*DeletionRequest, bool, error) {
	ent, err := s.EnsureEntity(ctx, session, chat)
	if err != nil {
		return nil, false, err
	}
	nowMS := s.nowMS()
	res, err := s.db.Exec(ctx, `
		INSERT INTO deletion_request (entity_id, message_id, requested_by, anchor_id, anchor_sender, created_ts, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (entity_id, message_id) DO NOTHING
	`, ent.ID, messageID, requestedBy, anchor.ID, anchor.Sender, nowMS)
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve deletion request: %w", err)
	}
	created, _ := res.RowsAffected()
	req, err := s.GetDeletionRequest(ctx, session, chat, messageID)
	if err != nil {
		return nil, false, err
	}
	return req, created > 0, nil
}

func (s *Store) GetDeletionRequest(ctx context.Context, session, chat, messageID string) (*DeletionRequest, error) {
	return scanDeletionRequest(s.db.QueryRow(ctx,
		`SELECT `+deletionColumns+deletionFrom+`WHERE e.session=$1 AND e.remote_jid=$2 AND r.message_id=$3`,
		session, chat, messageID,
	))
}

func (s *Store) GetDeletionRequestByConfirm(ctx context.Context, session, chat, confirmID string) (*DeletionRequest, error) {
	return scanDeletionRequest(s.db.QueryRow(ctx,
		`SELECT `+deletionColumns+deletionFrom+`WHERE e.session=$1 AND e.remote_jid=$2 AND r.confirm_id=$3`,
		session, chat, confirmID,
	))
}

func (s *Store) getDeletionRequestByID(ctx context.Context, id int64) (*DeletionRequest, error) {
	return scanDeletionRequest(s.db.QueryRow(ctx,
		`SELECT `+deletionColumns+deletionFrom+`WHERE r.id=$1`, id,
	))
}

func (s *Store) AttachDeletionConfirm(ctx context.Context, id int64, confirmID string) error {
	res, err := s.db.Exec(ctx,
		`UPDATE deletion_request SET confirm_id=$1, updated_ts=$2 WHERE id=$3`,
		nullableString(confirmID), s.nowMS(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to attach confirmation to deletion request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseDeletionRequest removes a request, used when its prompt could not
// be sent or when an operator cancels it.
func (s *Store) ReleaseDeletionRequest(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx, `DELETE FROM deletion_request WHERE id=$1`, id)
	return err
}

// UpdateDeletionRequest applies fn to the current state of the request and
// writes the result with a compare-and-swap on the version column, retrying
// with fresh state when another writer got there first. fn returns false to
// leave the request untouched. The returned bool reports whether this call
// committed a change.
func (s *Store) UpdateDeletionRequest(ctx context.Context, id int64, fn func(req *DeletionRequest) bool) (*DeletionRequest, bool, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.getDeletionRequestByID(ctx, id)
		if err != nil {
			return nil, false, err
		}
		next := current.clone()
		if !fn(next) {
			return current, false, nil
		}
		agrees, err := json.Marshal(nonNil(next.Agrees))
		if err != nil {
			return nil, false, err
		}
		disagrees, err := json.Marshal(nonNil(next.Disagrees))
		if err != nil {
			return nil, false, err
		}
		nowMS := s.nowMS()
		res, err := s.db.Exec(ctx, `
			UPDATE deletion_request SET agrees=$1, disagrees=$2, done=$3, outcome=$4, version=version+1, updated_ts=$5
			WHERE id=$6 AND version=$7
		`, string(agrees), string(disagrees), next.Done, string(next.Outcome), nowMS, id, current.Version)
		if err != nil {
			return nil, false, fmt.Errorf("failed to update deletion request: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			next.Version = current.Version + 1
			next.Updated = fromMS(nowMS)
			return next, true, nil
		}
		s.log.Debug().Int64("request_id", id).Int("attempt", attempt).Msg("Deletion request changed concurrently, retrying")
	}
	return nil, false, ErrConflict
}

// ClaimDeletionExecution reserves the closing actions of a done request for
// the caller. Only one caller wins; a claim older than staleAfter can be
// taken over.
func (s *Store) ClaimDeletionExecution(ctx context.Context, id int64, staleAfter time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.Exec(ctx, `
		UPDATE deletion_request SET executing_ts=$1, updated_ts=$1
		WHERE id=$2 AND done=TRUE AND executed=FALSE AND (executing_ts=0 OR executing_ts < $3)
	`, now.UnixMilli(), id, now.Add(-staleAfter).UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to claim deletion request execution: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ReleaseDeletionExecution gives up an execution claim so the closing
// actions can be retried right away.
func (s *Store) ReleaseDeletionExecution(ctx context.Context, id int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE deletion_request SET executing_ts=0, updated_ts=$1 WHERE id=$2 AND executed=FALSE`,
		s.nowMS(), id,
	)
	return err
}

// MarkDeletionExecuted records that the closing actions of a done request
// have completed.
func (s *Store) MarkDeletionExecuted(ctx context.Context, id int64) error {
	res, err := s.db.Exec(ctx,
		`UPDATE deletion_request SET executed=TRUE, executing_ts=0, updated_ts=$1 WHERE id=$2 AND done=TRUE`,
		s.nowMS(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark deletion request executed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUnexecutedDeletionRequests returns done requests of the session whose
// closing actions have not completed yet.
func (s *Store) ListUnexecutedDeletionRequests(ctx context.Context, session string) ([]*DeletionRequest, error) {
	return s.queryDeletionRequests(ctx,
		`SELECT `+deletionColumns+deletionFrom+`WHERE e.session=$1 AND r.done=TRUE AND r.executed=FALSE ORDER BY r.updated_ts`,
		session,
	)
}

// ListDeletionRequests lists requests of a session, newest first. An empty
// session lists every session.
func (s *Store) ListDeletionRequests(ctx context.Context, session string, pendingOnly bool) ([]*DeletionRequest, error) {
	query := `SELECT ` + deletionColumns + deletionFrom + `WHERE ($1='' OR e.session=$1)`
	if pendingOnly {
		query += ` AND r.done=FALSE`
	}
	query += ` ORDER BY r.created_ts DESC, r.id DESC`
	return s.queryDeletionRequests(ctx, query, session)
}

// ListStaleDeletionRequests returns pending requests created before the
// given time.
func (s *Store) ListStaleDeletionRequests(ctx context.Context, before time.Time) ([]*DeletionRequest, error) {
	return s.queryDeletionRequests(ctx,
		`SELECT `+deletionColumns+deletionFrom+`WHERE r.done=FALSE AND r.created_ts < $1 ORDER BY r.created_ts`,
		before.UnixMilli(),
	)
}

func (s *Store) queryDeletionRequests(ctx context.Context, query string, args ...any) ([]*DeletionRequest, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*DeletionRequest, 0)
	for rows.Next() {
		req, err := scanDeletionRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
