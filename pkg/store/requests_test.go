package store

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrhodin/wabot/pkg/wamsg"
)

func TestReserveDeletionRequestOncePerTarget(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	anchor := wamsg.Key{ID: "CMD1", Sender: "u1@s.whatsapp.net"}

	req, created, err := s.ReserveDeletionRequest(ctx, testSession, testGroup, "T1", "u1@s.whatsapp.net", anchor)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Empty(t, req.ConfirmID)
	assert.Equal(t, "CMD1", req.Anchor.ID)
	assert.Equal(t, testGroup, req.Anchor.Chat)

	again, created, err := s.ReserveDeletionRequest(ctx, testSession, testGroup, "T1", "u2@s.whatsapp.net", wamsg.Key{ID: "CMD2"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, req.ID, again.ID)
	assert.Equal(t, "u1@s.whatsapp.net", again.RequestedBy)

	// Two unconfirmed reservations for different targets do not collide.
	_, created, err = s.ReserveDeletionRequest(ctx, testSession, testGroup, "T2", "u1@s.whatsapp.net", anchor)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestDeletionRequestConfirmLookup(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	req, _, err := s.ReserveDeletionRequest(ctx, testSession, testGroup, "T1", "u1", wamsg.Key{ID: "CMD"})
	require.NoError(t, err)
	require.NoError(t, s.AttachDeletionConfirm(ctx, req.ID, "CONFIRM"))

	found, err := s.GetDeletionRequestByConfirm(ctx, testSession, testGroup, "CONFIRM")
	require.NoError(t, err)
	assert.Equal(t, "T1", found.MessageID)

	_, err = s.GetDeletionRequestByConfirm(ctx, testSession, testContact, "CONFIRM")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.ReleaseDeletionRequest(ctx, req.ID))
	_, err = s.GetDeletionRequestByConfirm(ctx, testSession, testGroup, "CONFIRM")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.AttachDeletionConfirm(ctx, req.ID, "X"), ErrNotFound)
}

func TestUpdateDeletionRequestConcurrentVotes(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	req, _, err := s.ReserveDeletionRequest(ctx, testSession, testGroup, "T1", "u0", wamsg.Key{ID: "CMD"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(voter string) {
			defer wg.Done()
			_, _, err := s.UpdateDeletionRequest(ctx, req.ID, func(r *DeletionRequest) bool {
				r.Agrees = append(r.Agrees, voter)
				return true
			})
			assert.NoError(t, err)
		}(fmt.Sprintf("u%d", i))
	}
	wg.Wait()

	final, err := s.GetDeletionRequest(ctx, testSession, testGroup, "T1")
	require.NoError(t, err)
	assert.Len(t, final.Agrees, 8)
	assert.EqualValues(t, 8, final.Version)
}

func TestUpdateDeletionRequestNoChange(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	req, _, err := s.ReserveDeletionRequest(ctx, testSession, testGroup, "T1", "u0", wamsg.Key{ID: "CMD"})
	require.NoError(t, err)
	current, changed, err := s.UpdateDeletionRequest(ctx, req.ID, func(r *DeletionRequest) bool {
		r.Agrees = append(r.Agrees, "ignored")
		return false
	})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, current.Agrees)
	assert.EqualValues(t, 0, current.Version)
}

func TestDeletionRequestExecution(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	req, _, err := s.ReserveDeletionRequest(ctx, testSession, testGroup, "T1", "u0", wamsg.Key{ID: "CMD"})
	require.NoError(t, err)
	ok, err := s.ClaimDeletionExecution(ctx, req.ID, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "pending requests can't be executed")
	assert.ErrorIs(t, s.MarkDeletionExecuted(ctx, req.ID), ErrNotFound, "pending requests have nothing to execute")

	closed, changed, err := s.UpdateDeletionRequest(ctx, req.ID, func(r *DeletionRequest) bool {
		r.Done = true
		r.Outcome = DeletionApproved
		return true
	})
	require.NoError(t, err)
	require.True(t, changed)
	assert.False(t, closed.Executed)

	unexecuted, err := s.ListUnexecutedDeletionRequests(ctx, testSession)
	require.NoError(t, err)
	require.Len(t, unexecuted, 1)
	assert.Equal(t, DeletionApproved, unexecuted[0].Outcome)

	ok, err = s.ClaimDeletionExecution(ctx, req.ID, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ClaimDeletionExecution(ctx, req.ID, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")
	require.NoError(t, s.ReleaseDeletionExecution(ctx, req.ID))
	ok, err = s.ClaimDeletionExecution(ctx, req.ID, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released claims can be taken again")

	require.NoError(t, s.MarkDeletionExecuted(ctx, req.ID))
	stored, err := s.GetDeletionRequest(ctx, testSession, testGroup, "T1")
	require.NoError(t, err)
	assert.True(t, stored.Executed)
	assert.Equal(t, DeletionApproved, stored.Outcome)
	unexecuted, err = s.ListUnexecutedDeletionRequests(ctx, testSession)
	require.NoError(t, err)
	assert.Empty(t, unexecuted)
	ok, err = s.ClaimDeletionExecution(ctx, req.ID, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "executed requests are never claimed")
}

func TestListDeletionRequests(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	first, _, err := s.ReserveDeletionRequest(ctx, testSession, testGroup, "T1", "u0", wamsg.Key{ID: "CMD"})
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, _, err = s.ReserveDeletionRequest(ctx, testSession, testGroup, "T2", "u0", wamsg.Key{ID: "CMD"})
	require.NoError(t, err)
	_, _, err = s.UpdateDeletionRequest(ctx, first.ID, func(r *DeletionRequest) bool {
		r.Done = true
		return true
	})
	require.NoError(t, err)

	all, err := s.ListDeletionRequests(ctx, "", false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "T2", all[0].MessageID)

	pending, err := s.ListDeletionRequests(ctx, testSession, true)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "T2", pending[0].MessageID)

	stale, err := s.ListStaleDeletionRequests(ctx, clock.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	stale, err = s.ListStaleDeletionRequests(ctx, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestDisclosureRequestLifecycle(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	req, created, err := s.ReserveDisclosureRequest(ctx, testSession, testGroup, "V1", "req@s.whatsapp.net", "snd@s.whatsapp.net", wamsg.Key{ID: "CMD"})
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = s.ReserveDisclosureRequest(ctx, testSession, testGroup, "V1", "other@s.whatsapp.net", "snd@s.whatsapp.net", wamsg.Key{ID: "CMD2"})
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, s.AttachDisclosureConfirm(ctx, req.ID, "PROMPT"))
	found, err := s.GetDisclosureRequestByConfirm(ctx, testSession, testGroup, "PROMPT")
	require.NoError(t, err)
	assert.Equal(t, "snd@s.whatsapp.net", found.Sender)

	ok, err := s.ClaimDisclosureRequest(ctx, req.ID, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ClaimDisclosureRequest(ctx, req.ID, 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second claim must lose")

	clock.Advance(6 * time.Minute)
	ok, err = s.ClaimDisclosureRequest(ctx, req.ID, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "stale claim can be taken over")

	require.NoError(t, s.UnclaimDisclosureRequest(ctx, req.ID))
	ok, err = s.ClaimDisclosureRequest(ctx, req.ID, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.AcceptDisclosureRequest(ctx, req.ID))
	ok, err = s.ClaimDisclosureRequest(ctx, req.ID, 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "accepted requests cannot be claimed")

	pending, err := s.ListDisclosureRequests(ctx, testSession, true)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDisclosurePostingMark(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()

	req, _, err := s.ReserveDisclosureRequest(ctx, testSession, testGroup, "V1", "req", "snd", wamsg.Key{ID: "CMD"})
	require.NoError(t, err)
	ok, err := s.ClaimDisclosureRequest(ctx, req.ID, 5*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.MarkDisclosurePosting(ctx, req.ID))

	stored, err := s.GetDisclosureRequest(ctx, testSession, testGroup, "V1")
	require.NoError(t, err)
	assert.False(t, stored.PostingAt.IsZero())

	clock.Advance(time.Hour)
	ok, err = s.ClaimDisclosureRequest(ctx, req.ID, 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "a request that may have been posted is never claimed again")

	require.NoError(t, s.AcceptDisclosureRequest(ctx, req.ID))
	stored, err = s.GetDisclosureRequest(ctx, testSession, testGroup, "V1")
	require.NoError(t, err)
	assert.True(t, stored.Accepted)
	assert.True(t, stored.PostingAt.IsZero())
	assert.True(t, stored.ClaimedAt.IsZero())
}

func TestFailDisclosureRequestKeepsHistory(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	req, _, err := s.ReserveDisclosureRequest(ctx, testSession, testGroup, "V1", "req", "snd", wamsg.Key{ID: "CMD"})
	require.NoError(t, err)
	require.NoError(t, s.FailDisclosureRequest(ctx, req, 10, "media gone"))

	_, err = s.GetDisclosureRequest(ctx, testSession, testGroup, "V1")
	assert.ErrorIs(t, err, ErrNotFound)

	failures, err := s.ListDisclosureFailures(ctx, testSession, testGroup)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, 10, failures[0].Attempts)
	assert.Equal(t, "media gone", failures[0].LastError)

	// The target can be requested again after a failure.
	_, created, err := s.ReserveDisclosureRequest(ctx, testSession, testGroup, "V1", "req", "snd", wamsg.Key{ID: "CMD"})
	require.NoError(t, err)
	assert.True(t, created)
}
