package assignment_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/foodshare/fulfillment/internal/assignment"
	"github.com/foodshare/fulfillment/internal/batching"
	"github.com/foodshare/fulfillment/internal/models"
	"github.com/foodshare/fulfillment/internal/notify"
	"github.com/foodshare/fulfillment/internal/otp"
	"github.com/foodshare/fulfillment/internal/storage"
)

type batchFixture struct {
	ctx     context.Context
	st      *storage.MemoryStore
	gateway *recordingGateway
	svc     *assignment.BatchService
	engine  *batching.Engine
	now     time.Time
}

func newBatchFixture(t *testing.T, sizes ...models.Size) *batchFixture {
	t.Helper()
	st, err := storage.New("")
	require.NoError(t, err)
	fx := &batchFixture{ctx: context.Background(), st: st, gateway: &recordingGateway{}, now: base}
	clock := func() time.Time { return fx.now }
	st.SetClock(clock)
	fx.svc = assignment.NewBatchService(st, fx.gateway, nil, assignment.Config{RequestTTL: 30 * time.Minute})
	fx.svc.SetClock(clock)
	fx.engine = batching.NewEngine(st, nil, batching.Config{})

	for i, size := range sizes {
		require.NoError(t, st.CreateFood(fx.ctx, &models.FoodItem{
			ID: string(rune('A' + i)), CampaignID: "c1", BusinessID: "B1", Name: "crate",
			Size: size, Status: models.StatusPending,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, st.AddVolunteer(&models.VolunteerProfile{ID: "V", TransportCapacity: models.SizeMedium}, "c1"))
	require.NoError(t, st.AddVolunteer(&models.VolunteerProfile{ID: "L", TransportCapacity: models.SizeLarge}, "c1"))
	return fx
}

func (fx *batchFixture) onlyBatch(t *testing.T) *models.Batch {
	t.Helper()
	batches, err := fx.engine.GenerateBatches(fx.ctx, "c1")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	return batches[0]
}

func TestBatchEndToEnd(t *testing.T) {
	fx := newBatchFixture(t, models.SizeSmall, models.SizeSmall)
	b := fx.onlyBatch(t)
	assert.Equal(t, []string{"A", "B"}, b.ItemIDs)
	assert.Equal(t, models.SizeSmall, b.RequiredCapacity)

	_, err := fx.svc.RequestAssignment(fx.ctx, b.ID, "V")
	require.NoError(t, err)
	accepted, members, err := fx.svc.Accept(fx.ctx, b.ID, "V")
	require.NoError(t, err)
	assert.Equal(t, models.BatchAssigned, accepted.Status)
	require.Len(t, members, 2)
	for _, m := range members {
		assert.Equal(t, models.StatusAssigned, m.Status)
		assert.Equal(t, "V", m.AssignedVolunteerID)
	}

	cfg := otp.DefaultConfig()
	cfg.HashCost = bcrypt.MinCost
	codes := otp.NewService(fx.st, nil, nil, cfg)
	for _, id := range []string{"A", "B"} {
		for _, p := range []models.CodePurpose{models.PurposePickup, models.PurposeDelivery} {
			code, err := codes.Issue(fx.ctx, id, p)
			require.NoError(t, err)
			_, err = codes.Verify(fx.ctx, id, p, code, "V")
			require.NoError(t, err)
		}
		got, _, err := fx.svc.Get(fx.ctx, b.ID)
		require.NoError(t, err)
		if id == "A" {
			assert.Equal(t, models.BatchAssigned, got.Status, "one delivered member is not enough")
		} else {
			assert.Equal(t, models.BatchCompleted, got.Status)
		}
	}
}

func TestBatchRequestCapacityMismatch(t *testing.T) {
	fx := newBatchFixture(t, models.SizeLarge)
	b := fx.onlyBatch(t)
	assert.Equal(t, models.SizeLarge, b.RequiredCapacity)

	_, err := fx.svc.RequestAssignment(fx.ctx, b.ID, "V")
	assert.True(t, errors.Is(err, models.ErrCapacityMismatch))

	_, err = fx.svc.ActiveRequest(fx.ctx, b.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	f, err := fx.st.GetFood(fx.ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, f.Status)
}

func TestBatchAcceptRechecksCapacity(t *testing.T) {
	fx := newBatchFixture(t, models.SizeLarge, models.SizeSmall)
	b := fx.onlyBatch(t)

	_, err := fx.svc.RequestAssignment(fx.ctx, b.ID, "L")
	require.NoError(t, err)
	// The volunteer's transport was downgraded after the offer.
	require.NoError(t, fx.st.AddVolunteer(&models.VolunteerProfile{ID: "L", TransportCapacity: models.SizeMedium}, "c1"))

	_, _, err = fx.svc.Accept(fx.ctx, b.ID, "L")
	assert.True(t, errors.Is(err, models.ErrCapacityMismatch))

	got, members, err := fx.svc.Get(fx.ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchPending, got.Status)
	for _, m := range members {
		assert.Equal(t, models.StatusPending, m.Status)
		assert.Empty(t, m.AssignedVolunteerID)
	}
	_, err = fx.svc.ActiveRequest(fx.ctx, b.ID)
	assert.NoError(t, err, "a failed accept leaves the request open")
}

func TestBatchAcceptAllOrNothing(t *testing.T) {
	fx := newBatchFixture(t, models.SizeSmall, models.SizeSmall)
	b := fx.onlyBatch(t)
	_, err := fx.svc.RequestAssignment(fx.ctx, b.ID, "V")
	require.NoError(t, err)

	_, err = fx.st.UpdateStatus(fx.ctx, "B", models.StatusPending, models.StatusRequested, "")
	require.NoError(t, err)

	_, _, err = fx.svc.Accept(fx.ctx, b.ID, "V")
	require.Error(t, err)

	a, err := fx.st.GetFood(fx.ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, a.Status)
	assert.Empty(t, a.AssignedVolunteerID)

	stored, err := fx.st.GetBatch(fx.ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.AssignedVolunteerID)
}

func TestBatchAcceptByOtherVolunteer(t *testing.T) {
	fx := newBatchFixture(t, models.SizeSmall)
	b := fx.onlyBatch(t)
	_, err := fx.svc.RequestAssignment(fx.ctx, b.ID, "V")
	require.NoError(t, err)

	_, _, err = fx.svc.Accept(fx.ctx, b.ID, "L")
	assert.True(t, errors.Is(err, models.ErrUnauthorized))
}

func TestBatchSecondRequestConflicts(t *testing.T) {
	fx := newBatchFixture(t, models.SizeSmall)
	b := fx.onlyBatch(t)
	_, err := fx.svc.RequestAssignment(fx.ctx, b.ID, "V")
	require.NoError(t, err)

	_, err = fx.svc.RequestAssignment(fx.ctx, b.ID, "L")
	assert.True(t, errors.Is(err, models.ErrConflict))
}

func TestBatchAlreadyAssigned(t *testing.T) {
	fx := newBatchFixture(t, models.SizeSmall)
	b := fx.onlyBatch(t)
	_, err := fx.svc.RequestAssignment(fx.ctx, b.ID, "V")
	require.NoError(t, err)
	_, _, err = fx.svc.Accept(fx.ctx, b.ID, "V")
	require.NoError(t, err)

	_, err = fx.svc.RequestAssignment(fx.ctx, b.ID, "L")
	assert.True(t, errors.Is(err, models.ErrInvalidState))
}

func TestBatchDecline(t *testing.T) {
	fx := newBatchFixture(t, models.SizeSmall, models.SizeSmall)
	b := fx.onlyBatch(t)
	_, err := fx.svc.RequestAssignment(fx.ctx, b.ID, "V")
	require.NoError(t, err)

	got, err := fx.svc.Decline(fx.ctx, b.ID, "V")
	require.NoError(t, err)
	assert.Equal(t, models.BatchPending, got.Status)

	for _, id := range b.ItemIDs {
		f, err := fx.st.GetFood(fx.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, f.Status)
		assert.Equal(t, b.ID, f.BatchID, "members stay in the batch")
	}
	_, err = fx.svc.RequestAssignment(fx.ctx, b.ID, "L")
	assert.NoError(t, err)
}

func TestBatchAcceptExpired(t *testing.T) {
	fx := newBatchFixture(t, models.SizeSmall)
	b := fx.onlyBatch(t)
	_, err := fx.svc.RequestAssignment(fx.ctx, b.ID, "V")
	require.NoError(t, err)

	fx.now = base.Add(time.Hour)
	_, _, err = fx.svc.Accept(fx.ctx, b.ID, "V")
	assert.True(t, errors.Is(err, models.ErrExpired))

	f, err := fx.st.GetFood(fx.ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, f.Status)
	assert.Contains(t, fx.gateway.kinds(), notify.EventAssignmentExpired)
}

func TestBatchExpiredRequestSettledForOtherVolunteer(t *testing.T) {
	fx := newBatchFixture(t, models.SizeSmall)
	b := fx.onlyBatch(t)
	_, err := fx.svc.RequestAssignment(fx.ctx, b.ID, "V")
	require.NoError(t, err)

	fx.now = base.Add(time.Hour)
	_, _, err = fx.svc.Accept(fx.ctx, b.ID, "L")
	assert.True(t, errors.Is(err, models.ErrExpired), "got %v", err)
	assert.False(t, errors.Is(err, models.ErrUnauthorized))

	_, err = fx.svc.ActiveRequest(fx.ctx, b.ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
	f, err := fx.st.GetFood(fx.ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, f.Status)
	assert.Contains(t, fx.gateway.kinds(), notify.EventAssignmentExpired)
}

func TestBatchDeclineExpiredByOtherVolunteer(t *testing.T) {
	fx := newBatchFixture(t, models.SizeSmall)
	b := fx.onlyBatch(t)
	_, err := fx.svc.RequestAssignment(fx.ctx, b.ID, "V")
	require.NoError(t, err)

	fx.now = base.Add(time.Hour)
	_, err = fx.svc.Decline(fx.ctx, b.ID, "L")
	assert.True(t, errors.Is(err, models.ErrNotFound), "got %v", err)

	_, err = fx.svc.RequestAssignment(fx.ctx, b.ID, "L")
	assert.NoError(t, err, "the settled batch can be offered again")
}

func TestBatchList(t *testing.T) {
	fx := newBatchFixture(t, models.SizeLarge, models.SizeSmall)
	batches, err := fx.engine.GenerateBatches(fx.ctx, "c1")
	require.NoError(t, err)
	require.Len(t, batches, 1)

	listed, err := fx.svc.List(fx.ctx, "c1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, models.BatchPending, listed[0].Status)
}
