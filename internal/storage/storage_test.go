package storage_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodshare/fulfillment/internal/models"
	"github.com/foodshare/fulfillment/internal/repository"
	"github.com/foodshare/fulfillment/internal/storage"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setupStorage(t *testing.T, dataFile string) *storage.MemoryStore {
	t.Helper()
	st, err := storage.New(dataFile)
	require.NoError(t, err)
	st.SetClock(func() time.Time { return base })
	return st
}

func addFood(t *testing.T, st *storage.MemoryStore, id string, size models.Size, offset time.Duration) *models.FoodItem {
	t.Helper()
	f := &models.FoodItem{
		ID:         id,
		CampaignID: "c1",
		BusinessID: "b1",
		Name:       "bread " + id,
		Size:       size,
		Status:     models.StatusPending,
		CreatedAt:  base.Add(offset),
		UpdatedAt:  base.Add(offset),
	}
	require.NoError(t, st.CreateFood(context.Background(), f))
	return f
}

func TestCreateAndGetFood(t *testing.T) {
	st := setupStorage(t, "")
	ctx := context.Background()
	addFood(t, st, "f1", models.SizeSmall, 0)

	got, err := st.GetFood(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)

	err = st.CreateFood(ctx, &models.FoodItem{ID: "f1"})
	assert.True(t, errors.Is(err, models.ErrConflict))

	_, err = st.GetFood(ctx, "missing")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestUpdateStatusCompareAndSwap(t *testing.T) {
	st := setupStorage(t, "")
	ctx := context.Background()
	addFood(t, st, "f1", models.SizeSmall, 0)

	f, err := st.UpdateStatus(ctx, "f1", models.StatusPending, models.StatusRequested, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRequested, f.Status)

	_, err = st.UpdateStatus(ctx, "f1", models.StatusPending, models.StatusRequested, "")
	assert.True(t, errors.Is(err, models.ErrStaleState))
	assert.True(t, errors.Is(err, models.ErrConflict))

	_, err = st.UpdateStatus(ctx, "f1", models.StatusRequested, models.StatusDelivered, "")
	assert.True(t, errors.Is(err, models.ErrInvalidState))

	f, err = st.UpdateStatus(ctx, "f1", models.StatusRequested, models.StatusAssigned, "v1")
	require.NoError(t, err)
	assert.Equal(t, "v1", f.AssignedVolunteerID)

	_, err = st.UpdateStatus(ctx, "f1", models.StatusAssigned, models.StatusPickedUp, "v2")
	assert.True(t, errors.Is(err, models.ErrStaleState), "another volunteer must not advance the item")
}

func TestConcurrentUpdateStatusOneWinner(t *testing.T) {
	st := setupStorage(t, "")
	ctx := context.Background()
	addFood(t, st, "f1", models.SizeSmall, 0)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := st.UpdateStatus(ctx, "f1", models.StatusPending, models.StatusRequested, ""); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestRunInTxRollsBack(t *testing.T) {
	st := setupStorage(t, "")
	ctx := context.Background()
	addFood(t, st, "f1", models.SizeSmall, 0)
	addFood(t, st, "f2", models.SizeSmall, time.Second)

	boom := errors.New("boom")
	err := st.RunInTx(ctx, func(tx repository.Repository) error {
		if _, err := tx.UpdateStatus(ctx, "f1", models.StatusPending, models.StatusAssigned, "v1"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	f, err := st.GetFood(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, f.Status)
	assert.Empty(t, f.AssignedVolunteerID)
}

func TestClaimForBatchAllOrNothing(t *testing.T) {
	st := setupStorage(t, "")
	ctx := context.Background()
	addFood(t, st, "f1", models.SizeSmall, 0)
	addFood(t, st, "f2", models.SizeSmall, time.Second)

	require.NoError(t, st.ClaimForBatch(ctx, "b1", []string{"f1"}))

	err := st.ClaimForBatch(ctx, "b2", []string{"f2", "f1"})
	assert.True(t, errors.Is(err, models.ErrStaleState))

	f2, err := st.GetFood(ctx, "f2")
	require.NoError(t, err)
	assert.Empty(t, f2.BatchID, "failed claim must not reserve any item")

	require.NoError(t, st.ReleaseBatch(ctx, "b1"))
	f1, err := st.GetFood(ctx, "f1")
	require.NoError(t, err)
	assert.Empty(t, f1.BatchID)
}

func TestListFoodsFilterAndPaging(t *testing.T) {
	st := setupStorage(t, "")
	ctx := context.Background()
	addFood(t, st, "f1", models.SizeSmall, 0)
	addFood(t, st, "f2", models.SizeLarge, time.Second)
	addFood(t, st, "f3", models.SizeMedium, 2*time.Second)
	_, err := st.UpdateStatus(ctx, "f2", models.StatusPending, models.StatusRequested, "")
	require.NoError(t, err)

	pending := models.StatusPending
	foods, err := st.ListFoodsByCampaign(ctx, "c1", models.FoodFilter{Status: &pending})
	require.NoError(t, err)
	require.Len(t, foods, 2)
	assert.Equal(t, "f1", foods[0].ID)
	assert.Equal(t, "f3", foods[1].ID)

	foods, err = st.ListFoodsByCampaign(ctx, "c1", models.FoodFilter{Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, foods, 1)
	assert.Equal(t, "f2", foods[0].ID)

	foods, err = st.ListFoodsByCampaign(ctx, "c1", models.FoodFilter{Search: "BREAD F3"})
	require.NoError(t, err)
	require.Len(t, foods, 1)
	assert.Equal(t, "f3", foods[0].ID)

	foods, err = st.ListFoodsByCampaign(ctx, "c1", models.FoodFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, foods)
}

func TestRequestsSingleActive(t *testing.T) {
	st := setupStorage(t, "")
	ctx := context.Background()
	req := &models.AssignmentRequest{
		ID: "r1", TargetID: "f1", TargetKind: models.TargetItem, VolunteerID: "v1",
		Status: models.RequestPending, ExpiresAt: base.Add(time.Minute), CreatedAt: base,
	}
	require.NoError(t, st.CreateRequest(ctx, req))

	second := *req
	second.ID = "r2"
	err := st.CreateRequest(ctx, &second)
	assert.True(t, errors.Is(err, models.ErrConflict))

	active, err := st.ActiveRequest(ctx, models.TargetItem, "f1")
	require.NoError(t, err)
	assert.Equal(t, "r1", active.ID)

	require.NoError(t, st.ResolveRequest(ctx, "r1", models.RequestPending, models.RequestDeclined))
	err = st.ResolveRequest(ctx, "r1", models.RequestPending, models.RequestAccepted)
	assert.True(t, errors.Is(err, models.ErrStaleState))

	last, err := st.LastDecline(ctx, models.TargetItem, "f1", "v1")
	require.NoError(t, err)
	assert.Equal(t, base, last)

	_, err = st.ActiveRequest(ctx, models.TargetItem, "f1")
	assert.True(t, errors.Is(err, models.ErrNotFound))
	require.NoError(t, st.CreateRequest(ctx, &second))
}

func TestListExpiredRequests(t *testing.T) {
	st := setupStorage(t, "")
	ctx := context.Background()
	for i, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, st.CreateRequest(ctx, &models.AssignmentRequest{
			ID: id, TargetID: "f" + id, TargetKind: models.TargetItem, VolunteerID: "v1",
			Status: models.RequestPending, ExpiresAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	expired, err := st.ListExpiredRequests(ctx, base.Add(90*time.Second), 0)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, "r1", expired[0].ID)
	assert.Equal(t, "r2", expired[1].ID)
}

func TestBatchVolunteerSetOnce(t *testing.T) {
	st := setupStorage(t, "")
	ctx := context.Background()
	require.NoError(t, st.CreateBatch(ctx, &models.Batch{ID: "b1", CampaignID: "c1", ItemIDs: []string{"f1"}, RequiredCapacity: models.SizeSmall}))

	require.NoError(t, st.SetBatchVolunteer(ctx, "b1", "v1"))
	err := st.SetBatchVolunteer(ctx, "b1", "v2")
	assert.True(t, errors.Is(err, models.ErrStaleState))

	err = st.CreateBatch(ctx, &models.Batch{ID: "empty", CampaignID: "c1"})
	assert.Error(t, err)

	require.NoError(t, st.DeleteBatch(ctx, "b1"))
	_, err = st.GetBatch(ctx, "b1")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestVolunteers(t *testing.T) {
	st := setupStorage(t, "")
	ctx := context.Background()
	require.NoError(t, st.AddVolunteer(&models.VolunteerProfile{ID: "v2", TransportCapacity: models.SizeLarge}, "c1"))
	require.NoError(t, st.AddVolunteer(&models.VolunteerProfile{ID: "v1", TransportCapacity: models.SizeSmall}, "c1", "c2"))

	vs, err := st.ListCampaignVolunteers(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.Equal(t, "v1", vs[0].ID)

	vs, err = st.ListCampaignVolunteers(ctx, "c2")
	require.NoError(t, err)
	assert.Len(t, vs, 1)
}

func TestSnapshotKeepsCodeHashes(t *testing.T) {
	file := filepath.Join(t.TempDir(), "fulfillment.json")
	st := setupStorage(t, file)
	ctx := context.Background()
	addFood(t, st, "f1", models.SizeMedium, 0)
	_, err := st.UpdateStatus(ctx, "f1", models.StatusPending, models.StatusAssigned, "v1")
	require.NoError(t, err)
	require.NoError(t, st.SetCode(ctx, "f1", models.PurposePickup, models.StatusAssigned,
		&models.OneTimeCode{Hash: "hash", ExpiresAt: base.Add(time.Hour)}))
	require.NoError(t, st.AddVolunteer(&models.VolunteerProfile{ID: "v1", TransportCapacity: models.SizeLarge}, "c1"))

	reopened, err := storage.New(file)
	require.NoError(t, err)
	f, err := reopened.GetFood(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, f.Status)
	assert.Equal(t, "v1", f.AssignedVolunteerID)
	require.NotNil(t, f.PickupCode)
	assert.Equal(t, "hash", f.PickupCode.Hash)

	vs, err := reopened.ListCampaignVolunteers(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, vs, 1)
}

func TestSetCodeRequiresExpectedStatus(t *testing.T) {
	st := setupStorage(t, "")
	ctx := context.Background()
	addFood(t, st, "f1", models.SizeSmall, 0)

	err := st.SetCode(ctx, "f1", models.PurposePickup, models.StatusAssigned, &models.OneTimeCode{Hash: "h"})
	assert.True(t, errors.Is(err, models.ErrStaleState))
}
