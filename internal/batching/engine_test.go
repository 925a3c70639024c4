package batching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodshare/fulfillment/internal/assignment"
	"github.com/foodshare/fulfillment/internal/models"
	"github.com/foodshare/fulfillment/internal/repository"
	"github.com/foodshare/fulfillment/internal/storage"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func item(id, business string, size models.Size, offset int) *models.FoodItem {
	return &models.FoodItem{
		ID: id, CampaignID: "c1", BusinessID: business, Name: id, Size: size,
		Status: models.StatusPending, CreatedAt: base.Add(time.Duration(offset) * time.Second),
	}
}

func ids(group []*models.FoodItem) []string {
	res := make([]string, 0, len(group))
	for _, f := range group {
		res = append(res, f.ID)
	}
	return res
}

func TestGroupOrdersAndPacks(t *testing.T) {
	items := []*models.FoodItem{
		item("s1", "B1", models.SizeSmall, 3),
		item("l1", "B1", models.SizeLarge, 4),
		item("m1", "B1", models.SizeMedium, 1),
		item("l2", "B2", models.SizeLarge, 2),
		item("s2", "B1", models.SizeSmall, 0),
	}
	groups := Group(items, 0)
	require.Len(t, groups, 3)
	assert.Equal(t, []string{"l1"}, ids(groups[0]))
	assert.Equal(t, []string{"l2"}, ids(groups[1]))
	assert.Equal(t, []string{"m1", "s2", "s1"}, ids(groups[2]))
}

func TestGroupIsDeterministic(t *testing.T) {
	a := []*models.FoodItem{
		item("x", "B1", models.SizeSmall, 0),
		item("y", "B1", models.SizeSmall, 0),
		item("z", "B2", models.SizeSmall, 0),
	}
	b := []*models.FoodItem{a[2], a[1], a[0]}
	assert.Equal(t, ids(Group(a, 0)[0]), ids(Group(b, 0)[0]))
	assert.Equal(t, []string{"x", "y"}, ids(Group(a, 0)[0]))
}

func TestGroupMaxItems(t *testing.T) {
	items := []*models.FoodItem{
		item("a", "B1", models.SizeSmall, 0),
		item("b", "B1", models.SizeSmall, 1),
		item("c", "B1", models.SizeSmall, 2),
	}
	groups := Group(items, 2)
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"a", "b"}, ids(groups[0]))
	assert.Equal(t, []string{"c"}, ids(groups[1]))
}

func newEngine(t *testing.T, items ...*models.FoodItem) (*Engine, *storage.MemoryStore) {
	t.Helper()
	st, err := storage.New("")
	require.NoError(t, err)
	for _, f := range items {
		require.NoError(t, st.CreateFood(context.Background(), f))
	}
	e := NewEngine(st, nil, Config{})
	e.now = func() time.Time { return base }
	return e, st
}

func TestGenerateBatchesPersists(t *testing.T) {
	e, st := newEngine(t,
		item("A", "B1", models.SizeSmall, 0),
		item("B", "B1", models.SizeMedium, 1),
		item("C", "B2", models.SizeSmall, 2),
	)
	ctx := context.Background()

	batches, err := e.GenerateBatches(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, []string{"B", "A"}, batches[0].ItemIDs)
	assert.Equal(t, models.SizeMedium, batches[0].RequiredCapacity)
	assert.Equal(t, []string{"C"}, batches[1].ItemIDs)

	for _, b := range batches {
		stored, err := st.GetBatch(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, "c1", stored.CampaignID)
		for _, id := range b.ItemIDs {
			f, err := st.GetFood(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, b.ID, f.BatchID)
			assert.Equal(t, models.StatusPending, f.Status)
		}
	}
}

func TestGenerateBatchesIdempotent(t *testing.T) {
	e, st := newEngine(t, item("A", "B1", models.SizeSmall, 0), item("B", "B1", models.SizeSmall, 1))
	ctx := context.Background()

	first, err := e.GenerateBatches(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := e.GenerateBatches(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, second)

	all, err := st.ListBatchesByCampaign(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGenerateBatchesSkipsNonPending(t *testing.T) {
	e, st := newEngine(t, item("A", "B1", models.SizeSmall, 0))
	ctx := context.Background()
	_, err := st.UpdateStatus(ctx, "A", models.StatusPending, models.StatusRequested, "")
	require.NoError(t, err)

	batches, err := e.GenerateBatches(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestGenerateBatchesConcurrentNeverDoubleGroups(t *testing.T) {
	var items []*models.FoodItem
	for i := 0; i < 12; i++ {
		items = append(items, item(string(rune('a'+i)), "B1", models.SizeSmall, i))
	}
	e, st := newEngine(t, items...)
	e.cfg.MaxItemsPerBatch = 3
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.GenerateBatches(ctx, "c1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := st.ListBatchesByCampaign(ctx, "c1")
	require.NoError(t, err)
	seen := map[string]string{}
	for _, b := range all {
		for _, id := range b.ItemIDs {
			prev, dup := seen[id]
			assert.False(t, dup, "item %s in %s and %s", id, prev, b.ID)
			seen[id] = b.ID
		}
	}
	assert.Len(t, seen, 12)
}

// staleOnce makes the first transaction lose the claim race.
type staleOnce struct {
	repository.Store
	mu    sync.Mutex
	calls int
}

func (s *staleOnce) RunInTx(ctx context.Context, fn func(tx repository.Repository) error) error {
	s.mu.Lock()
	s.calls++
	first := s.calls == 1
	s.mu.Unlock()
	if first {
		return models.ErrStaleState
	}
	return s.Store.RunInTx(ctx, fn)
}

func TestGenerateBatchesRetriesStale(t *testing.T) {
	st, err := storage.New("")
	require.NoError(t, err)
	require.NoError(t, st.CreateFood(context.Background(), item("A", "B1", models.SizeSmall, 0)))
	store := &staleOnce{Store: st}

	batches, err := NewEngine(store, nil, Config{}).GenerateBatches(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, batches, 1)
	assert.Equal(t, 2, store.calls)
}

func TestGenerateBatchesGivesUp(t *testing.T) {
	st, err := storage.New("")
	require.NoError(t, err)
	require.NoError(t, st.CreateFood(context.Background(), item("A", "B1", models.SizeSmall, 0)))
	store := &alwaysStale{Store: st}

	_, err = NewEngine(store, nil, Config{MaxAttempts: 2}).GenerateBatches(context.Background(), "c1")
	assert.True(t, errors.Is(err, models.ErrConflict))
}

type alwaysStale struct {
	repository.Store
}

func (alwaysStale) RunInTx(context.Context, func(tx repository.Repository) error) error {
	return models.ErrStaleState
}

func TestDissolveBatch(t *testing.T) {
	e, st := newEngine(t, item("A", "B1", models.SizeSmall, 0), item("B", "B1", models.SizeSmall, 1))
	ctx := context.Background()
	batches, err := e.GenerateBatches(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, batches, 1)

	require.NoError(t, e.DissolveBatch(ctx, batches[0].ID))
	_, err = st.GetBatch(ctx, batches[0].ID)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	a, err := st.GetFood(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, a.BatchID)

	regrouped, err := e.GenerateBatches(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, regrouped, 1, "dissolved items can be grouped again")
}

func TestDissolveBatchRejectsOpenRequestOrAssignment(t *testing.T) {
	e, st := newEngine(t, item("A", "B1", models.SizeSmall, 0))
	ctx := context.Background()
	batches, err := e.GenerateBatches(ctx, "c1")
	require.NoError(t, err)
	b := batches[0]

	require.NoError(t, st.CreateRequest(ctx, &models.AssignmentRequest{
		ID: "r1", TargetID: b.ID, TargetKind: models.TargetBatch, VolunteerID: "v1",
		Status: models.RequestPending, ExpiresAt: base.Add(time.Hour),
	}))
	err = e.DissolveBatch(ctx, b.ID)
	assert.True(t, errors.Is(err, models.ErrInvalidState))

	e.now = func() time.Time { return base.Add(2 * time.Hour) }
	require.NoError(t, e.DissolveBatch(ctx, b.ID), "an expired request does not block dissolution")

	batches, err = e.GenerateBatches(ctx, "c1")
	require.NoError(t, err)
	require.NoError(t, st.SetBatchVolunteer(ctx, batches[0].ID, "v1"))
	err = e.DissolveBatch(ctx, batches[0].ID)
	assert.True(t, errors.Is(err, models.ErrInvalidState))
}

func TestGenerateBatchesSettlesOverdueRequests(t *testing.T) {
	st, err := storage.New("")
	require.NoError(t, err)
	ctx := context.Background()
	now := base
	clock := func() time.Time { return now }
	st.SetClock(clock)
	require.NoError(t, st.CreateFood(ctx, item("A", "B1", models.SizeSmall, 0)))

	negotiation := assignment.NewService(st, nil, nil, assignment.Config{RequestTTL: time.Minute})
	negotiation.SetClock(clock)
	_, err = negotiation.RequestAssignment(ctx, "A", "v1")
	require.NoError(t, err)

	e := NewEngine(st, negotiation, Config{})
	batches, err := e.GenerateBatches(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, batches, "item is still offered to v1")

	now = now.Add(2 * time.Minute)
	batches, err = e.GenerateBatches(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"A"}, batches[0].ItemIDs)

	f, err := st.GetFood(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, f.Status)
	assert.Equal(t, batches[0].ID, f.BatchID)
}
