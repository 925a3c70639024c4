package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/foodshare/fulfillment/internal/models"
	"github.com/foodshare/fulfillment/internal/repository"
)

// MemoryStore keeps all fulfillment state in process. Every write runs as a
// copy-on-write transaction under one mutex; when dataFile is set the state
// is snapshotted to JSON after each commit.
type MemoryStore struct {
	mu       sync.Mutex
	st       *state
	dataFile string
	now      func() time.Time
}

type state struct {
	Foods              map[string]*models.FoodItem          `json:"-"`
	Requests           map[string]*models.AssignmentRequest `json:"requests"`
	Batches            map[string]*models.Batch             `json:"batches"`
	Volunteers         map[string]*models.VolunteerProfile  `json:"volunteers"`
	CampaignVolunteers map[string][]string                  `json:"campaign_volunteers"`
}

// foodRecord persists the code hashes the API representation hides.
type foodRecord struct {
	*models.FoodItem
	PickupCode   *models.OneTimeCode `json:"pickup_code,omitempty"`
	DeliveryCode *models.OneTimeCode `json:"delivery_code,omitempty"`
}

type snapshot struct {
	*state
	Foods []foodRecord `json:"foods"`
}

func newState() *state {
	return &state{
		Foods:              make(map[string]*models.FoodItem),
		Requests:           make(map[string]*models.AssignmentRequest),
		Batches:            make(map[string]*models.Batch),
		Volunteers:         make(map[string]*models.VolunteerProfile),
		CampaignVolunteers: make(map[string][]string),
	}
}

func (s *state) clone() *state {
	c := newState()
	for id, f := range s.Foods {
		c.Foods[id] = f.Clone()
	}
	for id, r := range s.Requests {
		cp := *r
		c.Requests[id] = &cp
	}
	for id, b := range s.Batches {
		c.Batches[id] = b.Clone()
	}
	for id, v := range s.Volunteers {
		cp := *v
		c.Volunteers[id] = &cp
	}
	for id, vs := range s.CampaignVolunteers {
		c.CampaignVolunteers[id] = append([]string(nil), vs...)
	}
	return c
}

func New(dataFile string) (*MemoryStore, error) {
	st := &MemoryStore{
		st:       newState(),
		dataFile: dataFile,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if dataFile == "" {
		return st, nil
	}
	if err := st.loadFromFile(); err != nil {
		return st, err
	}
	return st, nil
}

// SetClock replaces the time source used for updated_at and resolved_at.
func (st *MemoryStore) SetClock(now func() time.Time) {
	st.mu.Lock()
	st.now = now
	st.mu.Unlock()
}

func (st *MemoryStore) loadFromFile() error {
	data, err := os.ReadFile(st.dataFile)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(data) == 0) {
		return nil
	}
	if err != nil {
		return err
	}
	snap := snapshot{state: newState()}
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode data file: %w", err)
	}
	for _, rec := range snap.Foods {
		if rec.FoodItem == nil {
			continue
		}
		f := rec.FoodItem
		f.PickupCode = rec.PickupCode
		f.DeliveryCode = rec.DeliveryCode
		snap.state.Foods[f.ID] = f
	}
	st.st = snap.state
	st.ensureMaps()
	return nil
}

func (st *MemoryStore) ensureMaps() {
	fresh := newState()
	if st.st.Requests == nil {
		st.st.Requests = fresh.Requests
	}
	if st.st.Batches == nil {
		st.st.Batches = fresh.Batches
	}
	if st.st.Volunteers == nil {
		st.st.Volunteers = fresh.Volunteers
	}
	if st.st.CampaignVolunteers == nil {
		st.st.CampaignVolunteers = fresh.CampaignVolunteers
	}
}

func (st *MemoryStore) saveToFile() error {
	if st.dataFile == "" {
		return nil
	}
	snap := snapshot{state: st.st, Foods: make([]foodRecord, 0, len(st.st.Foods))}
	for _, f := range st.st.Foods {
		snap.Foods = append(snap.Foods, foodRecord{FoodItem: f, PickupCode: f.PickupCode, DeliveryCode: f.DeliveryCode})
	}
	sort.Slice(snap.Foods, func(i, j int) bool { return snap.Foods[i].ID < snap.Foods[j].ID })

	tmp := st.dataFile + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, st.dataFile)
}

// RunInTx applies fn to a private copy of the state and swaps it in only if
// fn and the snapshot write both succeed.
func (st *MemoryStore) RunInTx(ctx context.Context, fn func(tx repository.Repository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	draft := st.st.clone()
	if err := fn(&memTx{st: draft, now: st.now}); err != nil {
		return err
	}
	prev := st.st
	st.st = draft
	if err := st.saveToFile(); err != nil {
		st.st = prev
		return fmt.Errorf("save data file: %w", err)
	}
	return nil
}

func (st *MemoryStore) read(fn func(tx *memTx) error) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return fn(&memTx{st: st.st, now: st.now})
}

// AddVolunteer registers a volunteer profile and links it to campaigns.
func (st *MemoryStore) AddVolunteer(v *models.VolunteerProfile, campaignIDs ...string) error {
	return st.RunInTx(context.Background(), func(tx repository.Repository) error {
		mt := tx.(*memTx)
		cp := *v
		mt.st.Volunteers[v.ID] = &cp
		for _, c := range campaignIDs {
			if !contains(mt.st.CampaignVolunteers[c], v.ID) {
				mt.st.CampaignVolunteers[c] = append(mt.st.CampaignVolunteers[c], v.ID)
			}
		}
		return nil
	})
}

func (st *MemoryStore) CreateFood(ctx context.Context, f *models.FoodItem) error {
	return st.RunInTx(ctx, func(tx repository.Repository) error { return tx.CreateFood(ctx, f) })
}

func (st *MemoryStore) GetFood(ctx context.Context, id string) (res *models.FoodItem, err error) {
	err = st.read(func(tx *memTx) error {
		res, err = tx.GetFood(ctx, id)
		return err
	})
	return res, err
}

func (st *MemoryStore) ListFoodsByCampaign(ctx context.Context, campaignID string, filter models.FoodFilter) (res []*models.FoodItem, err error) {
	err = st.read(func(tx *memTx) error {
		res, err = tx.ListFoodsByCampaign(ctx, campaignID, filter)
		return err
	})
	return res, err
}

func (st *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to models.FoodStatus, volunteerID string) (res *models.FoodItem, err error) {
	err = st.RunInTx(ctx, func(tx repository.Repository) error {
		res, err = tx.UpdateStatus(ctx, id, from, to, volunteerID)
		return err
	})
	return res, err
}

func (st *MemoryStore) SetCode(ctx context.Context, id string, purpose models.CodePurpose, expect models.FoodStatus, code *models.OneTimeCode) error {
	return st.RunInTx(ctx, func(tx repository.Repository) error { return tx.SetCode(ctx, id, purpose, expect, code) })
}

func (st *MemoryStore) ClaimForBatch(ctx context.Context, batchID string, itemIDs []string) error {
	return st.RunInTx(ctx, func(tx repository.Repository) error { return tx.ClaimForBatch(ctx, batchID, itemIDs) })
}

func (st *MemoryStore) ReleaseBatch(ctx context.Context, batchID string) error {
	return st.RunInTx(ctx, func(tx repository.Repository) error { return tx.ReleaseBatch(ctx, batchID) })
}

func (st *MemoryStore) CreateRequest(ctx context.Context, r *models.AssignmentRequest) error {
	return st.RunInTx(ctx, func(tx repository.Repository) error { return tx.CreateRequest(ctx, r) })
}

func (st *MemoryStore) ActiveRequest(ctx context.Context, kind models.TargetKind, targetID string) (res *models.AssignmentRequest, err error) {
	err = st.read(func(tx *memTx) error {
		res, err = tx.ActiveRequest(ctx, kind, targetID)
		return err
	})
	return res, err
}

func (st *MemoryStore) ResolveRequest(ctx context.Context, id string, from, to models.RequestStatus) error {
	return st.RunInTx(ctx, func(tx repository.Repository) error { return tx.ResolveRequest(ctx, id, from, to) })
}

func (st *MemoryStore) LastDecline(ctx context.Context, kind models.TargetKind, targetID, volunteerID string) (res time.Time, err error) {
	err = st.read(func(tx *memTx) error {
		res, err = tx.LastDecline(ctx, kind, targetID, volunteerID)
		return err
	})
	return res, err
}

func (st *MemoryStore) ListExpiredRequests(ctx context.Context, now time.Time, limit int) (res []*models.AssignmentRequest, err error) {
	err = st.read(func(tx *memTx) error {
		res, err = tx.ListExpiredRequests(ctx, now, limit)
		return err
	})
	return res, err
}

func (st *MemoryStore) CreateBatch(ctx context.Context, b *models.Batch) error {
	return st.RunInTx(ctx, func(tx repository.Repository) error { return tx.CreateBatch(ctx, b) })
}

func (st *MemoryStore) GetBatch(ctx context.Context, id string) (res *models.Batch, err error) {
	err = st.read(func(tx *memTx) error {
		res, err = tx.GetBatch(ctx, id)
		return err
	})
	return res, err
}

func (st *MemoryStore) ListBatchesByCampaign(ctx context.Context, campaignID string) (res []*models.Batch, err error) {
	err = st.read(func(tx *memTx) error {
		res, err = tx.ListBatchesByCampaign(ctx, campaignID)
		return err
	})
	return res, err
}

func (st *MemoryStore) SetBatchVolunteer(ctx context.Context, id, volunteerID string) error {
	return st.RunInTx(ctx, func(tx repository.Repository) error { return tx.SetBatchVolunteer(ctx, id, volunteerID) })
}

func (st *MemoryStore) DeleteBatch(ctx context.Context, id string) error {
	return st.RunInTx(ctx, func(tx repository.Repository) error { return tx.DeleteBatch(ctx, id) })
}

func (st *MemoryStore) GetVolunteer(ctx context.Context, id string) (res *models.VolunteerProfile, err error) {
	err = st.read(func(tx *memTx) error {
		res, err = tx.GetVolunteer(ctx, id)
		return err
	})
	return res, err
}

func (st *MemoryStore) ListCampaignVolunteers(ctx context.Context, campaignID string) (res []*models.VolunteerProfile, err error) {
	err = st.read(func(tx *memTx) error {
		res, err = tx.ListCampaignVolunteers(ctx, campaignID)
		return err
	})
	return res, err
}

var _ repository.Store = (*MemoryStore)(nil)

// memTx operates directly on a state value; the caller owns the lock.
type memTx struct {
	st  *state
	now func() time.Time
}

func (t *memTx) CreateFood(_ context.Context, f *models.FoodItem) error {
	if _, exists := t.st.Foods[f.ID]; exists {
		return fmt.Errorf("create food %s: %w", f.ID, models.ErrConflict)
	}
	t.st.Foods[f.ID] = f.Clone()
	return nil
}

func (t *memTx) GetFood(_ context.Context, id string) (*models.FoodItem, error) {
	f, ok := t.st.Foods[id]
	if !ok {
		return nil, fmt.Errorf("food %s: %w", id, models.ErrNotFound)
	}
	return f.Clone(), nil
}

func (t *memTx) ListFoodsByCampaign(_ context.Context, campaignID string, filter models.FoodFilter) ([]*models.FoodItem, error) {
	search := strings.ToLower(filter.Search)
	var res []*models.FoodItem
	for _, f := range t.st.Foods {
		if f.CampaignID != campaignID {
			continue
		}
		if filter.Status != nil && f.Status != *filter.Status {
			continue
		}
		if filter.Unbatched && f.BatchID != "" {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(f.Name), search) &&
			!strings.Contains(strings.ToLower(f.Description), search) {
			continue
		}
		res = append(res, f.Clone())
	}
	sortFoodsByCreation(res)
	return paginate(res, filter.Offset, filter.Limit), nil
}

func (t *memTx) UpdateStatus(_ context.Context, id string, from, to models.FoodStatus, volunteerID string) (*models.FoodItem, error) {
	if err := models.CheckTransition(from, to); err != nil {
		return nil, err
	}
	f, ok := t.st.Foods[id]
	if !ok {
		return nil, fmt.Errorf("food %s: %w", id, models.ErrNotFound)
	}
	if f.Status != from {
		return nil, fmt.Errorf("food %s is %s, expected %s: %w", id, f.Status, from, models.ErrStaleState)
	}
	switch to {
	case models.StatusAssigned:
		if volunteerID == "" {
			return nil, fmt.Errorf("assign food %s: volunteer required: %w", id, models.ErrInvalidState)
		}
		if f.AssignedVolunteerID != "" {
			return nil, fmt.Errorf("food %s already has a volunteer: %w", id, models.ErrStaleState)
		}
	case models.StatusPickedUp, models.StatusDelivered:
		if volunteerID != "" && f.AssignedVolunteerID != volunteerID {
			return nil, fmt.Errorf("food %s is assigned to another volunteer: %w", id, models.ErrStaleState)
		}
	}
	f.ApplyTransition(to, volunteerID, t.now())
	return f.Clone(), nil
}

func (t *memTx) SetCode(_ context.Context, id string, purpose models.CodePurpose, expect models.FoodStatus, code *models.OneTimeCode) error {
	if !purpose.Valid() {
		return fmt.Errorf("unknown code purpose %q", purpose)
	}
	f, ok := t.st.Foods[id]
	if !ok {
		return fmt.Errorf("food %s: %w", id, models.ErrNotFound)
	}
	if f.Status != expect {
		return fmt.Errorf("food %s is %s, expected %s: %w", id, f.Status, expect, models.ErrStaleState)
	}
	cp := *code
	f.SetCode(purpose, &cp)
	f.UpdatedAt = t.now()
	return nil
}

func (t *memTx) ClaimForBatch(_ context.Context, batchID string, itemIDs []string) error {
	for _, id := range itemIDs {
		f, ok := t.st.Foods[id]
		if !ok || f.Status != models.StatusPending || f.BatchID != "" {
			return fmt.Errorf("claim food %s for batch %s: %w", id, batchID, models.ErrStaleState)
		}
	}
	now := t.now()
	for _, id := range itemIDs {
		t.st.Foods[id].BatchID = batchID
		t.st.Foods[id].UpdatedAt = now
	}
	return nil
}

func (t *memTx) ReleaseBatch(_ context.Context, batchID string) error {
	now := t.now()
	for _, f := range t.st.Foods {
		if f.BatchID == batchID && f.Status == models.StatusPending {
			f.BatchID = ""
			f.UpdatedAt = now
		}
	}
	return nil
}

func (t *memTx) CreateRequest(_ context.Context, r *models.AssignmentRequest) error {
	if _, exists := t.st.Requests[r.ID]; exists {
		return fmt.Errorf("create request %s: %w", r.ID, models.ErrConflict)
	}
	if r.Status == models.RequestPending {
		for _, other := range t.st.Requests {
			if other.Status == models.RequestPending && other.TargetKind == r.TargetKind && other.TargetID == r.TargetID {
				return fmt.Errorf("%s %s already has an active request: %w", r.TargetKind, r.TargetID, models.ErrConflict)
			}
		}
	}
	cp := *r
	t.st.Requests[r.ID] = &cp
	return nil
}

func (t *memTx) ActiveRequest(_ context.Context, kind models.TargetKind, targetID string) (*models.AssignmentRequest, error) {
	for _, r := range t.st.Requests {
		if r.Status == models.RequestPending && r.TargetKind == kind && r.TargetID == targetID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("active request for %s %s: %w", kind, targetID, models.ErrNotFound)
}

func (t *memTx) ResolveRequest(_ context.Context, id string, from, to models.RequestStatus) error {
	r, ok := t.st.Requests[id]
	if !ok {
		return fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	if r.Status != from {
		return fmt.Errorf("request %s is %s, expected %s: %w", id, r.Status, from, models.ErrStaleState)
	}
	r.Status = to
	r.ResolvedAt = t.now()
	return nil
}

func (t *memTx) LastDecline(_ context.Context, kind models.TargetKind, targetID, volunteerID string) (time.Time, error) {
	var last time.Time
	for _, r := range t.st.Requests {
		if r.Status == models.RequestDeclined && r.TargetKind == kind && r.TargetID == targetID &&
			r.VolunteerID == volunteerID && r.ResolvedAt.After(last) {
			last = r.ResolvedAt
		}
	}
	return last, nil
}

func (t *memTx) ListExpiredRequests(_ context.Context, now time.Time, limit int) ([]*models.AssignmentRequest, error) {
	var res []*models.AssignmentRequest
	for _, r := range t.st.Requests {
		if r.Expired(now) {
			cp := *r
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ExpiresAt.Before(res[j].ExpiresAt) })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (t *memTx) CreateBatch(_ context.Context, b *models.Batch) error {
	if len(b.ItemIDs) == 0 {
		return fmt.Errorf("create batch %s: no items", b.ID)
	}
	if _, exists := t.st.Batches[b.ID]; exists {
		return fmt.Errorf("create batch %s: %w", b.ID, models.ErrConflict)
	}
	t.st.Batches[b.ID] = b.Clone()
	return nil
}

func (t *memTx) GetBatch(_ context.Context, id string) (*models.Batch, error) {
	b, ok := t.st.Batches[id]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", id, models.ErrNotFound)
	}
	return b.Clone(), nil
}

func (t *memTx) ListBatchesByCampaign(_ context.Context, campaignID string) ([]*models.Batch, error) {
	var res []*models.Batch
	for _, b := range t.st.Batches {
		if b.CampaignID == campaignID {
			res = append(res, b.Clone())
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if !res[i].CreatedAt.Equal(res[j].CreatedAt) {
			return res[i].CreatedAt.Before(res[j].CreatedAt)
		}
		return res[i].ID < res[j].ID
	})
	return res, nil
}

func (t *memTx) SetBatchVolunteer(_ context.Context, id, volunteerID string) error {
	b, ok := t.st.Batches[id]
	if !ok {
		return fmt.Errorf("batch %s: %w", id, models.ErrNotFound)
	}
	if b.AssignedVolunteerID != "" {
		return fmt.Errorf("batch %s already has a volunteer: %w", id, models.ErrStaleState)
	}
	b.AssignedVolunteerID = volunteerID
	return nil
}

func (t *memTx) DeleteBatch(_ context.Context, id string) error {
	if _, ok := t.st.Batches[id]; !ok {
		return fmt.Errorf("batch %s: %w", id, models.ErrNotFound)
	}
	delete(t.st.Batches, id)
	return nil
}

func (t *memTx) GetVolunteer(_ context.Context, id string) (*models.VolunteerProfile, error) {
	v, ok := t.st.Volunteers[id]
	if !ok {
		return nil, fmt.Errorf("volunteer %s: %w", id, models.ErrNotFound)
	}
	cp := *v
	return &cp, nil
}

func (t *memTx) ListCampaignVolunteers(_ context.Context, campaignID string) ([]*models.VolunteerProfile, error) {
	var res []*models.VolunteerProfile
	for _, id := range t.st.CampaignVolunteers[campaignID] {
		if v, ok := t.st.Volunteers[id]; ok {
			cp := *v
			res = append(res, &cp)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res, nil
}

func sortFoodsByCreation(foods []*models.FoodItem) {
	sort.Slice(foods, func(i, j int) bool {
		if !foods[i].CreatedAt.Equal(foods[j].CreatedAt) {
			return foods[i].CreatedAt.Before(foods[j].CreatedAt)
		}
		return foods[i].ID < foods[j].ID
	})
}

func paginate(foods []*models.FoodItem, offset, limit int64) []*models.FoodItem {
	if offset >= int64(len(foods)) {
		return []*models.FoodItem{}
	}
	if offset > 0 {
		foods = foods[offset:]
	}
	if limit > 0 && int64(len(foods)) > limit {
		foods = foods[:limit]
	}
	return foods
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
