package batching

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/logger"
	"github.com/google/uuid"

	"github.com/foodshare/fulfillment/internal/models"
	"github.com/foodshare/fulfillment/internal/repository"
)

type Config struct {
	// MaxItemsPerBatch closes a batch once it holds this many items. 0 means no limit.
	MaxItemsPerBatch int
	// MaxAttempts bounds re-planning after a concurrent run claimed some items first.
	MaxAttempts int
}

// Expirer reverts the campaign's items whose assignment request is overdue.
type Expirer interface {
	SettleCampaign(ctx context.Context, campaignID string) error
}

// Engine groups a campaign's unbatched pending items into single-trip batches.
type Engine struct {
	store   repository.Store
	expirer Expirer
	cfg     Config
	now     func() time.Time
	newID   func() string
}

// NewEngine builds an engine over store. expirer may be nil, in which case items
// held by an overdue request wait for the sweeper before they can be grouped.
func NewEngine(store repository.Store, expirer Expirer, cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Engine{
		store:   store,
		expirer: expirer,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// GenerateBatches persists new batches for every pending item that is not yet
// in one. Re-running it is safe: grouped items are never selected again, and an
// empty candidate set yields an empty result.
func (e *Engine) GenerateBatches(ctx context.Context, campaignID string) ([]*models.Batch, error) {
	if e.expirer != nil {
		if err := e.expirer.SettleCampaign(ctx, campaignID); err != nil {
			return nil, fmt.Errorf("generate batches for campaign %s: %w", campaignID, err)
		}
	}
	for attempt := 1; ; attempt++ {
		batches, err := e.generate(ctx, campaignID)
		if errors.Is(err, models.ErrStaleState) && attempt < e.cfg.MaxAttempts {
			logger.Infof("campaign %s: items claimed concurrently, replanning (attempt %d)", campaignID, attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("generate batches for campaign %s: %w", campaignID, err)
		}
		return batches, nil
	}
}

func (e *Engine) generate(ctx context.Context, campaignID string) ([]*models.Batch, error) {
	pending := models.StatusPending
	items, err := e.store.ListFoodsByCampaign(ctx, campaignID, models.FoodFilter{Status: &pending, Unbatched: true})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		logger.Infof("campaign %s: %v", campaignID, models.ErrNoEligibleItems)
		return []*models.Batch{}, nil
	}

	now := e.now()
	groups := Group(items, e.cfg.MaxItemsPerBatch)
	batches := make([]*models.Batch, 0, len(groups))
	for _, g := range groups {
		b := &models.Batch{
			ID:         e.newID(),
			CampaignID: campaignID,
			ItemIDs:    make([]string, 0, len(g)),
			Status:     models.BatchPending,
			CreatedAt:  now,
		}
		for _, f := range g {
			b.ItemIDs = append(b.ItemIDs, f.ID)
			b.RequiredCapacity = models.MaxSize(b.RequiredCapacity, f.Size)
		}
		batches = append(batches, b)
	}

	err = e.store.RunInTx(ctx, func(tx repository.Repository) error {
		for _, b := range batches {
			if err := tx.CreateBatch(ctx, b); err != nil {
				return err
			}
			if err := tx.ClaimForBatch(ctx, b.ID, b.ItemIDs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Infof("campaign %s: grouped %d items into %d batches", campaignID, len(items), len(batches))
	return batches, nil
}

// Group orders items by size (largest first), business and creation, then packs
// them greedily: an item joins the open group only if it comes from the same
// business and does not need a larger tier than the group's first item.
func Group(items []*models.FoodItem, maxItems int) [][]*models.FoodItem {
	sorted := append([]*models.FoodItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Size.Rank() != b.Size.Rank() {
			return a.Size.Rank() > b.Size.Rank()
		}
		if a.BusinessID != b.BusinessID {
			return a.BusinessID < b.BusinessID
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	var (
		groups   [][]*models.FoodItem
		open     []*models.FoodItem
		capacity models.Size
	)
	for _, f := range sorted {
		fits := len(open) > 0 &&
			f.BusinessID == open[0].BusinessID &&
			capacity.Fits(f.Size) &&
			(maxItems <= 0 || len(open) < maxItems)
		if !fits {
			if len(open) > 0 {
				groups = append(groups, open)
			}
			open = nil
			capacity = f.Size
		}
		open = append(open, f)
	}
	if len(open) > 0 {
		groups = append(groups, open)
	}
	return groups
}

// DissolveBatch frees the members of an unassigned batch so they can be
// requested individually or regrouped.
func (e *Engine) DissolveBatch(ctx context.Context, batchID string) error {
	now := e.now()
	err := e.store.RunInTx(ctx, func(tx repository.Repository) error {
		b, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if b.AssignedVolunteerID != "" {
			return fmt.Errorf("batch %s is assigned to %s: %w", batchID, b.AssignedVolunteerID, models.ErrInvalidState)
		}
		req, err := tx.ActiveRequest(ctx, models.TargetBatch, batchID)
		switch {
		case err == nil && !req.Expired(now):
			return fmt.Errorf("batch %s has an open request: %w", batchID, models.ErrInvalidState)
		case err == nil:
			if err := tx.ResolveRequest(ctx, req.ID, models.RequestPending, models.RequestExpired); err != nil {
				return err
			}
		case !errors.Is(err, models.ErrNotFound):
			return err
		}
		if err := tx.ReleaseBatch(ctx, batchID); err != nil {
			return err
		}
		return tx.DeleteBatch(ctx, batchID)
	})
	if err != nil {
		return fmt.Errorf("dissolve batch %s: %w", batchID, err)
	}
	logger.Infof("batch %s dissolved", batchID)
	return nil
}
