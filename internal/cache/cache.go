package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/logger"

	"github.com/foodshare/fulfillment/internal/models"
	"github.com/foodshare/fulfillment/internal/repository"
)

type Cache interface {
	Refresh(ctx context.Context) error
}

type entry struct {
	volunteers []*models.VolunteerProfile
	loadedAt   time.Time
}

// VolunteerCache keeps each campaign's volunteer roster for ttl. Profiles are
// owned upstream and change rarely, so a stale read costs at most one ttl.
type VolunteerCache struct {
	mu        sync.RWMutex
	repo      repository.VolunteerRepository
	ttl       time.Duration
	campaigns map[string]entry
	now       func() time.Time
}

func NewVolunteerCache(repo repository.VolunteerRepository, ttl time.Duration) *VolunteerCache {
	return &VolunteerCache{
		repo:      repo,
		ttl:       ttl,
		campaigns: make(map[string]entry),
		now:       time.Now,
	}
}

// Get returns the campaign roster, loading it when absent or older than ttl.
func (c *VolunteerCache) Get(ctx context.Context, campaignID string) ([]*models.VolunteerProfile, error) {
	c.mu.RLock()
	e, ok := c.campaigns[campaignID]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.loadedAt) < c.ttl {
		return e.volunteers, nil
	}
	return c.load(ctx, campaignID)
}

func (c *VolunteerCache) load(ctx context.Context, campaignID string) ([]*models.VolunteerProfile, error) {
	vs, err := c.repo.ListCampaignVolunteers(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.campaigns[campaignID] = entry{volunteers: vs, loadedAt: c.now()}
	c.mu.Unlock()
	return vs, nil
}

func (c *VolunteerCache) Invalidate(campaignID string) {
	c.mu.Lock()
	delete(c.campaigns, campaignID)
	c.mu.Unlock()
}

// Refresh reloads every campaign currently held.
func (c *VolunteerCache) Refresh(ctx context.Context) error {
	c.mu.RLock()
	ids := make([]string, 0, len(c.campaigns))
	for id := range c.campaigns {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, id := range ids {
		if _, err := c.load(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (c *VolunteerCache) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				logger.Warningf("volunteer cache refresh failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
