package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foodshare/fulfillment/internal/cache"
	"github.com/foodshare/fulfillment/internal/models"
	"github.com/foodshare/fulfillment/internal/repository"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Expirer settles assignment requests that are past their deadline.
type Expirer interface {
	ActiveRequest(ctx context.Context, foodID string) (*models.AssignmentRequest, error)
	SettleCampaign(ctx context.Context, campaignID string) error
}

// Coordinator serves the coordinator-facing reads and the business-facing
// item creation.
type Coordinator struct {
	repo       repository.Repository
	volunteers *cache.VolunteerCache
	expirer    Expirer
	now        func() time.Time
}

// NewCoordinator builds the read side. With a nil expirer overdue requests
// are only settled by the negotiation calls and the sweeper.
func NewCoordinator(repo repository.Repository, volunteers *cache.VolunteerCache, expirer Expirer) *Coordinator {
	return &Coordinator{
		repo:       repo,
		volunteers: volunteers,
		expirer:    expirer,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type NewFood struct {
	CampaignID  string `json:"campaign_id"`
	BusinessID  string `json:"business_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Size        string `json:"size"`
}

// CreateFood lists a surplus item against a campaign in status pending.
func (c *Coordinator) CreateFood(ctx context.Context, in NewFood) (*models.FoodItem, error) {
	if in.CampaignID == "" || in.BusinessID == "" || strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("campaign_id, business_id and name are required: %w", models.ErrInvalidInput)
	}
	size, err := models.ParseSize(in.Size)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, models.ErrInvalidInput)
	}
	now := c.now()
	f := &models.FoodItem{
		ID:          uuid.NewString(),
		CampaignID:  in.CampaignID,
		BusinessID:  in.BusinessID,
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Size:        size,
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.repo.CreateFood(ctx, f); err != nil {
		return nil, fmt.Errorf("create food: %w", err)
	}
	return f, nil
}

func (c *Coordinator) GetFood(ctx context.Context, id string) (*models.FoodItem, error) {
	f, err := c.repo.GetFood(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.expirer == nil || f.Status != models.StatusRequested {
		return f, nil
	}
	_, err = c.expirer.ActiveRequest(ctx, id)
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, models.ErrNotFound):
		return c.repo.GetFood(ctx, id)
	default:
		return nil, err
	}
}

// ListFoods pages through a campaign's items. A non-positive limit selects the
// default page size; larger limits are capped.
func (c *Coordinator) ListFoods(ctx context.Context, campaignID string, filter models.FoodFilter) ([]*models.FoodItem, error) {
	if filter.Offset < 0 {
		return nil, fmt.Errorf("negative offset: %w", models.ErrInvalidInput)
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultPageSize
	case filter.Limit > maxPageSize:
		filter.Limit = maxPageSize
	}
	if c.expirer != nil {
		if err := c.expirer.SettleCampaign(ctx, campaignID); err != nil {
			return nil, fmt.Errorf("list foods: %w", err)
		}
	}
	foods, err := c.repo.ListFoodsByCampaign(ctx, campaignID, filter)
	if err != nil {
		return nil, fmt.Errorf("list foods: %w", err)
	}
	if foods == nil {
		foods = []*models.FoodItem{}
	}
	return foods, nil
}

// ListAvailableVolunteers returns the campaign's volunteers that can carry the
// given item or batch. With neither set every campaign volunteer is returned.
func (c *Coordinator) ListAvailableVolunteers(ctx context.Context, campaignID, foodID, batchID string) ([]*models.VolunteerProfile, error) {
	var need models.Size
	switch {
	case foodID != "" && batchID != "":
		return nil, fmt.Errorf("food_id and batch_id are exclusive: %w", models.ErrInvalidInput)
	case foodID != "":
		f, err := c.repo.GetFood(ctx, foodID)
		if err != nil {
			return nil, err
		}
		if f.CampaignID != campaignID {
			return nil, fmt.Errorf("food %s is not in campaign %s: %w", foodID, campaignID, models.ErrNotFound)
		}
		need = f.Size
	case batchID != "":
		b, err := c.repo.GetBatch(ctx, batchID)
		if err != nil {
			return nil, err
		}
		if b.CampaignID != campaignID {
			return nil, fmt.Errorf("batch %s is not in campaign %s: %w", batchID, campaignID, models.ErrNotFound)
		}
		need = b.RequiredCapacity
	}

	all, err := c.volunteers.Get(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list volunteers: %w", err)
	}
	res := make([]*models.VolunteerProfile, 0, len(all))
	for _, v := range all {
		if v.TransportCapacity.Fits(need) {
			res = append(res, v)
		}
	}
	return res, nil
}
