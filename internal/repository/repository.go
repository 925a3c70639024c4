package repository

import (
	"context"
	"time"

	"github.com/foodshare/fulfillment/internal/models"
)

type FoodRepository interface {
	CreateFood(ctx context.Context, f *models.FoodItem) error
	GetFood(ctx context.Context, id string) (*models.FoodItem, error)
	ListFoodsByCampaign(ctx context.Context, campaignID string, filter models.FoodFilter) ([]*models.FoodItem, error)
	// UpdateStatus is a compare-and-swap on status. For assigned the stored
	// volunteer must be empty; for picked-up and delivered a non-empty
	// volunteerID must match the stored one. Returns ErrStaleState on mismatch.
	UpdateStatus(ctx context.Context, id string, from, to models.FoodStatus, volunteerID string) (*models.FoodItem, error)
	SetCode(ctx context.Context, id string, purpose models.CodePurpose, expect models.FoodStatus, code *models.OneTimeCode) error
	// ClaimForBatch marks every item as a member of batchID. Items must be
	// pending and unbatched, otherwise nothing changes and ErrStaleState is returned.
	ClaimForBatch(ctx context.Context, batchID string, itemIDs []string) error
	ReleaseBatch(ctx context.Context, batchID string) error
}

type RequestRepository interface {
	// CreateRequest fails with ErrConflict when the target already has a pending request.
	CreateRequest(ctx context.Context, r *models.AssignmentRequest) error
	ActiveRequest(ctx context.Context, kind models.TargetKind, targetID string) (*models.AssignmentRequest, error)
	ResolveRequest(ctx context.Context, id string, from, to models.RequestStatus) error
	LastDecline(ctx context.Context, kind models.TargetKind, targetID, volunteerID string) (time.Time, error)
	// ListExpiredRequests returns pending requests past their deadline, oldest first. limit <= 0 lists them all.
	ListExpiredRequests(ctx context.Context, now time.Time, limit int) ([]*models.AssignmentRequest, error)
}

type BatchRepository interface {
	CreateBatch(ctx context.Context, b *models.Batch) error
	GetBatch(ctx context.Context, id string) (*models.Batch, error)
	ListBatchesByCampaign(ctx context.Context, campaignID string) ([]*models.Batch, error)
	// SetBatchVolunteer succeeds only while the batch has no volunteer.
	SetBatchVolunteer(ctx context.Context, id, volunteerID string) error
	DeleteBatch(ctx context.Context, id string) error
}

type VolunteerRepository interface {
	GetVolunteer(ctx context.Context, id string) (*models.VolunteerProfile, error)
	ListCampaignVolunteers(ctx context.Context, campaignID string) ([]*models.VolunteerProfile, error)
}

type Repository interface {
	FoodRepository
	RequestRepository
	BatchRepository
	VolunteerRepository
}

// Store is a Repository whose writes can be grouped: every write made through
// the Repository handed to fn commits together or not at all.
type Store interface {
	Repository
	RunInTx(ctx context.Context, fn func(tx Repository) error) error
}
