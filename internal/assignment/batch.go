package assignment

import (
	"context"
	"errors"
	"fmt"

	"github.com/foodshare/fulfillment/internal/audit"
	"github.com/foodshare/fulfillment/internal/models"
	"github.com/foodshare/fulfillment/internal/notify"
	"github.com/foodshare/fulfillment/internal/repository"
)

// BatchService runs the request/accept/decline negotiation for whole batches.
// Pickup and delivery stay per item and go through otp.Service.
type BatchService struct {
	negotiation
}

func NewBatchService(store repository.Store, gateway notify.Gateway, recorder audit.Recorder, cfg Config) *BatchService {
	return &BatchService{negotiation: newNegotiation(store, gateway, recorder, cfg)}
}

// Get returns the batch with its derived status and its members in batch order.
func (s *BatchService) Get(ctx context.Context, batchID string) (*models.Batch, []*models.FoodItem, error) {
	b, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	members, err := loadMembers(ctx, s.store, b)
	if err != nil {
		return nil, nil, err
	}
	b.Status = b.DeriveStatus(members)
	return b, members, nil
}

func (s *BatchService) List(ctx context.Context, campaignID string) ([]*models.Batch, error) {
	batches, err := s.store.ListBatchesByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	for _, b := range batches {
		members, err := loadMembers(ctx, s.store, b)
		if err != nil {
			return nil, err
		}
		b.Status = b.DeriveStatus(members)
	}
	return batches, nil
}

// ActiveRequest mirrors Service.ActiveRequest for batches.
func (s *BatchService) ActiveRequest(ctx context.Context, batchID string) (*models.AssignmentRequest, error) {
	req, err := s.store.ActiveRequest(ctx, models.TargetBatch, batchID)
	if err != nil {
		return nil, err
	}
	if req.Expired(s.now()) {
		if err := s.expire(ctx, req); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("request %s expired: %w", req.ID, models.ErrNotFound)
	}
	return req, nil
}

func (s *BatchService) RequestAssignment(ctx context.Context, batchID, volunteerID string) (*models.AssignmentRequest, error) {
	if _, err := s.ActiveRequest(ctx, batchID); err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	now := s.now()
	req := &models.AssignmentRequest{
		ID:          s.newID(),
		TargetID:    batchID,
		TargetKind:  models.TargetBatch,
		VolunteerID: volunteerID,
		Status:      models.RequestPending,
		ExpiresAt:   now.Add(s.cfg.RequestTTL),
		CreatedAt:   now,
	}
	var batch *models.Batch
	err := s.store.RunInTx(ctx, func(tx repository.Repository) error {
		b, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if b.AssignedVolunteerID != "" {
			return fmt.Errorf("batch %s is already assigned: %w", batchID, models.ErrInvalidState)
		}
		if err := checkCapacity(ctx, tx, b, volunteerID); err != nil {
			return err
		}
		members, err := loadMembers(ctx, tx, b)
		if err != nil {
			return err
		}
		for _, m := range members {
			if m.Status != models.StatusPending || m.BatchID != b.ID {
				return fmt.Errorf("member %s is %s: %w", m.ID, m.Status, models.ErrInvalidState)
			}
		}
		if err := checkCooldown(ctx, tx, s.cfg.DeclineCooldown, now, models.TargetBatch, batchID, volunteerID); err != nil {
			return err
		}
		batch = b
		return tx.CreateRequest(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("request batch %s: %w", batchID, err)
	}

	notify.Send(ctx, s.notify, notify.Event{
		Kind:        notify.EventAssignmentRequested,
		TargetKind:  models.TargetBatch,
		TargetID:    batchID,
		CampaignID:  batch.CampaignID,
		VolunteerID: volunteerID,
		RequestID:   req.ID,
		ExpiresAt:   req.ExpiresAt,
		OccurredAt:  now,
	})
	return req, nil
}

// Accept assigns every member to the volunteer in one transaction. If any
// member cannot move pending -> assigned nothing is changed.
func (s *BatchService) Accept(ctx context.Context, batchID, volunteerID string) (*models.Batch, []*models.FoodItem, error) {
	req, err := s.store.ActiveRequest(ctx, models.TargetBatch, batchID)
	if err != nil {
		return nil, nil, fmt.Errorf("accept batch %s: %w", batchID, err)
	}
	if req.Expired(s.now()) {
		if err := s.expire(ctx, req); err != nil {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("accept batch %s: request %s: %w", batchID, req.ID, models.ErrExpired)
	}
	if req.VolunteerID != volunteerID {
		return nil, nil, fmt.Errorf("accept batch %s: request belongs to another volunteer: %w", batchID, models.ErrUnauthorized)
	}

	var (
		batch   *models.Batch
		members []*models.FoodItem
	)
	err = s.store.RunInTx(ctx, func(tx repository.Repository) error {
		b, err := tx.GetBatch(ctx, batchID)
		if err != nil {
			return err
		}
		if err := checkCapacity(ctx, tx, b, volunteerID); err != nil {
			return err
		}
		if err := tx.ResolveRequest(ctx, req.ID, models.RequestPending, models.RequestAccepted); err != nil {
			return err
		}
		if err := tx.SetBatchVolunteer(ctx, batchID, volunteerID); err != nil {
			return err
		}
		members = make([]*models.FoodItem, 0, len(b.ItemIDs))
		for _, id := range b.ItemIDs {
			f, err := tx.UpdateStatus(ctx, id, models.StatusPending, models.StatusAssigned, volunteerID)
			if err != nil {
				return fmt.Errorf("member %s: %w", id, err)
			}
			members = append(members, f)
		}
		b.AssignedVolunteerID = volunteerID
		batch = b
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("accept batch %s: %w", batchID, err)
	}

	for _, m := range members {
		s.record(m.ID, models.StatusPending, models.StatusAssigned, volunteerID, "batch "+batchID+" accepted")
	}
	batch.Status = batch.DeriveStatus(members)
	notify.Send(ctx, s.notify, s.event(notify.EventAssignmentAccepted, batch.CampaignID, req))
	return batch, members, nil
}

// Decline resolves the request; members stay pending and keep their batch.
func (s *BatchService) Decline(ctx context.Context, batchID, volunteerID string) (*models.Batch, error) {
	req, err := s.store.ActiveRequest(ctx, models.TargetBatch, batchID)
	if err != nil {
		return nil, fmt.Errorf("decline batch %s: %w", batchID, err)
	}
	if req.Expired(s.now()) {
		if err := s.expire(ctx, req); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("decline batch %s: request %s expired: %w", batchID, req.ID, models.ErrNotFound)
	}
	if req.VolunteerID != volunteerID {
		return nil, fmt.Errorf("decline batch %s: request belongs to another volunteer: %w", batchID, models.ErrUnauthorized)
	}
	if err := s.store.ResolveRequest(ctx, req.ID, models.RequestPending, models.RequestDeclined); err != nil {
		return nil, fmt.Errorf("decline batch %s: %w", batchID, err)
	}

	b, _, err := s.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	notify.Send(ctx, s.notify, s.event(notify.EventAssignmentDeclined, b.CampaignID, req))
	return b, nil
}

func checkCapacity(ctx context.Context, tx repository.Repository, b *models.Batch, volunteerID string) error {
	v, err := tx.GetVolunteer(ctx, volunteerID)
	if err != nil {
		return err
	}
	if !v.TransportCapacity.Fits(b.RequiredCapacity) {
		return fmt.Errorf("volunteer %s carries %s, batch %s needs %s: %w",
			v.ID, v.TransportCapacity, b.ID, b.RequiredCapacity, models.ErrCapacityMismatch)
	}
	return nil
}

func loadMembers(ctx context.Context, repo repository.FoodRepository, b *models.Batch) ([]*models.FoodItem, error) {
	members := make([]*models.FoodItem, 0, len(b.ItemIDs))
	for _, id := range b.ItemIDs {
		f, err := repo.GetFood(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("batch %s member: %w", b.ID, err)
		}
		members = append(members, f)
	}
	return members, nil
}
