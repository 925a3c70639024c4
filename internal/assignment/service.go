package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/logger"
	"github.com/google/uuid"

	"github.com/foodshare/fulfillment/internal/audit"
	"github.com/foodshare/fulfillment/internal/models"
	"github.com/foodshare/fulfillment/internal/notify"
	"github.com/foodshare/fulfillment/internal/repository"
)

type Config struct {
	RequestTTL time.Duration
	// DeclineCooldown keeps a volunteer who declined from being re-offered the
	// same item or batch for this long. Zero allows an immediate re-offer.
	DeclineCooldown time.Duration
}

func DefaultConfig() Config {
	return Config{RequestTTL: 30 * time.Minute}
}

// negotiation holds what the item and batch workflows share.
type negotiation struct {
	store  repository.Store
	notify notify.Gateway
	audit  audit.Recorder
	cfg    Config
	now    func() time.Time
	newID  func() string
}

func newNegotiation(store repository.Store, gateway notify.Gateway, recorder audit.Recorder, cfg Config) negotiation {
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = DefaultConfig().RequestTTL
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return negotiation{
		store:  store,
		notify: gateway,
		audit:  recorder,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

func (n *negotiation) SetClock(now func() time.Time) {
	n.now = now
}

// Service runs the single-item request/accept/decline negotiation.
type Service struct {
	negotiation
}

func NewService(store repository.Store, gateway notify.Gateway, recorder audit.Recorder, cfg Config) *Service {
	return &Service{negotiation: newNegotiation(store, gateway, recorder, cfg)}
}

// RequestAssignment offers a pending item to a volunteer.
func (s *Service) RequestAssignment(ctx context.Context, foodID, volunteerID string) (*models.AssignmentRequest, error) {
	if volunteerID == "" {
		return nil, fmt.Errorf("request food %s: volunteer required: %w", foodID, models.ErrInvalidInput)
	}
	// Settle an expired offer first so the item can be offered again.
	if _, err := s.ActiveRequest(ctx, foodID); err != nil && !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	now := s.now()
	req := &models.AssignmentRequest{
		ID:          s.newID(),
		TargetID:    foodID,
		TargetKind:  models.TargetItem,
		VolunteerID: volunteerID,
		Status:      models.RequestPending,
		ExpiresAt:   now.Add(s.cfg.RequestTTL),
		CreatedAt:   now,
	}
	var food *models.FoodItem
	err := s.store.RunInTx(ctx, func(tx repository.Repository) error {
		f, err := tx.GetFood(ctx, foodID)
		if err != nil {
			return err
		}
		if f.Status != models.StatusPending {
			return fmt.Errorf("request food %s in status %s: %w", foodID, f.Status, models.ErrInvalidState)
		}
		if f.BatchID != "" {
			return fmt.Errorf("food %s is reserved by batch %s: %w", foodID, f.BatchID, models.ErrInvalidState)
		}
		if err := checkCooldown(ctx, tx, s.cfg.DeclineCooldown, now, models.TargetItem, foodID, volunteerID); err != nil {
			return err
		}
		if err := tx.CreateRequest(ctx, req); err != nil {
			return err
		}
		food, err = tx.UpdateStatus(ctx, foodID, models.StatusPending, models.StatusRequested, "")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("request food %s: %w", foodID, err)
	}

	s.record(food.ID, models.StatusPending, models.StatusRequested, volunteerID, "assignment requested")
	notify.Send(ctx, s.notify, notify.Event{
		Kind:        notify.EventAssignmentRequested,
		TargetKind:  models.TargetItem,
		TargetID:    foodID,
		CampaignID:  food.CampaignID,
		VolunteerID: volunteerID,
		RequestID:   req.ID,
		ExpiresAt:   req.ExpiresAt,
		OccurredAt:  now,
	})
	return req, nil
}

// Accept turns the caller's pending request into an assignment.
func (s *Service) Accept(ctx context.Context, foodID, volunteerID string) (*models.FoodItem, error) {
	req, err := s.store.ActiveRequest(ctx, models.TargetItem, foodID)
	if err != nil {
		return nil, fmt.Errorf("accept food %s: %w", foodID, err)
	}
	if req.Expired(s.now()) {
		if err := s.expire(ctx, req); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("accept food %s: request %s: %w", foodID, req.ID, models.ErrExpired)
	}
	if req.VolunteerID != volunteerID {
		return nil, fmt.Errorf("accept food %s: request belongs to another volunteer: %w", foodID, models.ErrUnauthorized)
	}

	var food *models.FoodItem
	err = s.store.RunInTx(ctx, func(tx repository.Repository) error {
		if err := tx.ResolveRequest(ctx, req.ID, models.RequestPending, models.RequestAccepted); err != nil {
			return err
		}
		var err error
		food, err = tx.UpdateStatus(ctx, foodID, models.StatusRequested, models.StatusAssigned, volunteerID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("accept food %s: %w", foodID, err)
	}

	s.record(foodID, models.StatusRequested, models.StatusAssigned, volunteerID, "assignment accepted")
	notify.Send(ctx, s.notify, s.event(notify.EventAssignmentAccepted, food.CampaignID, req))
	return food, nil
}

// Decline releases the item back to pending.
func (s *Service) Decline(ctx context.Context, foodID, volunteerID string) (*models.FoodItem, error) {
	req, err := s.store.ActiveRequest(ctx, models.TargetItem, foodID)
	if err != nil {
		return nil, fmt.Errorf("decline food %s: %w", foodID, err)
	}
	if req.Expired(s.now()) {
		if err := s.expire(ctx, req); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("decline food %s: request %s expired: %w", foodID, req.ID, models.ErrNotFound)
	}
	if req.VolunteerID != volunteerID {
		return nil, fmt.Errorf("decline food %s: request belongs to another volunteer: %w", foodID, models.ErrUnauthorized)
	}

	var food *models.FoodItem
	err = s.store.RunInTx(ctx, func(tx repository.Repository) error {
		if err := tx.ResolveRequest(ctx, req.ID, models.RequestPending, models.RequestDeclined); err != nil {
			return err
		}
		var err error
		food, err = tx.UpdateStatus(ctx, foodID, models.StatusRequested, models.StatusPending, "")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("decline food %s: %w", foodID, err)
	}

	s.record(foodID, models.StatusRequested, models.StatusPending, volunteerID, "assignment declined")
	notify.Send(ctx, s.notify, s.event(notify.EventAssignmentDeclined, food.CampaignID, req))
	return food, nil
}

// ActiveRequest returns the item's pending request. An expired one is settled
// on the way and reported as ErrNotFound.
func (s *Service) ActiveRequest(ctx context.Context, foodID string) (*models.AssignmentRequest, error) {
	req, err := s.store.ActiveRequest(ctx, models.TargetItem, foodID)
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

// SettleCampaign expires the overdue requests of every requested item in the
// campaign, so status filters and batch selection see those items as pending.
func (s *Service) SettleCampaign(ctx context.Context, campaignID string) error {
	requested := models.StatusRequested
	items, err := s.store.ListFoodsByCampaign(ctx, campaignID, models.FoodFilter{Status: &requested})
	if err != nil {
		return fmt.Errorf("settle campaign %s: %w", campaignID, err)
	}
	for _, f := range items {
		if _, err := s.ActiveRequest(ctx, f.ID); err != nil && !errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("settle campaign %s: %w", campaignID, err)
		}
	}
	return nil
}

// expire marks the request expired and reverts its item. Losing the race to a
// concurrent accept or decline is not an error.
func (s *negotiation) expire(ctx context.Context, req *models.AssignmentRequest) error {
	var campaignID string
	err := s.store.RunInTx(ctx, func(tx repository.Repository) error {
		if err := tx.ResolveRequest(ctx, req.ID, models.RequestPending, models.RequestExpired); err != nil {
			return err
		}
		if req.TargetKind != models.TargetItem {
			b, err := tx.GetBatch(ctx, req.TargetID)
			if err == nil {
				campaignID = b.CampaignID
			}
			return nil
		}
		f, err := tx.UpdateStatus(ctx, req.TargetID, models.StatusRequested, models.StatusPending, "")
		if err != nil {
			return err
		}
		campaignID = f.CampaignID
		return nil
	})
	if errors.Is(err, models.ErrStaleState) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("expire request %s: %w", req.ID, err)
	}
	if req.TargetKind == models.TargetItem {
		s.record(req.TargetID, models.StatusRequested, models.StatusPending, req.VolunteerID, "assignment expired")
	}
	notify.Send(ctx, s.notify, s.event(notify.EventAssignmentExpired, campaignID, req))
	return nil
}

// SweepExpired settles every request past its deadline and returns how many
// were expired.
func (s *Service) SweepExpired(ctx context.Context, limit int) (int, error) {
	reqs, err := s.store.ListExpiredRequests(ctx, s.now(), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, req := range reqs {
		if err := s.expire(ctx, req); err != nil {
			logger.Errorf("sweep: %v", err)
			continue
		}
		n++
	}
	return n, nil
}

// StartExpirySweep runs SweepExpired on every tick until ctx is done.
func (s *Service) StartExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepExpired(ctx, 100)
			if err != nil {
				logger.Errorf("expiry sweep failed: %v", err)
				continue
			}
			if n > 0 {
				logger.Infof("expiry sweep settled %d requests", n)
			}
		}
	}
}

func (s *negotiation) record(foodID string, from, to models.FoodStatus, actor, msg string) {
	s.audit.Log(audit.AuditLog{
		Timestamp: s.now(),
		FoodID:    foodID,
		OldState:  string(from),
		NewState:  string(to),
		Actor:     actor,
		Message:   msg,
	})
}

func (s *negotiation) event(kind notify.EventKind, campaignID string, req *models.AssignmentRequest) notify.Event {
	return notify.Event{
		Kind:        kind,
		TargetKind:  req.TargetKind,
		TargetID:    req.TargetID,
		CampaignID:  campaignID,
		VolunteerID: req.VolunteerID,
		RequestID:   req.ID,
		ExpiresAt:   req.ExpiresAt,
		OccurredAt:  s.now(),
	}
}

func checkCooldown(ctx context.Context, tx repository.Repository, cooldown time.Duration, now time.Time, kind models.TargetKind, targetID, volunteerID string) error {
	if cooldown <= 0 {
		return nil
	}
	last, err := tx.LastDecline(ctx, kind, targetID, volunteerID)
	if err != nil {
		return err
	}
	if !last.IsZero() && now.Sub(last) < cooldown {
		return fmt.Errorf("volunteer %s declined %s %s at %s: %w",
			volunteerID, kind, targetID, last.Format(time.RFC3339), models.ErrConflict)
	}
	return nil
}
