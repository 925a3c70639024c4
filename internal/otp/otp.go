package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/google/logger"
	"golang.org/x/crypto/bcrypt"

	"github.com/foodshare/fulfillment/internal/audit"
	"github.com/foodshare/fulfillment/internal/models"
	"github.com/foodshare/fulfillment/internal/repository"
)

type Config struct {
	CodeLength int
	CodeTTL    time.Duration
	// MaxAttempts bounds failed verifications per issued code; 0 disables the limit.
	MaxAttempts int
	HashCost    int
}

func DefaultConfig() Config {
	return Config{
		CodeLength:  6,
		CodeTTL:     24 * time.Hour,
		MaxAttempts: 5,
		HashCost:    bcrypt.DefaultCost,
	}
}

// Service issues and verifies the one-time codes exchanged at pickup and delivery.
type Service struct {
	store   repository.Repository
	limiter Limiter
	audit   audit.Recorder
	cfg     Config
	now     func() time.Time
	random  io.Reader
}

func NewService(store repository.Repository, limiter Limiter, recorder audit.Recorder, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = def.CodeLength
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = def.CodeTTL
	}
	if cfg.HashCost == 0 {
		cfg.HashCost = def.HashCost
	}
	if limiter == nil {
		limiter = NewMemoryLimiter()
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Service{
		store:   store,
		limiter: limiter,
		audit:   recorder,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		random:  rand.Reader,
	}
}

// SetClock is used by tests to move past code expiry.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func attemptsKey(foodID string, purpose models.CodePurpose) string {
	return foodID + ":" + string(purpose)
}

// Issue generates a fresh code for the purpose and stores only its hash.
// A previous unverified code for the same purpose is replaced.
func (s *Service) Issue(ctx context.Context, foodID string, purpose models.CodePurpose) (string, error) {
	if !purpose.Valid() {
		return "", fmt.Errorf("unknown code purpose %q: %w", purpose, models.ErrInvalidInput)
	}
	f, err := s.store.GetFood(ctx, foodID)
	if err != nil {
		return "", err
	}
	if f.Status.PhaseDone(purpose) {
		return "", fmt.Errorf("%s of food %s: %w", purpose, foodID, models.ErrAlreadyVerified)
	}
	start := models.PhaseStart(purpose)
	if f.Status != start {
		return "", fmt.Errorf("start %s of food %s in status %s: %w", purpose, foodID, f.Status, models.ErrInvalidState)
	}

	code, err := s.generate()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cfg.HashCost)
	if err != nil {
		return "", fmt.Errorf("hash code: %w", err)
	}
	otc := &models.OneTimeCode{Hash: string(hash), ExpiresAt: s.now().Add(s.cfg.CodeTTL)}
	if err := s.store.SetCode(ctx, foodID, purpose, start, otc); err != nil {
		return "", fmt.Errorf("store %s code: %w", purpose, err)
	}
	if err := s.limiter.Reset(ctx, attemptsKey(foodID, purpose)); err != nil {
		logger.Warningf("reset attempts for food %s: %v", foodID, err)
	}
	logger.Infof("issued %s code for food %s, expires %s", purpose, foodID, otc.ExpiresAt.Format(time.RFC3339))
	return code, nil
}

// Verify checks the supplied code and, on success, clears it and advances the
// item (assigned -> picked-up, picked-up -> delivered). A retry after success
// returns ErrAlreadyVerified without touching the item. volunteerID may be
// empty when the counterparty submits the code.
func (s *Service) Verify(ctx context.Context, foodID string, purpose models.CodePurpose, code, volunteerID string) (*models.FoodItem, error) {
	if !purpose.Valid() {
		return nil, fmt.Errorf("unknown code purpose %q: %w", purpose, models.ErrInvalidInput)
	}
	f, err := s.store.GetFood(ctx, foodID)
	if err != nil {
		return nil, err
	}
	if f.Status.PhaseDone(purpose) {
		return nil, fmt.Errorf("%s of food %s: %w", purpose, foodID, models.ErrAlreadyVerified)
	}
	start := models.PhaseStart(purpose)
	if f.Status != start {
		return nil, fmt.Errorf("verify %s of food %s in status %s: %w", purpose, foodID, f.Status, models.ErrInvalidState)
	}
	if volunteerID != "" && f.AssignedVolunteerID != volunteerID {
		return nil, fmt.Errorf("food %s is not assigned to %s: %w", foodID, volunteerID, models.ErrUnauthorized)
	}
	otc := f.Code(purpose)
	if otc == nil {
		return nil, fmt.Errorf("no %s code issued for food %s: %w", purpose, foodID, models.ErrInvalidState)
	}

	key := attemptsKey(foodID, purpose)
	if s.cfg.MaxAttempts > 0 {
		n, err := s.limiter.Count(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("check attempts: %w", err)
		}
		if n >= int64(s.cfg.MaxAttempts) {
			return nil, fmt.Errorf("%s code for food %s: %w", purpose, foodID, models.ErrTooManyAttempts)
		}
	}
	if otc.Expired(s.now()) {
		return nil, fmt.Errorf("%s code for food %s: %w", purpose, foodID, models.ErrExpired)
	}
	if bcrypt.CompareHashAndPassword([]byte(otc.Hash), []byte(strings.TrimSpace(code))) != nil {
		// The counter returned by the hit is authoritative: concurrent wrong codes
		// can all pass the check above.
		n, err := s.limiter.Hit(ctx, key, s.cfg.CodeTTL)
		if err != nil {
			logger.Warningf("record failed attempt for food %s: %v", foodID, err)
		}
		if err == nil && s.cfg.MaxAttempts > 0 && n > int64(s.cfg.MaxAttempts) {
			return nil, fmt.Errorf("%s code for food %s: %w", purpose, foodID, models.ErrTooManyAttempts)
		}
		return nil, fmt.Errorf("%s code for food %s: %w", purpose, foodID, models.ErrInvalidCode)
	}

	end := models.PhaseEnd(purpose)
	updated, err := s.store.UpdateStatus(ctx, foodID, start, end, volunteerID)
	if errors.Is(err, models.ErrStaleState) {
		// A concurrent duplicate got there first.
		if cur, getErr := s.store.GetFood(ctx, foodID); getErr == nil && cur.Status.PhaseDone(purpose) {
			return nil, fmt.Errorf("%s of food %s: %w", purpose, foodID, models.ErrAlreadyVerified)
		}
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("complete %s of food %s: %w", purpose, foodID, err)
	}
	if err := s.limiter.Reset(ctx, key); err != nil {
		logger.Warningf("reset attempts for food %s: %v", foodID, err)
	}
	s.audit.Log(audit.AuditLog{
		Timestamp: s.now(),
		FoodID:    foodID,
		OldState:  string(start),
		NewState:  string(end),
		Actor:     updated.AssignedVolunteerID,
		Message:   string(purpose) + " verified",
	})
	return updated, nil
}

func (s *Service) generate() (string, error) {
	var sb strings.Builder
	ten := big.NewInt(10)
	for i := 0; i < s.cfg.CodeLength; i++ {
		d, err := rand.Int(s.random, ten)
		if err != nil {
			return "", err
		}
		sb.WriteByte(byte('0' + d.Int64()))
	}
	return sb.String(), nil
}
