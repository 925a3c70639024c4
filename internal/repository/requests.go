package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/foodshare/fulfillment/internal/models"
)

const requestColumns = `id, target_id, target_kind, volunteer_id, status, expires_at, created_at, resolved_at`

func scanRequest(row rowScanner) (*models.AssignmentRequest, error) {
	req := &models.AssignmentRequest{}
	var resolved sql.NullTime
	err := row.Scan(&req.ID, &req.TargetID, &req.TargetKind, &req.VolunteerID,
		&req.Status, &req.ExpiresAt, &req.CreatedAt, &resolved)
	if err != nil {
		return nil, err
	}
	req.ResolvedAt = resolved.Time
	return req, nil
}

func (r *PostgresRepository) CreateRequest(ctx context.Context, req *models.AssignmentRequest) error {
	query := `INSERT INTO assignment_requests (` + requestColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err := r.q.ExecContext(ctx, query,
		req.ID, req.TargetID, req.TargetKind, req.VolunteerID,
		req.Status, req.ExpiresAt, req.CreatedAt, nullTime(req.ResolvedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%s %s already has an active request: %w", req.TargetKind, req.TargetID, models.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ActiveRequest(ctx context.Context, kind models.TargetKind, targetID string) (*models.AssignmentRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM assignment_requests
		WHERE target_kind=$1 AND target_id=$2 AND status=$3`
	req, err := scanRequest(r.q.QueryRowContext(ctx, query, kind, targetID, models.RequestPending))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active request for %s %s: %w", kind, targetID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get active request: %w", err)
	}
	return req, nil
}

func (r *PostgresRepository) ResolveRequest(ctx context.Context, id string, from, to models.RequestStatus) error {
	query := `UPDATE assignment_requests SET status=$1, resolved_at=$2 WHERE id=$3 AND status=$4`
	res, err := r.q.ExecContext(ctx, query, to, r.now(), id, from)
	if err != nil {
		return fmt.Errorf("resolve request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.staleOrMissing(ctx, "assignment_requests", id)
	}
	return nil
}

func (r *PostgresRepository) LastDecline(ctx context.Context, kind models.TargetKind, targetID, volunteerID string) (time.Time, error) {
	query := `SELECT MAX(resolved_at) FROM assignment_requests
		WHERE target_kind=$1 AND target_id=$2 AND volunteer_id=$3 AND status=$4`
	var last sql.NullTime
	if err := r.q.QueryRowContext(ctx, query, kind, targetID, volunteerID, models.RequestDeclined).Scan(&last); err != nil {
		return time.Time{}, fmt.Errorf("last decline: %w", err)
	}
	return last.Time, nil
}

func (r *PostgresRepository) ListExpiredRequests(ctx context.Context, now time.Time, limit int) ([]*models.AssignmentRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM assignment_requests
		WHERE status=$1 AND expires_at <= $2
		ORDER BY expires_at`
	args := []interface{}{models.RequestPending, now}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list expired requests: %w", err)
	}
	defer rows.Close()

	var res []*models.AssignmentRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		res = append(res, req)
	}
	return res, rows.Err()
}
