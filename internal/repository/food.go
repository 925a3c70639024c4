package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/foodshare/fulfillment/internal/models"
)

const foodColumns = `id, campaign_id, business_id, name, description, size, status,
	assigned_volunteer_id, pickup_code_hash, pickup_code_expires_at,
	delivery_code_hash, delivery_code_expires_at, batch_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFood(row rowScanner) (*models.FoodItem, error) {
	f := &models.FoodItem{}
	var (
		volunteer, pickupHash, deliveryHash, batchID sql.NullString
		pickupExp, deliveryExp                       sql.NullTime
	)
	err := row.Scan(
		&f.ID, &f.CampaignID, &f.BusinessID, &f.Name, &f.Description, &f.Size, &f.Status,
		&volunteer, &pickupHash, &pickupExp,
		&deliveryHash, &deliveryExp, &batchID, &f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	f.AssignedVolunteerID = volunteer.String
	f.BatchID = batchID.String
	if pickupHash.Valid {
		f.PickupCode = &models.OneTimeCode{Hash: pickupHash.String, ExpiresAt: pickupExp.Time}
	}
	if deliveryHash.Valid {
		f.DeliveryCode = &models.OneTimeCode{Hash: deliveryHash.String, ExpiresAt: deliveryExp.Time}
	}
	return f, nil
}

func (r *PostgresRepository) CreateFood(ctx context.Context, f *models.FoodItem) error {
	query := `INSERT INTO food_items (
			id, campaign_id, business_id, name, description, size, status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err := r.q.ExecContext(ctx, query,
		f.ID, f.CampaignID, f.BusinessID, f.Name, f.Description, f.Size, f.Status, f.CreatedAt, f.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("create food %s: %w", f.ID, models.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create food: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetFood(ctx context.Context, id string) (*models.FoodItem, error) {
	query := `SELECT ` + foodColumns + ` FROM food_items WHERE id=$1`
	f, err := scanFood(r.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("food %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get food by id: %w", err)
	}
	return f, nil
}

func (r *PostgresRepository) ListFoodsByCampaign(ctx context.Context, campaignID string, filter models.FoodFilter) ([]*models.FoodItem, error) {
	filters := []string{"campaign_id=$1"}
	args := []interface{}{campaignID}
	idx := 2

	if filter.Status != nil {
		filters = append(filters, fmt.Sprintf("status=$%d", idx))
		args = append(args, *filter.Status)
		idx++
	}
	if filter.Search != "" {
		filters = append(filters, fmt.Sprintf("(name ILIKE $%d OR description ILIKE $%d)", idx, idx))
		args = append(args, "%"+filter.Search+"%")
		idx++
	}
	if filter.Unbatched {
		filters = append(filters, "batch_id IS NULL")
	}

	query := `SELECT ` + foodColumns + ` FROM food_items WHERE ` + strings.Join(filters, " AND ") +
		` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", idx)
		args = append(args, filter.Limit)
		idx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", idx)
		args = append(args, filter.Offset)
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list foods: %w", err)
	}
	defer rows.Close()

	var res []*models.FoodItem
	for rows.Next() {
		f, err := scanFood(rows)
		if err != nil {
			return nil, fmt.Errorf("scan food: %w", err)
		}
		res = append(res, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list foods: %w", err)
	}
	return res, nil
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, from, to models.FoodStatus, volunteerID string) (*models.FoodItem, error) {
	if err := models.CheckTransition(from, to); err != nil {
		return nil, err
	}
	set := "status=$1, updated_at=$2"
	where := "id=$3 AND status=$4"
	args := []interface{}{to, r.now(), id, from}

	switch to {
	case models.StatusPending, models.StatusRequested:
		set += ", assigned_volunteer_id=NULL"
	case models.StatusAssigned:
		if volunteerID == "" {
			return nil, fmt.Errorf("assign food %s: volunteer required: %w", id, models.ErrInvalidState)
		}
		set += ", assigned_volunteer_id=$5"
		where += " AND assigned_volunteer_id IS NULL"
		args = append(args, volunteerID)
	case models.StatusPickedUp:
		set += ", pickup_code_hash=NULL, pickup_code_expires_at=NULL"
	case models.StatusDelivered:
		set += ", delivery_code_hash=NULL, delivery_code_expires_at=NULL"
	}
	if volunteerID != "" && (to == models.StatusPickedUp || to == models.StatusDelivered) {
		where += " AND assigned_volunteer_id=$5"
		args = append(args, volunteerID)
	}

	query := `UPDATE food_items SET ` + set + ` WHERE ` + where + ` RETURNING ` + foodColumns
	f, err := scanFood(r.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.staleOrMissing(ctx, "food_items", id)
	}
	if err != nil {
		return nil, fmt.Errorf("update food status: %w", err)
	}
	return f, nil
}

func (r *PostgresRepository) SetCode(ctx context.Context, id string, purpose models.CodePurpose, expect models.FoodStatus, code *models.OneTimeCode) error {
	var query string
	switch purpose {
	case models.PurposePickup:
		query = `UPDATE food_items SET pickup_code_hash=$1, pickup_code_expires_at=$2, updated_at=$3 WHERE id=$4 AND status=$5`
	case models.PurposeDelivery:
		query = `UPDATE food_items SET delivery_code_hash=$1, delivery_code_expires_at=$2, updated_at=$3 WHERE id=$4 AND status=$5`
	default:
		return fmt.Errorf("unknown code purpose %q", purpose)
	}
	res, err := r.q.ExecContext(ctx, query, code.Hash, code.ExpiresAt, r.now(), id, expect)
	if err != nil {
		return fmt.Errorf("set %s code: %w", purpose, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.staleOrMissing(ctx, "food_items", id)
	}
	return nil
}

func (r *PostgresRepository) ClaimForBatch(ctx context.Context, batchID string, itemIDs []string) error {
	query := `UPDATE food_items SET batch_id=$1, updated_at=$2
		WHERE id = ANY($3) AND status=$4 AND batch_id IS NULL`
	res, err := r.q.ExecContext(ctx, query, batchID, r.now(), pq.Array(itemIDs), models.StatusPending)
	if err != nil {
		return fmt.Errorf("claim items for batch: %w", err)
	}
	n, _ := res.RowsAffected()
	if n != int64(len(itemIDs)) {
		return fmt.Errorf("claim %d items for batch %s, got %d: %w", len(itemIDs), batchID, n, models.ErrStaleState)
	}
	return nil
}

func (r *PostgresRepository) ReleaseBatch(ctx context.Context, batchID string) error {
	query := `UPDATE food_items SET batch_id=NULL, updated_at=$1 WHERE batch_id=$2 AND status=$3`
	if _, err := r.q.ExecContext(ctx, query, r.now(), batchID, models.StatusPending); err != nil {
		return fmt.Errorf("release batch: %w", err)
	}
	return nil
}

func (r *PostgresRepository) staleOrMissing(ctx context.Context, table, id string) error {
	var exists bool
	err := r.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM `+table+` WHERE id=$1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check %s %s: %w", table, id, err)
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", table, id, models.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", table, id, models.ErrStaleState)
}
