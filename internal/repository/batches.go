package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/foodshare/fulfillment/internal/models"
)

const batchColumns = `id, campaign_id, item_ids, required_capacity, assigned_volunteer_id, created_at`

func scanBatch(row rowScanner) (*models.Batch, error) {
	b := &models.Batch{}
	var volunteer sql.NullString
	err := row.Scan(&b.ID, &b.CampaignID, pq.Array(&b.ItemIDs), &b.RequiredCapacity, &volunteer, &b.CreatedAt)
	if err != nil {
		return nil, err
	}
	b.AssignedVolunteerID = volunteer.String
	return b, nil
}

func (r *PostgresRepository) CreateBatch(ctx context.Context, b *models.Batch) error {
	if len(b.ItemIDs) == 0 {
		return fmt.Errorf("create batch %s: no items", b.ID)
	}
	query := `INSERT INTO batches (` + batchColumns + `) VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := r.q.ExecContext(ctx, query,
		b.ID, b.CampaignID, pq.Array(b.ItemIDs), b.RequiredCapacity, nullString(b.AssignedVolunteerID), b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetBatch(ctx context.Context, id string) (*models.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id=$1`
	b, err := scanBatch(r.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

func (r *PostgresRepository) ListBatchesByCampaign(ctx context.Context, campaignID string) ([]*models.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE campaign_id=$1 ORDER BY created_at, id`
	rows, err := r.q.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var res []*models.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r *PostgresRepository) SetBatchVolunteer(ctx context.Context, id, volunteerID string) error {
	query := `UPDATE batches SET assigned_volunteer_id=$1 WHERE id=$2 AND assigned_volunteer_id IS NULL`
	res, err := r.q.ExecContext(ctx, query, volunteerID, id)
	if err != nil {
		return fmt.Errorf("set batch volunteer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.staleOrMissing(ctx, "batches", id)
	}
	return nil
}

func (r *PostgresRepository) DeleteBatch(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM batches WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("batch %s: %w", id, models.ErrNotFound)
	}
	return nil
}
