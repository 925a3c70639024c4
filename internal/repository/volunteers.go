package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/foodshare/fulfillment/internal/models"
)

// Volunteer profiles are owned by the user-management service; this core only reads them.

func (r *PostgresRepository) GetVolunteer(ctx context.Context, id string) (*models.VolunteerProfile, error) {
	v := &models.VolunteerProfile{}
	err := r.q.QueryRowContext(ctx,
		`SELECT id, name, transport_capacity FROM volunteers WHERE id=$1`, id,
	).Scan(&v.ID, &v.Name, &v.TransportCapacity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("volunteer %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get volunteer: %w", err)
	}
	return v, nil
}

func (r *PostgresRepository) ListCampaignVolunteers(ctx context.Context, campaignID string) ([]*models.VolunteerProfile, error) {
	query := `SELECT v.id, v.name, v.transport_capacity
		FROM volunteers v
		JOIN campaign_volunteers cv ON cv.volunteer_id = v.id
		WHERE cv.campaign_id=$1
		ORDER BY v.id`
	rows, err := r.q.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list campaign volunteers: %w", err)
	}
	defer rows.Close()

	var res []*models.VolunteerProfile
	for rows.Next() {
		v := &models.VolunteerProfile{}
		if err := rows.Scan(&v.ID, &v.Name, &v.TransportCapacity); err != nil {
			return nil, fmt.Errorf("scan volunteer: %w", err)
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
