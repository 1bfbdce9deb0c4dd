package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/service-dispatch/internal/model"
)

// ContractorRepo reads contractor_profiles and the contractor's own
// presence and location updates.
type ContractorRepo struct {
	db *sql.DB
}

// NewContractorRepo returns a new ContractorRepo bound to the given database.
func NewContractorRepo(db *sql.DB) *ContractorRepo { return &ContractorRepo{db: db} }

const contractorColumns = `id, user_id, business_name, verification_status, is_online, latitude, longitude, avg_rating, updated_at`

func scanContractor(s scanner) (*model.ContractorProfile, error) {
	var (
		c        model.ContractorProfile
		name     sql.NullString
		lat, lng sql.NullFloat64
	)
	if err := s.Scan(&c.ID, &c.UserID, &name, &c.VerificationStatus, &c.IsOnline, &lat, &lng, &c.AvgRating, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.BusinessName = stringPtr(name)
	c.Lat = floatPtr(lat)
	c.Lng = floatPtr(lng)
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (r *ContractorRepo) getOne(ctx context.Context, where string, arg any) (*model.ContractorProfile, error) {
	c, err := scanContractor(r.db.QueryRowContext(ctx, `SELECT `+contractorColumns+` FROM contractor_profiles WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// GetByID returns a profile by its primary key.
func (r *ContractorRepo) GetByID(ctx context.Context, id uint64) (*model.ContractorProfile, error) {
	return r.getOne(ctx, "id = ?", id)
}

// GetByUserID returns the profile owned by a user account.
func (r *ContractorRepo) GetByUserID(ctx context.Context, userID uint64) (*model.ContractorProfile, error) {
	return r.getOne(ctx, "user_id = ?", userID)
}

// ListOnlineVerified returns broadcast candidates: online, verified and
// located contractors.
func (r *ContractorRepo) ListOnlineVerified(ctx context.Context) ([]model.ContractorProfile, error) {
	const q = `SELECT ` + contractorColumns + ` FROM contractor_profiles
		WHERE is_online = 1 AND verification_status = 'verified'
		  AND latitude IS NOT NULL AND longitude IS NOT NULL`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ContractorProfile
	for rows.Next() {
		c, err := scanContractor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SetOnline flips the online flag for the contractor owned by userID and
// returns the updated profile.
func (r *ContractorRepo) SetOnline(ctx context.Context, userID uint64, online bool) (*model.ContractorProfile, error) {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE contractor_profiles SET is_online = ?, updated_at = ? WHERE user_id = ?`,
		online, time.Now().UTC(), userID); err != nil {
		return nil, err
	}
	// RowsAffected is 0 for an unchanged row too, so existence is
	// confirmed by reading back.
	return r.GetByUserID(ctx, userID)
}

// UpdateLocation stores the contractor's last known coordinates.
func (r *ContractorRepo) UpdateLocation(ctx context.Context, userID uint64, lat, lng float64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE contractor_profiles SET latitude = ?, longitude = ?, updated_at = ? WHERE user_id = ?`,
		lat, lng, time.Now().UTC(), userID)
	return err
}

// ServiceBasePrice returns the base price of a contractor service, or nil
// when the service has none.
func (r *ContractorRepo) ServiceBasePrice(ctx context.Context, serviceID uint64) (*int64, error) {
	var price sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT base_price_cents FROM contractor_services WHERE id = ? AND is_active = 1`, serviceID).Scan(&price)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return int64Ptr(price), nil
}
