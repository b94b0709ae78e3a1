// Profile persistence. Profiles are seeded from the YAML topology at
// startup and mutated at runtime only through the narrow operations below
// (use counting, pending_replace flagging).
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/browserfarm/orchestrator/internal/domain"
)

// UpsertProfileParams carries the seedable profile fields.
type UpsertProfileParams struct {
	ProfileID         string
	ProfileValue      string
	SocksID           string
	AllowedContainers []string
	MaxUses           *int
	PendingReplace    bool

	// PreserveExistingSocks keeps an operator-patched socks binding on
	// conflict: a config re-seed then updates everything except socks_id.
	PreserveExistingSocks bool
}

// UpsertProfile inserts or updates a profile row. uses_count is never reset
// by an upsert; created_at is kept from the original insert.
func UpsertProfile(ctx context.Context, db *gorm.DB, p UpsertProfileParams) error {
	now := domain.NowISO()
	row := &domain.Profile{
		ProfileID:      p.ProfileID,
		ProfileValue:   p.ProfileValue,
		SocksID:        p.SocksID,
		MaxUses:        p.MaxUses,
		PendingReplace: p.PendingReplace,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	row.SetAllowedContainers(p.AllowedContainers)

	updates := []string{"profile_value", "socks_id", "allowed_containers_json", "max_uses", "pending_replace", "updated_at"}
	if p.PreserveExistingSocks {
		updates = []string{"profile_value", "allowed_containers_json", "max_uses", "pending_replace", "updated_at"}
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "profile_id"}},
			DoUpdates: clause.AssignmentColumns(updates),
		}).
		Create(row).Error
}

// GetProfile fetches a profile by id, or ErrNotFound if missing.
func GetProfile(ctx context.Context, db *gorm.DB, profileID string) (*domain.Profile, error) {
	var p domain.Profile
	if err := db.WithContext(ctx).First(&p, "profile_id = ?", profileID).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProfiles returns all profiles ordered by id ascending.
func ListProfiles(ctx context.Context, db *gorm.DB) ([]domain.Profile, error) {
	var out []domain.Profile
	err := db.WithContext(ctx).Order("profile_id asc").Find(&out).Error
	return out, err
}

// ListProfilesByUse returns all profiles ordered by (uses_count asc,
// profile_id asc), the order automatic candidate enumeration walks them in.
func ListProfilesByUse(ctx context.Context, db *gorm.DB) ([]domain.Profile, error) {
	var out []domain.Profile
	err := db.WithContext(ctx).Order("uses_count asc, profile_id asc").Find(&out).Error
	return out, err
}

// IncrementProfileUse adds by to a profile's uses_count. Non-positive
// increments are ignored.
func IncrementProfileUse(ctx context.Context, db *gorm.DB, profileID string, by int) error {
	if by <= 0 {
		return nil
	}
	return db.WithContext(ctx).
		Model(&domain.Profile{}).
		Where("profile_id = ?", profileID).
		Updates(map[string]any{
			"uses_count": gorm.Expr("COALESCE(uses_count,0) + ?", by),
			"updated_at": domain.NowISO(),
		}).Error
}

// SetProfilePendingReplace flips the pending_replace flag. A flagged
// profile is skipped by automatic candidate enumeration but still usable
// when named explicitly.
func SetProfilePendingReplace(ctx context.Context, db *gorm.DB, profileID string, pending bool) error {
	res := db.WithContext(ctx).
		Model(&domain.Profile{}).
		Where("profile_id = ?", profileID).
		Updates(map[string]any{
			"pending_replace": pending,
			"updated_at":      domain.NowISO(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
