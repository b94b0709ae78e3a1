// Advisory chat leases. A lease parks one chat (by page_url) for an
// external owner for a TTL, and marks its container unavailable to the
// selector for the duration. Expired leases are cleared lazily on read.
package repo

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/browserfarm/orchestrator/internal/domain"
)

// IsChatLocked reports whether the session's advisory lease is currently
// held. An expired lease is cleared as a side effect.
func IsChatLocked(ctx context.Context, db *gorm.DB, id int64) (bool, error) {
	var s domain.ChatSession
	if err := db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return false, nil
		}
		return false, err
	}
	if strings.TrimSpace(s.LockedUntil) == "" {
		return false, nil
	}
	until, ok := domain.ParseISO(s.LockedUntil)
	if !ok || !until.After(time.Now().UTC()) {
		err := db.WithContext(ctx).
			Model(&domain.ChatSession{}).
			Where("id = ?", id).
			Updates(map[string]any{"locked_by": "", "locked_until": ""}).Error
		return false, err
	}
	return true, nil
}

// ListLockedContainers returns the set of container ids that currently
// hold at least one active chat lease. The selector treats these as
// unavailable.
func ListLockedContainers(ctx context.Context, db *gorm.DB, now time.Time) (map[string]struct{}, error) {
	nowISO := now.UTC().Format(domain.TimeFormat)
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Distinct("container_id").
		Where("COALESCE(locked_until,'') <> '' AND locked_until > ?", nowISO).
		Pluck("container_id", &ids).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

// LockChatByURL grants (or refreshes) the lease on every session row at
// page_url for lockedBy with the given TTL and returns the latest row at
// that URL. Returns ErrNotFound when the URL is unknown, and ErrNotFound
// for blank input or non-positive TTL as well.
func LockChatByURL(ctx context.Context, db *gorm.DB, pageURL, lockedBy string, ttl time.Duration) (*domain.ChatSession, error) {
	url := strings.TrimSpace(pageURL)
	who := strings.TrimSpace(lockedBy)
	if url == "" || who == "" || ttl <= 0 {
		return nil, ErrNotFound
	}
	now := time.Now().UTC()
	err := db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("page_url = ?", url).
		Updates(map[string]any{
			"locked_by":    who,
			"locked_until": now.Add(ttl).Format(domain.TimeFormat),
			"updated_at":   now.Format(domain.TimeFormat),
		}).Error
	if err != nil {
		return nil, err
	}
	return GetChatSessionByURL(ctx, db, url)
}

// UnlockChatByURL releases the lease on the latest session at page_url,
// but only when lockedBy matches the current owner. Returns true when the
// lease was released.
func UnlockChatByURL(ctx context.Context, db *gorm.DB, pageURL, lockedBy string) (bool, error) {
	url := strings.TrimSpace(pageURL)
	who := strings.TrimSpace(lockedBy)
	if url == "" || who == "" {
		return false, nil
	}
	s, err := GetChatSessionByURL(ctx, db, url)
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return false, nil
		}
		return false, err
	}
	if s.LockedBy != who {
		return false, nil
	}
	err = db.WithContext(ctx).
		Model(&domain.ChatSession{}).
		Where("id = ?", s.ID).
		Updates(map[string]any{"locked_by": "", "locked_until": ""}).Error
	if err != nil {
		return false, err
	}
	return true, nil
}
