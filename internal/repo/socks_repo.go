// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for socks proxy
// rows.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/browserfarm/orchestrator/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across callers.
var ErrNotFound = gorm.ErrRecordNotFound

// UpsertSocks inserts or updates a socks row. On conflict the URL and
// updated_at are refreshed; created_at is kept from the original insert.
func UpsertSocks(ctx context.Context, db *gorm.DB, socksID, url string) error {
	now := domain.NowISO()
	row := &domain.Socks{
		SocksID:   socksID,
		URL:       url,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "socks_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"url", "updated_at"}),
		}).
		Create(row).Error
}

// GetSocks fetches a socks row by id, or ErrNotFound if missing.
func GetSocks(ctx context.Context, db *gorm.DB, socksID string) (*domain.Socks, error) {
	var s domain.Socks
	if err := db.WithContext(ctx).First(&s, "socks_id = ?", socksID).Error; err != nil {
		return nil, err
	}
	return &s, nil
}
