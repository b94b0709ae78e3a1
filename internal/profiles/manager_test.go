package profiles

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/browserfarm/orchestrator/internal/config"
	"github.com/browserfarm/orchestrator/internal/domain"
	"github.com/browserfarm/orchestrator/internal/repo"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.Socks{}, &domain.Profile{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func intPtr(n int) *int { return &n }

func testApp() *config.App {
	return &config.App{
		Socks: []config.SocksConfig{
			{SocksID: "s1", URL: "socks5://u:p@h1:1080"},
			{SocksID: "s2", URL: "socks5://u:p@h2:1080"},
		},
		Profiles: []config.ProfileConfig{
			{ProfileID: "p1", ProfileValue: "profile-one", SocksID: "s1", AllowedContainers: []string{"c1"}, MaxUses: intPtr(100)},
			{ProfileID: "p2", ProfileValue: "profile-two", SocksID: "s2"},
			{ProfileID: "p3", ProfileValue: "profile-three"},
		},
	}
}

func TestSeedFromConfig(t *testing.T) {
	db := newTestDB(t)
	m := NewManager(db)
	ctx := context.Background()

	if err := m.SeedFromConfig(ctx, testApp()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	p, err := repo.GetProfile(ctx, db, "p1")
	if err != nil {
		t.Fatalf("get p1: %v", err)
	}
	if p.ProfileValue != "profile-one" || p.SocksID != "s1" || p.MaxUses == nil || *p.MaxUses != 100 {
		t.Fatalf("p1 unexpected: %+v", p)
	}
	if ac := p.AllowedContainers(); len(ac) != 1 || ac[0] != "c1" {
		t.Fatalf("allowed containers unexpected: %v", ac)
	}

	// Re-seeding keeps uses_count.
	if err := m.IncrementUse(ctx, "p1", 3); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := m.SeedFromConfig(ctx, testApp()); err != nil {
		t.Fatalf("re-seed: %v", err)
	}
	p, err = repo.GetProfile(ctx, db, "p1")
	if err != nil {
		t.Fatalf("get p1 after re-seed: %v", err)
	}
	if p.UsesCount != 3 {
		t.Fatalf("uses_count must survive re-seed, got %d", p.UsesCount)
	}
}

func TestResolveForRequest(t *testing.T) {
	db := newTestDB(t)
	m := NewManager(db)
	ctx := context.Background()
	if err := m.SeedFromConfig(ctx, testApp()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	t.Run("bound socks", func(t *testing.T) {
		r, err := m.ResolveForRequest(ctx, "p1", "", true)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if r.SocksID != "s1" || r.SocksURL != "socks5://u:p@h1:1080" {
			t.Fatalf("resolved socks unexpected: %+v", r)
		}
	})

	t.Run("no socks binding", func(t *testing.T) {
		r, err := m.ResolveForRequest(ctx, "p3", "", true)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if r.SocksID != "" || r.SocksURL != "" {
			t.Fatalf("unbound profile must resolve without socks: %+v", r)
		}
	})

	t.Run("override by socks id", func(t *testing.T) {
		r, err := m.ResolveForRequest(ctx, "p1", "s2", true)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if r.SocksID != "s2" || r.SocksURL != "socks5://u:p@h2:1080" {
			t.Fatalf("override unexpected: %+v", r)
		}
	})

	t.Run("override by literal url", func(t *testing.T) {
		r, err := m.ResolveForRequest(ctx, "p1", "socks5://x:y@custom:9999", true)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if r.SocksID != "" || r.SocksURL != "socks5://x:y@custom:9999" {
			t.Fatalf("literal override unexpected: %+v", r)
		}
	})

	t.Run("override denied", func(t *testing.T) {
		_, err := m.ResolveForRequest(ctx, "p1", "s2", false)
		if !errors.Is(err, ErrSocksOverrideDenied) {
			t.Fatalf("expected override denied, got %v", err)
		}
	})

	t.Run("unknown profile", func(t *testing.T) {
		_, err := m.ResolveForRequest(ctx, "nope", "", true)
		if !errors.Is(err, ErrUnknownProfile) {
			t.Fatalf("expected unknown profile, got %v", err)
		}
	})

	t.Run("unknown socks override", func(t *testing.T) {
		_, err := m.ResolveForRequest(ctx, "p1", "missing-socks", true)
		if !errors.Is(err, ErrUnknownSocks) {
			t.Fatalf("expected unknown socks, got %v", err)
		}
	})

	t.Run("dangling profile binding", func(t *testing.T) {
		err := repo.UpsertProfile(ctx, db, repo.UpsertProfileParams{
			ProfileID: "p4", ProfileValue: "v", SocksID: "ghost",
		})
		if err != nil {
			t.Fatalf("seed p4: %v", err)
		}
		_, err = m.ResolveForRequest(ctx, "p4", "", true)
		if !errors.Is(err, ErrUnknownSocks) {
			t.Fatalf("expected unknown socks, got %v", err)
		}
	})
}

func TestSetPendingReplace(t *testing.T) {
	db := newTestDB(t)
	m := NewManager(db)
	ctx := context.Background()
	if err := m.SeedFromConfig(ctx, testApp()); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := m.SetPendingReplace(ctx, "p2", true); err != nil {
		t.Fatalf("set pending: %v", err)
	}
	p, err := repo.GetProfile(ctx, db, "p2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !p.PendingReplace {
		t.Fatalf("pending_replace must be set")
	}
	if err := m.SetPendingReplace(ctx, "nope", true); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown profile must return not found, got %v", err)
	}
}
