package profiles

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/browserfarm/orchestrator/internal/config"
	"github.com/browserfarm/orchestrator/internal/domain"
	"github.com/browserfarm/orchestrator/internal/repo"
)

// ErrUnknownProfile is returned when a request names a profile that is
// not seeded in the database.
var ErrUnknownProfile = errors.New("unknown profile_id")

// ErrUnknownSocks is returned when a profile (or a socks override) points
// at a socks id that does not exist.
var ErrUnknownSocks = errors.New("unknown socks_id")

// ErrSocksOverrideDenied is returned when a request carries socks_override
// but the topology config forbids overrides.
var ErrSocksOverrideDenied = errors.New("socks_override is not allowed")

// Manager resolves profile identity for solve requests and seeds the
// profile/socks tables from the YAML topology.
type Manager struct {
	db *gorm.DB
}

// NewManager returns a Manager over db.
func NewManager(db *gorm.DB) *Manager {
	return &Manager{db: db}
}

// SeedFromConfig upserts every configured socks and profile. Socks rows go
// first so profile references resolve. uses_count is never reset; an
// operator-patched socks binding survives re-seeding when the config still
// names the same socks id family (preserve is off: config is the source of
// truth for socks_id on re-seed).
func (m *Manager) SeedFromConfig(ctx context.Context, app *config.App) error {
	for _, s := range app.Socks {
		if err := repo.UpsertSocks(ctx, m.db, s.SocksID, s.URL); err != nil {
			return fmt.Errorf("seed socks %s: %w", s.SocksID, err)
		}
	}
	for _, p := range app.Profiles {
		err := repo.UpsertProfile(ctx, m.db, repo.UpsertProfileParams{
			ProfileID:         p.ProfileID,
			ProfileValue:      p.ProfileValue,
			SocksID:           p.SocksID,
			AllowedContainers: p.AllowedContainers,
			MaxUses:           p.MaxUses,
			PendingReplace:    p.PendingReplace,
		})
		if err != nil {
			return fmt.Errorf("seed profile %s: %w", p.ProfileID, err)
		}
	}
	log.Info().
		Int("socks", len(app.Socks)).
		Int("profiles", len(app.Profiles)).
		Msg("topology seeded")
	return nil
}

// ResolvedProfile is a profile plus the socks coordinates a request will
// run under. SocksURL is the real URL sent to containers; callers must
// redact it before logging or echoing.
type ResolvedProfile struct {
	Profile  *domain.Profile
	SocksID  string
	SocksURL string
}

// ResolveForRequest loads the profile and resolves its socks binding.
//
// socksOverride replaces the profile's binding for this request only:
// a scheme-prefixed value is taken as a literal proxy URL, anything else
// as a socks id to look up. Overrides are refused when allowOverride is
// false. The override never touches the stored profile row.
func (m *Manager) ResolveForRequest(ctx context.Context, profileID, socksOverride string, allowOverride bool) (*ResolvedProfile, error) {
	p, err := repo.GetProfile(ctx, m.db, profileID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProfile, profileID)
		}
		return nil, err
	}

	out := &ResolvedProfile{Profile: p}

	override := strings.TrimSpace(socksOverride)
	if override != "" {
		if !allowOverride {
			return nil, ErrSocksOverrideDenied
		}
		if strings.Contains(override, "://") {
			out.SocksURL = override
			return out, nil
		}
		s, err := repo.GetSocks(ctx, m.db, override)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownSocks, override)
			}
			return nil, err
		}
		out.SocksID = s.SocksID
		out.SocksURL = s.URL
		return out, nil
	}

	if p.SocksID != "" {
		s, err := repo.GetSocks(ctx, m.db, p.SocksID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s (bound to profile %s)", ErrUnknownSocks, p.SocksID, profileID)
			}
			return nil, err
		}
		out.SocksID = s.SocksID
		out.SocksURL = s.URL
	}
	return out, nil
}

// IncrementUse bumps a profile's uses_count after a successful attempt.
func (m *Manager) IncrementUse(ctx context.Context, profileID string, by int) error {
	return repo.IncrementProfileUse(ctx, m.db, profileID, by)
}

// SetPendingReplace flips a profile's pending_replace flag.
func (m *Manager) SetPendingReplace(ctx context.Context, profileID string, pending bool) error {
	return repo.SetProfilePendingReplace(ctx, m.db, profileID, pending)
}
