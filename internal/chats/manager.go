// Package chats establishes the chat session a solve runs in: reusing a
// registered session when its reuse budget allows, creating a fresh one
// otherwise, and realizing new chats by sending the prompt's start prompt.
package chats

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
	"github.com/browserfarm/orchestrator/internal/upstream"
)

// ErrUnregisteredChatURL is returned when a pinned chat URL has no
// registered session.
var ErrUnregisteredChatURL = errors.New("chat_url is not registered")

// ErrChatURLContainerMismatch is returned when a pinned chat URL belongs
// to a different container than the one selected.
var ErrChatURLContainerMismatch = errors.New("chat_url belongs to another container")

// AnalyzeClient is the slice of the upstream client the manager needs to
// realize a chat via the start prompt.
type AnalyzeClient interface {
	AnalyzeText(ctx context.Context, p upstream.AnalyzeParams, requestID string) (upstream.Result, error)
}

// Manager owns chat session lifecycle against the session store.
type Manager struct {
	db             *gorm.DB
	serviceRootURL string
}

// NewManager returns a Manager. serviceRootURL is the page new chats open
// on before the remote assigns a /c/<id> URL.
func NewManager(db *gorm.DB, serviceRootURL string) *Manager {
	if strings.TrimSpace(serviceRootURL) == "" {
		serviceRootURL = config.DefaultServiceRootURL
	}
	return &Manager{db: db, serviceRootURL: serviceRootURL}
}

// SessionParams describes the session GetOrCreate must land in.
type SessionParams struct {
	ContainerID     string
	PromptID        string
	ProfileID       string
	SocksID         string
	PreferredChatID string
	ChatURL         string // pinned; forces the exact registered session
	ForceNew        bool

	// MaxChatUses is the request-level reuse bound; nil falls back to
	// DefaultMaxChatUses, then to the global default of 50.
	MaxChatUses        *int
	DefaultMaxChatUses int
}

func (p SessionParams) usesLimit() int {
	if p.MaxChatUses != nil && *p.MaxChatUses > 0 {
		return *p.MaxChatUses
	}
	if p.DefaultMaxChatUses > 0 {
		return p.DefaultMaxChatUses
	}
	return 50
}

// GetOrCreate returns the session a solve should use. A pinned ChatURL
// must resolve to a registered session on the given container; otherwise
// the newest usable session is reused while its uses_count stays under
// the limit, and a fresh unrealized row is created when none qualifies.
func (m *Manager) GetOrCreate(ctx context.Context, p SessionParams) (*domain.ChatSession, error) {
	if url := strings.TrimSpace(p.ChatURL); url != "" {
		sess, err := repo.GetChatSessionByURL(ctx, m.db, url)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrUnregisteredChatURL, url)
			}
			return nil, err
		}
		if sess.ContainerID != p.ContainerID {
			return nil, fmt.Errorf("%w: session on %s, selected %s",
				ErrChatURLContainerMismatch, sess.ContainerID, p.ContainerID)
		}
		return sess, nil
	}

	if !p.ForceNew {
		sess, err := repo.GetChatSession(ctx, m.db, p.PromptID, p.ContainerID, p.ProfileID, p.SocksID, p.PreferredChatID)
		if err == nil {
			if sess.UsesCount < p.usesLimit() {
				return sess, nil
			}
			log.Debug().
				Int64("chat_session_id", sess.ID).
				Int("uses_count", sess.UsesCount).
				Int("limit", p.usesLimit()).
				Msg("chat session exhausted, creating new")
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	}

	return repo.CreateChatSession(ctx, m.db, p.ContainerID, p.PromptID, p.ProfileID, p.SocksID, "", m.serviceRootURL)
}

// EnsureLoaded realizes a session that has no chat id yet by sending the
// start prompt, then records the page URL and chat id the remote
// assigned. Sessions that already carry a chat id, and prompts without a
// start prompt, are left alone. The start prompt counts as one use.
func (m *Manager) EnsureLoaded(ctx context.Context, client AnalyzeClient, sess *domain.ChatSession, startPrompt, profileValue, socksURL, requestID string) (*domain.ChatSession, error) {
	if strings.TrimSpace(sess.ChatID) != "" {
		return sess, nil
	}
	if strings.TrimSpace(startPrompt) == "" {
		return sess, nil
	}

	res, err := client.AnalyzeText(ctx, upstream.AnalyzeParams{
		Text:    startPrompt,
		URL:     sess.PageURL,
		Profile: profileValue,
		Socks:   socksURL,
	}, requestID)
	if err != nil {
		return nil, err
	}

	pageURL := strings.TrimSpace(res.PageURL())
	if pageURL == "" {
		pageURL = sess.PageURL
	}
	chatID := upstream.ParseChatIDFromPageURL(pageURL)

	disabled := false
	updated, err := repo.UpdateChatSession(ctx, m.db, sess.ID, repo.ChatSessionUpdate{
		ChatID:   &chatID,
		PageURL:  &pageURL,
		Disabled: &disabled,
	})
	if err != nil {
		return nil, err
	}
	if err := repo.IncrementChatUse(ctx, m.db, updated.ID, 1); err != nil {
		return nil, err
	}
	updated.UsesCount++

	log.Info().
		Int64("chat_session_id", updated.ID).
		Str("container_id", updated.ContainerID).
		Str("chat_id", chatID).
		Msg("chat session realized")
	return updated, nil
}

// ServiceRootURL returns the root page new chats open on.
func (m *Manager) ServiceRootURL() string { return m.serviceRootURL }
