package containers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/browserfarm/orchestrator/internal/repo"
)

// SessionInfo is the registered chat session a container is currently
// rendering, attached to its status report.
type SessionInfo struct {
	ID        int64  `json:"id"`
	PromptID  string `json:"prompt_id"`
	ProfileID string `json:"profile_id"`
	SocksID   string `json:"socks_id,omitempty"`
	ChatID    string `json:"chat_id,omitempty"`
	UsesCount int    `json:"uses_count"`
	Disabled  bool   `json:"disabled"`
	Tag       string `json:"tag,omitempty"`
	Blocked   bool   `json:"blocked"`
}

// ContainerStatus is one container's aggregated status for the admin
// surface: live upstream state plus what the session store knows about
// the page it has open.
type ContainerStatus struct {
	ContainerID string       `json:"container_id"`
	Enabled     bool         `json:"enabled"`
	Reachable   bool         `json:"reachable"`
	Busy        bool         `json:"busy"`
	Locked      bool         `json:"locked"`
	PageURL     string       `json:"page_url,omitempty"`
	Status      any          `json:"status,omitempty"`
	Error       string       `json:"error,omitempty"`
	Session     *SessionInfo `json:"session,omitempty"`
}

// StatusCollector aggregates container status reports.
type StatusCollector struct {
	db   *gorm.DB
	pool ClientPool
}

// NewStatusCollector returns a collector over the pool and session store.
func NewStatusCollector(db *gorm.DB, pool ClientPool) *StatusCollector {
	return &StatusCollector{db: db, pool: pool}
}

// One reports a single container, enabled or not. Unknown ids error.
func (c *StatusCollector) One(ctx context.Context, containerID, requestID string) (*ContainerStatus, error) {
	if _, err := c.pool.Get(containerID); err != nil {
		return nil, fmt.Errorf("unknown container_id: %s", containerID)
	}
	locked, err := repo.ListLockedContainers(ctx, c.db, time.Now())
	if err != nil {
		return nil, err
	}
	st := c.collect(ctx, containerID, requestID, locked)
	return &st, nil
}

// All reports every configured container, probing them concurrently.
func (c *StatusCollector) All(ctx context.Context, requestID string) ([]ContainerStatus, error) {
	locked, err := repo.ListLockedContainers(ctx, c.db, time.Now())
	if err != nil {
		return nil, err
	}

	ids := c.pool.IDs()
	out := make([]ContainerStatus, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			out[i] = c.collect(gctx, id, requestID, locked)
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (c *StatusCollector) collect(ctx context.Context, containerID, requestID string, locked map[string]struct{}) ContainerStatus {
	_, isLocked := locked[containerID]
	out := ContainerStatus{
		ContainerID: containerID,
		Enabled:     c.pool.IsEnabled(containerID),
		Locked:      isLocked,
	}

	client, err := c.pool.Get(containerID)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	st, err := client.Status(ctx, requestID)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.Reachable = true
	out.Busy = st.IsBusy()
	out.PageURL = st.PageURL()
	out.Status = st.Raw

	if url := strings.TrimSpace(out.PageURL); url != "" {
		if sess, err := repo.GetChatSessionByURL(ctx, c.db, url); err == nil {
			out.Session = &SessionInfo{
				ID:        sess.ID,
				PromptID:  sess.PromptID,
				ProfileID: sess.ProfileID,
				SocksID:   sess.SocksID,
				ChatID:    sess.ChatID,
				UsesCount: sess.UsesCount,
				Disabled:  sess.Disabled,
				Tag:       sess.Tag,
				Blocked:   sess.Blocked() || sess.Disabled,
			}
		}
	}
	return out
}
