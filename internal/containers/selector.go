// Package containers picks which container a solve runs on and aggregates
// container status for the admin surface. Selection honors a pinned chat
// URL, the profile's allowed-containers filter, the cooperative chat-lock
// blocklist, and live busy state, with a round-robin cursor for fairness.
package containers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/browserfarm/orchestrator/internal/repo"
	"github.com/browserfarm/orchestrator/internal/upstream"
)

// Selection failure reason codes.
const (
	ReasonNoEnabledContainers      = "no_enabled_containers"
	ReasonChatURLNotRegistered     = "chat_url_not_registered"
	ReasonChatURLUnavailable       = "chat_url_container_unavailable"
	ReasonChatURLBusyOrMismatch    = "chat_url_container_busy_or_mismatch"
	ReasonAllBusyOrLocked          = "all_busy_or_locked"
	ReasonStrictFanoutNotSatisfied = "strict_fanout_not_satisfied"
)

// NotEnoughContainersError reports that selection could not produce the
// requested containers. Details carries per-container rejection reasons.
type NotEnoughContainersError struct {
	Reason  string
	Details map[string]any
}

func (e *NotEnoughContainersError) Error() string {
	return fmt.Sprintf("not enough containers: %s", e.Reason)
}

// StatusClient is the slice of the upstream client selection needs.
type StatusClient interface {
	Status(ctx context.Context, requestID string) (upstream.StatusPayload, error)
}

// ClientPool abstracts the upstream pool for selection and status
// aggregation.
type ClientPool interface {
	IDs() []string
	ListEnabled() []string
	IsEnabled(containerID string) bool
	Get(containerID string) (StatusClient, error)
}

// AdaptPool wraps an *upstream.Pool as a ClientPool.
func AdaptPool(p *upstream.Pool) ClientPool { return poolAdapter{p} }

type poolAdapter struct{ p *upstream.Pool }

func (a poolAdapter) IDs() []string                { return a.p.IDs() }
func (a poolAdapter) ListEnabled() []string        { return a.p.ListEnabled() }
func (a poolAdapter) IsEnabled(id string) bool     { return a.p.IsEnabled(id) }
func (a poolAdapter) Get(id string) (StatusClient, error) {
	c, err := a.p.Get(id)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Selector chooses containers for solve requests.
type Selector struct {
	db   *gorm.DB
	pool ClientPool

	mu     sync.Mutex
	cursor int
}

// NewSelector returns a selector over the pool and session store.
func NewSelector(db *gorm.DB, pool ClientPool) *Selector {
	return &Selector{db: db, pool: pool}
}

// SelectParams carries one selection request.
type SelectParams struct {
	Fanout            int
	StrictFanout      bool
	AllowedContainers []string
	ChatURL           string // pinned chat page; forces its owning container
	RequestID         string
}

// SelectContainers returns up to Fanout container ids, or a
// *NotEnoughContainersError naming why none qualify.
//
// Candidates are the enabled set intersected with AllowedContainers (when
// non-empty), minus containers holding an active chat lock, minus
// containers reporting busy. A pinned ChatURL short-circuits to the
// container that owns the registered session, after validating it is
// available and actually rendering that URL. The round-robin cursor
// advances exactly once per call.
func (s *Selector) SelectContainers(ctx context.Context, p SelectParams) ([]string, error) {
	fanout := p.Fanout
	if fanout < 1 {
		fanout = 1
	}

	candidates := s.pool.ListEnabled()
	if len(p.AllowedContainers) > 0 {
		allowed := make(map[string]struct{}, len(p.AllowedContainers))
		for _, id := range p.AllowedContainers {
			allowed[id] = struct{}{}
		}
		kept := candidates[:0]
		for _, id := range candidates {
			if _, ok := allowed[id]; ok {
				kept = append(kept, id)
			}
		}
		candidates = kept
	}
	if len(candidates) == 0 {
		return nil, &NotEnoughContainersError{Reason: ReasonNoEnabledContainers}
	}

	blocked, err := repo.ListLockedContainers(ctx, s.db, time.Now())
	if err != nil {
		return nil, fmt.Errorf("list locked containers: %w", err)
	}

	if strings.TrimSpace(p.ChatURL) != "" {
		return s.selectPinned(ctx, strings.TrimSpace(p.ChatURL), candidates, blocked, p.RequestID)
	}

	rejected := map[string]any{}
	probe := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if _, locked := blocked[id]; locked {
			rejected[id] = "locked"
			continue
		}
		probe = append(probe, id)
	}

	busy := make([]bool, len(probe))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range probe {
		i, id := i, id
		g.Go(func() error {
			client, err := s.pool.Get(id)
			if err != nil {
				busy[i] = true
				return nil
			}
			st, err := client.Status(gctx, p.RequestID)
			// A container we cannot ask is busy for this pass.
			busy[i] = err != nil || st.IsBusy()
			return nil
		})
	}
	_ = g.Wait()

	available := make([]string, 0, len(probe))
	for i, id := range probe {
		if busy[i] {
			rejected[id] = "busy"
			continue
		}
		available = append(available, id)
	}
	if len(available) == 0 {
		return nil, &NotEnoughContainersError{
			Reason:  ReasonAllBusyOrLocked,
			Details: map[string]any{"rejected": rejected},
		}
	}

	s.mu.Lock()
	offset := s.cursor % len(available)
	s.cursor++
	s.mu.Unlock()

	picked := make([]string, 0, fanout)
	for i := 0; i < len(available) && len(picked) < fanout; i++ {
		picked = append(picked, available[(offset+i)%len(available)])
	}
	if p.StrictFanout && len(picked) < fanout {
		return nil, &NotEnoughContainersError{
			Reason: ReasonStrictFanoutNotSatisfied,
			Details: map[string]any{
				"requested": fanout,
				"available": len(available),
				"rejected":  rejected,
			},
		}
	}
	return picked, nil
}

// selectPinned resolves a pinned chat URL to its owning container.
func (s *Selector) selectPinned(ctx context.Context, chatURL string, candidates []string, blocked map[string]struct{}, requestID string) ([]string, error) {
	sess, err := repo.GetChatSessionByURL(ctx, s.db, chatURL)
	if err != nil {
		return nil, &NotEnoughContainersError{
			Reason:  ReasonChatURLNotRegistered,
			Details: map[string]any{"chat_url": chatURL},
		}
	}

	inSet := false
	for _, id := range candidates {
		if id == sess.ContainerID {
			inSet = true
			break
		}
	}
	_, locked := blocked[sess.ContainerID]
	if !inSet || locked {
		return nil, &NotEnoughContainersError{
			Reason:  ReasonChatURLUnavailable,
			Details: map[string]any{"container_id": sess.ContainerID, "locked": locked},
		}
	}

	client, err := s.pool.Get(sess.ContainerID)
	if err != nil {
		return nil, &NotEnoughContainersError{
			Reason:  ReasonChatURLUnavailable,
			Details: map[string]any{"container_id": sess.ContainerID},
		}
	}
	st, err := client.Status(ctx, requestID)
	if err != nil || st.IsBusy() || strings.TrimSpace(st.PageURL()) != chatURL {
		details := map[string]any{"container_id": sess.ContainerID}
		if err != nil {
			details["status_error"] = err.Error()
		} else {
			details["busy"] = st.IsBusy()
			details["page_url"] = st.PageURL()
		}
		return nil, &NotEnoughContainersError{
			Reason:  ReasonChatURLBusyOrMismatch,
			Details: details,
		}
	}
	return []string{sess.ContainerID}, nil
}
