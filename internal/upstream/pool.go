package upstream

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/browserfarm/orchestrator/internal/config"
)

// Pool holds one Client per configured container plus the runtime enabled
// set. Enable/Disable only affect selection; the client itself stays
// usable for admin calls against a disabled container.
type Pool struct {
	clients map[string]*Client

	mu      sync.RWMutex
	enabled map[string]struct{}
}

// NewPool builds clients for every configured container. Containers with
// enabled omitted or true start in the enabled set.
func NewPool(containers []config.ContainerConfig, ioLogger ExchangeLogger) (*Pool, error) {
	p := &Pool{
		clients: make(map[string]*Client, len(containers)),
		enabled: make(map[string]struct{}, len(containers)),
	}
	for _, c := range containers {
		if c.ID == "" {
			return nil, fmt.Errorf("container config must have an id")
		}
		if c.BaseURL == "" {
			return nil, fmt.Errorf("container %q must have a base_url", c.ID)
		}
		p.clients[c.ID] = NewClient(c.BaseURL, ClientOptions{
			ConnectTimeout: secondsOrDefault(c.Timeouts.ConnectSeconds, 10*time.Second),
			ReadTimeout:    secondsOrDefault(c.Timeouts.ReadSeconds, 120*time.Second),
			AnalyzeRetries: c.AnalyzeRetries,
			ContainerID:    c.ID,
			IOLogger:       ioLogger,
		})
		if c.IsEnabled() {
			p.enabled[c.ID] = struct{}{}
		}
	}
	return p, nil
}

func secondsOrDefault(s float64, def time.Duration) time.Duration {
	if s <= 0 {
		return def
	}
	return time.Duration(s * float64(time.Second))
}

// ListEnabled returns the enabled container ids sorted ascending.
func (p *Pool) ListEnabled() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.enabled))
	for id := range p.enabled {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsEnabled reports whether the container participates in selection.
func (p *Pool) IsEnabled(containerID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.enabled[containerID]
	return ok
}

// Enable adds a known container to the enabled set. Unknown ids error.
func (p *Pool) Enable(containerID string) error {
	if _, ok := p.clients[containerID]; !ok {
		return fmt.Errorf("unknown container_id: %s", containerID)
	}
	p.mu.Lock()
	p.enabled[containerID] = struct{}{}
	p.mu.Unlock()
	return nil
}

// Disable removes a container from the enabled set. Unknown ids are a
// no-op.
func (p *Pool) Disable(containerID string) {
	p.mu.Lock()
	delete(p.enabled, containerID)
	p.mu.Unlock()
}

// Get returns the client for a container id, or an error for unknown ids.
// Disabled containers are still returned; admin surfaces need them.
func (p *Pool) Get(containerID string) (*Client, error) {
	c, ok := p.clients[containerID]
	if !ok {
		return nil, fmt.Errorf("unknown container_id: %s", containerID)
	}
	return c, nil
}

// IDs returns every configured container id, enabled or not, sorted.
func (p *Pool) IDs() []string {
	out := make([]string, 0, len(p.clients))
	for id := range p.clients {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
