// Package prompts resolves prompt ids to their start-prompt text.
// Start prompts live in files next to the topology config so operators
// can edit them without a restart; the registry re-reads a file whenever
// its mtime changes.
package prompts

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/browserfarm/orchestrator/internal/config"
)

// DefaultMaxChatUses bounds chat reuse when neither the request nor the
// prompt config names a limit.
const DefaultMaxChatUses = 50

// PromptSpec is a resolved prompt: its id, the current start-prompt text,
// and the chat reuse bound for sessions created under it.
type PromptSpec struct {
	PromptID           string
	StartPrompt        string
	DefaultMaxChatUses int
}

type promptEntry struct {
	cfg config.PromptConfig

	mu      sync.Mutex
	modTime time.Time
	text    string
	loaded  bool
}

// Registry maps prompt ids to start-prompt files.
type Registry struct {
	entries map[string]*promptEntry
	ids     []string
}

// NewRegistry builds a registry from the configured prompts.
func NewRegistry(configs []config.PromptConfig) *Registry {
	r := &Registry{entries: make(map[string]*promptEntry, len(configs))}
	for _, c := range configs {
		if _, dup := r.entries[c.PromptID]; dup {
			continue
		}
		r.entries[c.PromptID] = &promptEntry{cfg: c}
		r.ids = append(r.ids, c.PromptID)
	}
	return r
}

// IDs returns the configured prompt ids in config order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

// Has reports whether a prompt id is configured.
func (r *Registry) Has(promptID string) bool {
	_, ok := r.entries[promptID]
	return ok
}

// Get resolves a prompt id. Unknown ids error; a missing or unreadable
// start-prompt file resolves to an empty start prompt so sessions can
// still be created without one.
func (r *Registry) Get(promptID string) (PromptSpec, error) {
	e, ok := r.entries[promptID]
	if !ok {
		return PromptSpec{}, fmt.Errorf("unknown prompt_id: %s", promptID)
	}

	maxUses := e.cfg.DefaultMaxChatUses
	if maxUses <= 0 {
		maxUses = DefaultMaxChatUses
	}

	return PromptSpec{
		PromptID:           promptID,
		StartPrompt:        e.startPrompt(),
		DefaultMaxChatUses: maxUses,
	}, nil
}

// startPrompt returns the file contents, re-reading only when the mtime
// changed since the last read.
func (e *promptEntry) startPrompt() string {
	if strings.TrimSpace(e.cfg.File) == "" {
		return ""
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	st, err := os.Stat(e.cfg.File)
	if err != nil {
		if e.loaded {
			// Keep the last good text if the file disappears.
			return e.text
		}
		log.Warn().Err(err).Str("prompt_id", e.cfg.PromptID).Str("file", e.cfg.File).
			Msg("start prompt file unavailable")
		return ""
	}
	if e.loaded && st.ModTime().Equal(e.modTime) {
		return e.text
	}

	raw, err := os.ReadFile(e.cfg.File)
	if err != nil {
		log.Warn().Err(err).Str("prompt_id", e.cfg.PromptID).Str("file", e.cfg.File).
			Msg("start prompt read failed")
		return e.text
	}
	e.text = strings.TrimSpace(string(raw))
	e.modTime = st.ModTime()
	e.loaded = true
	return e.text
}
