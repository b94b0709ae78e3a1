// Per-container exchange logging. Every request/response pair a client
// performs is forwarded to an ExchangeLogger; the file implementation
// writes one JSONL line per exchange into a rotating per-container file,
// with secrets masked and oversized fields summarized.
package upstream

import (
	"encoding/json"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Record is one upstream exchange.
type Record struct {
	ContainerID string `json:"container_id"`
	RequestID   string `json:"request_id,omitempty"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	URL         string `json:"url"`
	StatusCode  int    `json:"status_code,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
	Error       string `json:"error,omitempty"`
	Request     any    `json:"request,omitempty"`
	Response    any    `json:"response,omitempty"`
}

// ExchangeLogger receives every upstream exchange. Implementations must be
// safe for concurrent use and must never fail the calling request.
type ExchangeLogger interface {
	LogExchange(Record)
}

// FileLogConfig configures a FileExchangeLogger.
type FileLogConfig struct {
	Dir           string
	MaxBytes      int
	BackupCount   int
	IncludeBodies bool
	RedactSecrets bool
	MaxFieldChars int
}

// FileExchangeLogger writes per-container JSONL files with size-based
// rotation. One file per container id, rotated by lumberjack.
type FileExchangeLogger struct {
	cfg FileLogConfig

	mu      sync.Mutex
	writers map[string]*lumberjack.Logger
}

// NewFileExchangeLogger builds a rotating JSONL exchange logger.
func NewFileExchangeLogger(cfg FileLogConfig) *FileExchangeLogger {
	if cfg.MaxBytes < 1024 {
		cfg.MaxBytes = 1024
	}
	if cfg.BackupCount < 0 {
		cfg.BackupCount = 0
	}
	if cfg.MaxFieldChars < 256 {
		cfg.MaxFieldChars = 256
	}
	return &FileExchangeLogger{
		cfg:     cfg,
		writers: make(map[string]*lumberjack.Logger),
	}
}

var containerIDSanitizeRe = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func sanitizeContainerID(id string) string {
	s := strings.TrimSpace(id)
	if s == "" {
		s = "unknown"
	}
	s = containerIDSanitizeRe.ReplaceAllString(s, "_")
	if len(s) > 128 {
		s = s[:128]
	}
	return s
}

// LogExchange writes one JSONL line. Failures are reported to the process
// log and otherwise swallowed.
func (l *FileExchangeLogger) LogExchange(r Record) {
	cid := sanitizeContainerID(r.ContainerID)
	r.ContainerID = cid
	r.Request = sanitizeValue(r.Request, l.cfg)
	r.Response = sanitizeValue(r.Response, l.cfg)

	line := struct {
		TS string `json:"ts"`
		Record
	}{
		TS:     time.Now().UTC().Format(time.RFC3339Nano),
		Record: r,
	}
	b, err := json.Marshal(line)
	if err != nil {
		log.Warn().Err(err).Str("container_id", cid).Msg("container io log: marshal failed")
		return
	}
	b = append(b, '\n')

	if _, err := l.writerFor(cid).Write(b); err != nil {
		log.Warn().Err(err).Str("container_id", cid).Msg("container io log: write failed")
	}
}

func (l *FileExchangeLogger) writerFor(cid string) *lumberjack.Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.writers[cid]; ok {
		return w
	}
	w := &lumberjack.Logger{
		Filename:   filepath.Join(l.cfg.Dir, cid+".jsonl"),
		MaxSize:    maxMegabytes(l.cfg.MaxBytes),
		MaxBackups: l.cfg.BackupCount,
	}
	l.writers[cid] = w
	return w
}

// maxMegabytes converts a byte budget to lumberjack's whole-megabyte unit,
// rounding up so small budgets still rotate.
func maxMegabytes(b int) int {
	mb := (b + (1 << 20) - 1) >> 20
	if mb < 1 {
		mb = 1
	}
	return mb
}

// Close flushes and closes all per-container files.
func (l *FileExchangeLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	for _, w := range l.writers {
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// b64Keys are summarized rather than logged in full.
var b64Keys = map[string]bool{"image_b64": true, "img_b64": true, "b64": true, "base64": true}

// secretKeys are redacted when secret redaction is on.
var secretKeys = map[string]bool{
	"socks": true, "socks_override": true, "proxy": true, "proxy_url": true,
	"authorization": true, "cookie": true,
}

// sanitizeValue walks a decoded JSON value, masking socks credentials,
// summarizing base64 blobs, truncating long strings, and collapsing
// container bodies when include_bodies is off.
func sanitizeValue(v any, cfg FileLogConfig) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool, float64, int, int64:
		return t
	case string:
		s := t
		if cfg.RedactSecrets && strings.Contains(s, "://") {
			s = RedactSocksURL(s)
		}
		return truncateString(s, cfg.MaxFieldChars)
	case []any:
		if !cfg.IncludeBodies {
			return map[string]any{"__list__": true, "len": len(t)}
		}
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = sanitizeValue(x, cfg)
		}
		return out
	case map[string]any:
		if !cfg.IncludeBodies {
			keys := make([]string, 0, len(t))
			for k := range t {
				if len(keys) >= 50 {
					break
				}
				keys = append(keys, k)
			}
			return map[string]any{"__dict__": true, "keys": keys, "len": len(t)}
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			kl := strings.ToLower(k)
			if b64Keys[kl] {
				if s, ok := val.(string); ok {
					head := s
					if len(head) > 120 {
						head = head[:120]
					}
					out[k] = map[string]any{"__b64__": true, "len": len(s), "head": head}
					continue
				}
			}
			if cfg.RedactSecrets && secretKeys[kl] {
				if s, ok := val.(string); ok {
					out[k] = truncateString(RedactSocksURL(s), cfg.MaxFieldChars)
					continue
				}
			}
			out[k] = sanitizeValue(val, cfg)
		}
		return out
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "<unprintable>"
		}
		s := string(b)
		if cfg.RedactSecrets {
			s = RedactSocksURL(s)
		}
		return truncateString(s, cfg.MaxFieldChars)
	}
}

func truncateString(s string, max int) any {
	if max <= 0 || len(s) <= max {
		return s
	}
	return map[string]any{"__truncated__": true, "len": len(s), "head": s[:max]}
}
