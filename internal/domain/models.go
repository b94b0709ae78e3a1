// Package domain defines the persistence models for the orchestrator:
// socks proxies, browser profiles, durable chat sessions, and the
// job/attempt audit trail. These types are mapped with GORM and form the
// core data layer of the service.
//
// All timestamp columns are ISO-8601 UTC strings with a fixed fractional
// width, so lexicographic comparison equals chronological comparison and
// rows round-trip across tools without driver-specific time handling.
// GORM's automatic time tracking is disabled for these columns.
package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// TimeFormat is the canonical timestamp layout for all persisted columns.
// Fixed-width microseconds keep string ordering chronological.
const TimeFormat = "2006-01-02T15:04:05.000000-07:00"

// NowISO returns the current UTC time in the canonical column format.
func NowISO() string {
	return time.Now().UTC().Format(TimeFormat)
}

// ParseISO parses a persisted timestamp. It tolerates the canonical format,
// RFC 3339 with or without fractional seconds, and a trailing "Z".
// The zero time and false are returned for empty or unparseable input.
func ParseISO(s string) (time.Time, bool) {
	v := strings.TrimSpace(s)
	if v == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{TimeFormat, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Sentinel chat markers. A chat whose chat_id or tag equals one of these is
// never reused: "guest" additionally blocks the owning profile, "archive"
// retires the single chat.
const (
	MarkerGuest   = "guest"
	MarkerArchive = "archive"
)

// NormTag lowercases and trims a tag; empty input stays empty.
func NormTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

// IsBlockedChat reports whether a (chat_id, tag) pair carries a sentinel
// marker that excludes the chat from reuse.
func IsBlockedChat(chatID, tag string) bool {
	switch strings.TrimSpace(chatID) {
	case MarkerGuest, MarkerArchive:
		return true
	}
	switch NormTag(tag) {
	case MarkerGuest, MarkerArchive:
		return true
	}
	return false
}

// Socks is a named SOCKS proxy endpoint. Profiles reference socks rows by
// id; the URL may embed credentials and must be redacted before logging.
type Socks struct {
	SocksID   string `json:"socks_id"   gorm:"column:socks_id;primaryKey"`
	URL       string `json:"url"        gorm:"column:url;not null"`
	CreatedAt string `json:"created_at" gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt string `json:"updated_at" gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName returns the database table name for Socks.
func (Socks) TableName() string { return "socks" }

// Profile is a logical browser identity. A profile binds an opaque
// profile_value (what the container loads), an optional socks proxy, a
// container allow-list, and a use budget.
//
// Fields:
//   - ProfileID: stable primary key.
//   - ProfileValue: opaque value handed to the container verbatim.
//   - SocksID: default socks binding; empty means direct.
//   - AllowedContainersJSON: JSON array of container ids; empty array
//     means any container.
//   - UsesCount / MaxUses: lifetime budget; MaxUses nil means unlimited.
//   - PendingReplace: operator flag excluding the profile from automatic
//     candidate enumeration.
type Profile struct {
	ProfileID             string `json:"profile_id"       gorm:"column:profile_id;primaryKey"`
	ProfileValue          string `json:"profile_value"    gorm:"column:profile_value;not null"`
	SocksID               string `json:"socks_id"         gorm:"column:socks_id"`
	AllowedContainersJSON string `json:"-"                gorm:"column:allowed_containers_json;not null;default:'[]'"`
	UsesCount             int    `json:"uses_count"       gorm:"column:uses_count;not null;default:0"`
	MaxUses               *int   `json:"max_uses"         gorm:"column:max_uses"`
	PendingReplace        bool   `json:"pending_replace"  gorm:"column:pending_replace;not null;default:false;index:idx_profiles_pending_replace"`
	CreatedAt             string `json:"created_at"       gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt             string `json:"updated_at"       gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName returns the database table name for Profile.
func (Profile) TableName() string { return "profiles" }

// AllowedContainers decodes the JSON allow-list. A missing or malformed
// column yields nil (any container allowed).
func (p *Profile) AllowedContainers() []string {
	if strings.TrimSpace(p.AllowedContainersJSON) == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(p.AllowedContainersJSON), &out); err != nil {
		return nil
	}
	return out
}

// SetAllowedContainers encodes the allow-list into the JSON column.
// A nil slice is stored as the empty array.
func (p *Profile) SetAllowedContainers(ids []string) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		p.AllowedContainersJSON = "[]"
		return
	}
	p.AllowedContainersJSON = string(b)
}

// AllowsContainer reports whether the profile may run on the given
// container. An empty allow-list admits every container.
func (p *Profile) AllowsContainer(containerID string) bool {
	allowed := p.AllowedContainers()
	if len(allowed) == 0 {
		return true
	}
	for _, id := range allowed {
		if id == containerID {
			return true
		}
	}
	return false
}

// Exhausted reports whether the profile's use budget is spent.
func (p *Profile) Exhausted() bool {
	return p.MaxUses != nil && p.UsesCount >= *p.MaxUses
}

// ChatSession is one durable upstream chat bound to a
// (container, prompt, profile, socks) coordinate. The page_url is the
// container-visible chat page; chat_id is the service-side id extracted
// from it (or a sentinel marker).
//
// Locking: LockedBy/LockedUntil implement advisory per-chat leases used by
// the /v1/chat/lock surface; an expired lease is cleared lazily on read.
type ChatSession struct {
	ID          int64  `json:"id"            gorm:"column:id;primaryKey;autoIncrement"`
	ContainerID string `json:"container_id"  gorm:"column:container_id;not null;index:idx_chat_sess_lookup,priority:1"`
	PromptID    string `json:"prompt_id"     gorm:"column:prompt_id;not null;index:idx_chat_sess_lookup,priority:2"`
	ProfileID   string `json:"profile_id"    gorm:"column:profile_id;not null;default:'';index:idx_chat_sess_lookup,priority:3"`
	SocksID     string `json:"socks_id"      gorm:"column:socks_id;not null;default:'';index:idx_chat_sess_lookup,priority:4"`
	ChatID      string `json:"chat_id"       gorm:"column:chat_id"`
	PageURL     string `json:"page_url"      gorm:"column:page_url;not null;index:idx_chat_page_url"`
	UsesCount   int    `json:"uses_count"    gorm:"column:uses_count;not null;default:0"`
	Disabled    bool   `json:"disabled"      gorm:"column:disabled;not null;default:false;index:idx_chat_sess_lookup,priority:5"`
	Tag         string `json:"tag"           gorm:"column:tag;index:idx_chat_tag"`
	LockedBy    string `json:"locked_by"     gorm:"column:locked_by"`
	LockedUntil string `json:"locked_until"  gorm:"column:locked_until"`
	CreatedAt   string `json:"created_at"    gorm:"column:created_at;not null;autoCreateTime:false"`
	UpdatedAt   string `json:"updated_at"    gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

// TableName returns the database table name for ChatSession.
func (ChatSession) TableName() string { return "chat_sessions" }

// Blocked reports whether the session carries a guest/archive marker.
func (s *ChatSession) Blocked() bool {
	return IsBlockedChat(s.ChatID, s.Tag)
}

// LockActive reports whether the advisory lease is held at the given time.
// An unparseable locked_until is treated as expired.
func (s *ChatSession) LockActive(now time.Time) bool {
	if strings.TrimSpace(s.LockedUntil) == "" {
		return false
	}
	until, ok := ParseISO(s.LockedUntil)
	if !ok {
		return false
	}
	return now.Before(until)
}

// Job and attempt statuses.
const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Job is one solve request: its input snapshot, routing decision, and final
// outcome. A row is inserted in status pending before any routing work and
// finalized exactly once.
type Job struct {
	JobID                string `json:"job_id"                gorm:"column:job_id;primaryKey"`
	RequestID            string `json:"request_id"            gorm:"column:request_id"`
	PromptID             string `json:"prompt_id"             gorm:"column:prompt_id;not null"`
	SelectedPromptID     string `json:"selected_prompt_id"    gorm:"column:selected_prompt_id"`
	DecisionMode         string `json:"decision_mode"         gorm:"column:decision_mode"`
	FanoutRequested      int    `json:"fanout_requested"      gorm:"column:fanout_requested"`
	FanoutUsed           int    `json:"fanout_used"           gorm:"column:fanout_used"`
	ContainerIDsUsedJSON string `json:"-"                     gorm:"column:container_ids_used_json"`
	InputText            string `json:"input_text"            gorm:"column:input_text"`
	InputImagePresent    bool   `json:"input_image_present"   gorm:"column:input_image_present"`
	InputImageExt        string `json:"input_image_ext"       gorm:"column:input_image_ext"`
	ProfileID            string `json:"profile_id"            gorm:"column:profile_id"`
	SocksID              string `json:"socks_id"              gorm:"column:socks_id"`
	Status               string `json:"status"                gorm:"column:status;index:idx_jobs_status"`
	ResultText           string `json:"result_text"           gorm:"column:result_text"`
	ResultRawJSON        string `json:"-"                     gorm:"column:result_raw_json"`
	ErrorCode            string `json:"error_code"            gorm:"column:error_code"`
	ErrorMessage         string `json:"error_message"         gorm:"column:error_message"`
	StartedAt            string `json:"started_at"            gorm:"column:started_at;not null;index:idx_jobs_started_at"`
	FinishedAt           string `json:"finished_at"           gorm:"column:finished_at"`
}

// TableName returns the database table name for Job.
func (Job) TableName() string { return "jobs" }

// ContainerIDsUsed decodes the routed-container list.
func (j *Job) ContainerIDsUsed() []string {
	if strings.TrimSpace(j.ContainerIDsUsedJSON) == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(j.ContainerIDsUsedJSON), &out); err != nil {
		return nil
	}
	return out
}

// SetContainerIDsUsed encodes the routed-container list.
func (j *Job) SetContainerIDsUsed(ids []string) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		j.ContainerIDsUsedJSON = "[]"
		return
	}
	j.ContainerIDsUsedJSON = string(b)
}

// JobAttempt is one upstream interaction on behalf of a job: which
// container and chat coordinate served it, in which role, and how it ended.
// A job accumulates one attempt per candidate tried.
type JobAttempt struct {
	AttemptID     string `json:"attempt_id"      gorm:"column:attempt_id;primaryKey"`
	JobID         string `json:"job_id"          gorm:"column:job_id;not null;index:idx_attempts_job"`
	ContainerID   string `json:"container_id"    gorm:"column:container_id;not null"`
	PromptID      string `json:"prompt_id"       gorm:"column:prompt_id;not null"`
	Role          string `json:"role"            gorm:"column:role;not null"`
	ProfileID     string `json:"profile_id"      gorm:"column:profile_id"`
	SocksID       string `json:"socks_id"        gorm:"column:socks_id"`
	ChatID        string `json:"chat_id"         gorm:"column:chat_id"`
	PageURL       string `json:"page_url"        gorm:"column:page_url"`
	ChatSessionID string `json:"chat_session_id" gorm:"column:chat_session_id"`
	Status        string `json:"status"          gorm:"column:status"`
	ResultText    string `json:"result_text"     gorm:"column:result_text"`
	ResultRawJSON string `json:"-"               gorm:"column:result_raw_json"`
	ErrorCode     string `json:"error_code"      gorm:"column:error_code"`
	ErrorMessage  string `json:"error_message"   gorm:"column:error_message"`
	StartedAt     string `json:"started_at"      gorm:"column:started_at;not null;index:idx_attempts_started"`
	FinishedAt    string `json:"finished_at"     gorm:"column:finished_at"`
}

// TableName returns the database table name for JobAttempt.
func (JobAttempt) TableName() string { return "job_attempts" }
