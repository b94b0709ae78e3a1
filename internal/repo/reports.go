// Usage report aggregates. Ranges are half-open [from, to) over the string
// timestamp columns, which order chronologically by construction.
package repo

import (
	"context"

	"gorm.io/gorm"
)

// ReportRange bounds and pages a report query. Limit is clamped to
// [1, 500], offset to [0, inf).
type ReportRange struct {
	From   string
	To     string
	Limit  int
	Offset int
}

// Clamp normalizes the paging fields in place and returns the range.
func (r ReportRange) Clamp() ReportRange {
	if r.Limit < 1 {
		r.Limit = 1
	}
	if r.Limit > 500 {
		r.Limit = 500
	}
	if r.Offset < 0 {
		r.Offset = 0
	}
	return r
}

// ContainerUsage is one per-container aggregate row.
type ContainerUsage struct {
	ContainerID   string `json:"container_id"`
	JobsTotal     int64  `json:"jobs_total"`
	JobsSucceeded int64  `json:"jobs_succeeded"`
	JobsFailed    int64  `json:"jobs_failed"`
}

// ContainersUsage aggregates attempts per container over the range.
func ContainersUsage(ctx context.Context, db *gorm.DB, r ReportRange) ([]ContainerUsage, error) {
	r = r.Clamp()
	var out []ContainerUsage
	err := db.WithContext(ctx).Raw(`
		SELECT
			container_id,
			COUNT(*) AS jobs_total,
			SUM(CASE WHEN status='succeeded' THEN 1 ELSE 0 END) AS jobs_succeeded,
			SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END) AS jobs_failed
		FROM job_attempts
		WHERE started_at >= ? AND started_at < ?
		GROUP BY container_id
		ORDER BY jobs_total DESC, container_id ASC
		LIMIT ? OFFSET ?;`,
		r.From, r.To, r.Limit, r.Offset,
	).Scan(&out).Error
	return out, err
}

// ProfileUsage is one per-(profile, prompt) aggregate row.
type ProfileUsage struct {
	ProfileID     string `json:"profile_id"`
	PromptID      string `json:"prompt_id"`
	JobsTotal     int64  `json:"jobs_total"`
	JobsSucceeded int64  `json:"jobs_succeeded"`
	JobsFailed    int64  `json:"jobs_failed"`
}

// ProfilesUsage aggregates attempts per (profile, prompt) over the range.
func ProfilesUsage(ctx context.Context, db *gorm.DB, r ReportRange) ([]ProfileUsage, error) {
	r = r.Clamp()
	var out []ProfileUsage
	err := db.WithContext(ctx).Raw(`
		SELECT
			profile_id,
			prompt_id,
			COUNT(*) AS jobs_total,
			SUM(CASE WHEN status='succeeded' THEN 1 ELSE 0 END) AS jobs_succeeded,
			SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END) AS jobs_failed
		FROM job_attempts
		WHERE started_at >= ? AND started_at < ?
		GROUP BY profile_id, prompt_id
		ORDER BY jobs_total DESC, profile_id ASC, prompt_id ASC
		LIMIT ? OFFSET ?;`,
		r.From, r.To, r.Limit, r.Offset,
	).Scan(&out).Error
	return out, err
}

// PromptUsage is one per-prompt aggregate row over jobs. The effective
// prompt is selected_prompt_id when present, else the requested prompt.
type PromptUsage struct {
	PromptID      string `json:"prompt_id"`
	JobsTotal     int64  `json:"jobs_total"`
	JobsSucceeded int64  `json:"jobs_succeeded"`
	JobsFailed    int64  `json:"jobs_failed"`
}

// PromptsUsage aggregates jobs per effective prompt over the range.
func PromptsUsage(ctx context.Context, db *gorm.DB, r ReportRange) ([]PromptUsage, error) {
	r = r.Clamp()
	var out []PromptUsage
	err := db.WithContext(ctx).Raw(`
		SELECT
			COALESCE(NULLIF(selected_prompt_id,''), prompt_id) AS prompt_id,
			COUNT(*) AS jobs_total,
			SUM(CASE WHEN status='succeeded' THEN 1 ELSE 0 END) AS jobs_succeeded,
			SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END) AS jobs_failed
		FROM jobs
		WHERE started_at >= ? AND started_at < ?
		GROUP BY COALESCE(NULLIF(selected_prompt_id,''), prompt_id)
		ORDER BY jobs_total DESC, prompt_id ASC
		LIMIT ? OFFSET ?;`,
		r.From, r.To, r.Limit, r.Offset,
	).Scan(&out).Error
	return out, err
}
