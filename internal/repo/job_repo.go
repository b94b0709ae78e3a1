// Job and attempt audit trail. A job row is inserted in status pending
// before any routing work, so a crash leaves a visible pending record.
// Each upstream interaction on behalf of a job is recorded as one attempt.
package repo

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/browserfarm/orchestrator/internal/domain"
)

// InsertJobParams carries the input snapshot recorded at job start.
type InsertJobParams struct {
	JobID             string // optional; generated when empty
	RequestID         string
	PromptID          string
	InputText         string
	InputImagePresent bool
	InputImageExt     string
	FanoutRequested   int
}

// InsertJobStart records a new job in status pending and returns its id.
func InsertJobStart(ctx context.Context, db *gorm.DB, p InsertJobParams) (string, error) {
	jid := p.JobID
	if jid == "" {
		jid = uuid.NewString()
	}
	j := &domain.Job{
		JobID:             jid,
		RequestID:         p.RequestID,
		PromptID:          p.PromptID,
		InputText:         p.InputText,
		InputImagePresent: p.InputImagePresent,
		InputImageExt:     p.InputImageExt,
		FanoutRequested:   p.FanoutRequested,
		Status:            domain.StatusPending,
		StartedAt:         domain.NowISO(),
	}
	if err := db.WithContext(ctx).Create(j).Error; err != nil {
		return "", err
	}
	return jid, nil
}

// SetJobSelectedPrompt records which prompt the job actually ran under.
func SetJobSelectedPrompt(ctx context.Context, db *gorm.DB, jobID, promptID string) error {
	return db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("job_id = ?", jobID).
		Update("selected_prompt_id", promptID).Error
}

// SetJobRouting records the routing decision once candidates are known.
func SetJobRouting(ctx context.Context, db *gorm.DB, jobID, profileID, socksID string) error {
	return db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{"profile_id": profileID, "socks_id": socksID}).Error
}

// SetJobSelectedContainers records which containers the job was fanned out
// to, along with the decision mode and fanout actually used.
func SetJobSelectedContainers(ctx context.Context, db *gorm.DB, jobID string, containerIDs []string, decisionMode string, fanoutUsed int) error {
	var j domain.Job
	j.SetContainerIDsUsed(containerIDs)
	return db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{
			"container_ids_used_json": j.ContainerIDsUsedJSON,
			"decision_mode":           decisionMode,
			"fanout_used":             fanoutUsed,
		}).Error
}

// FinishJobParams carries the terminal state of a job.
type FinishJobParams struct {
	Succeeded     bool
	ResultText    string
	ResultRawJSON string
	ErrorCode     string
	ErrorMessage  string
}

// FinishJob finalizes a job exactly once with a terminal status and
// timestamp. Later calls overwrite, so the executor must call it on a
// single code path.
func FinishJob(ctx context.Context, db *gorm.DB, jobID string, p FinishJobParams) error {
	status := domain.StatusFailed
	if p.Succeeded {
		status = domain.StatusSucceeded
	}
	return db.WithContext(ctx).
		Model(&domain.Job{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{
			"status":          status,
			"result_text":     p.ResultText,
			"result_raw_json": p.ResultRawJSON,
			"error_code":      p.ErrorCode,
			"error_message":   p.ErrorMessage,
			"finished_at":     domain.NowISO(),
		}).Error
}

// GetJob fetches a job row by id, or ErrNotFound if missing.
func GetJob(ctx context.Context, db *gorm.DB, jobID string) (*domain.Job, error) {
	var j domain.Job
	if err := db.WithContext(ctx).First(&j, "job_id = ?", jobID).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

//
// Attempts
//

// CreateAttemptParams carries the coordinate an attempt runs against.
type CreateAttemptParams struct {
	JobID         string
	ContainerID   string
	PromptID      string
	Role          string
	ProfileID     string
	SocksID       string
	ChatID        string
	PageURL       string
	ChatSessionID string
}

// CreateJobAttempt records the start of one upstream interaction and
// returns the attempt id.
func CreateJobAttempt(ctx context.Context, db *gorm.DB, p CreateAttemptParams) (string, error) {
	a := &domain.JobAttempt{
		AttemptID:     uuid.NewString(),
		JobID:         p.JobID,
		ContainerID:   p.ContainerID,
		PromptID:      p.PromptID,
		Role:          p.Role,
		ProfileID:     p.ProfileID,
		SocksID:       p.SocksID,
		ChatID:        p.ChatID,
		PageURL:       p.PageURL,
		ChatSessionID: p.ChatSessionID,
		StartedAt:     domain.NowISO(),
	}
	if err := db.WithContext(ctx).Create(a).Error; err != nil {
		return "", err
	}
	return a.AttemptID, nil
}

// UpdateJobAttemptChatSession backfills the chat session id once the chat
// manager has realized (or created) the session the attempt ran in.
func UpdateJobAttemptChatSession(ctx context.Context, db *gorm.DB, attemptID, chatSessionID string) error {
	return db.WithContext(ctx).
		Model(&domain.JobAttempt{}).
		Where("attempt_id = ?", attemptID).
		Update("chat_session_id", chatSessionID).Error
}

// FinishAttemptParams carries the terminal state of an attempt.
type FinishAttemptParams struct {
	Status        string // succeeded | failed
	ResultText    string
	ResultRawJSON string
	ErrorCode     string
	ErrorMessage  string
}

// FinishJobAttempt finalizes one attempt with its terminal status.
func FinishJobAttempt(ctx context.Context, db *gorm.DB, attemptID string, p FinishAttemptParams) error {
	status := strings.TrimSpace(p.Status)
	if status == "" {
		status = domain.StatusFailed
	}
	return db.WithContext(ctx).
		Model(&domain.JobAttempt{}).
		Where("attempt_id = ?", attemptID).
		Updates(map[string]any{
			"status":          status,
			"result_text":     p.ResultText,
			"result_raw_json": p.ResultRawJSON,
			"error_code":      p.ErrorCode,
			"error_message":   p.ErrorMessage,
			"finished_at":     domain.NowISO(),
		}).Error
}

// ListJobAttempts returns a job's attempts in start order.
func ListJobAttempts(ctx context.Context, db *gorm.DB, jobID string) ([]domain.JobAttempt, error) {
	var out []domain.JobAttempt
	err := db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("started_at asc").
		Find(&out).Error
	return out, err
}
