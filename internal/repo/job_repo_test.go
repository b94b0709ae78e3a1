package repo

import (
	"context"
	"testing"

	"github.com/browserfarm/orchestrator/internal/domain"
)

func TestJobLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	jid, err := InsertJobStart(ctx, db, InsertJobParams{
		RequestID:         "req-1",
		PromptID:          "pr",
		InputText:         "solve this",
		InputImagePresent: true,
		InputImageExt:     "png",
		FanoutRequested:   1,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if jid == "" {
		t.Fatalf("job id must be generated")
	}

	j, err := GetJob(ctx, db, jid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if j.Status != domain.StatusPending || j.StartedAt == "" || j.FinishedAt != "" {
		t.Fatalf("fresh job state unexpected: %+v", j)
	}

	if err := SetJobRouting(ctx, db, jid, "p1", "s1"); err != nil {
		t.Fatalf("routing: %v", err)
	}
	if err := SetJobSelectedContainers(ctx, db, jid, []string{"c1", "c2"}, "auto", 1); err != nil {
		t.Fatalf("selected containers: %v", err)
	}
	j, _ = GetJob(ctx, db, jid)
	if j.ProfileID != "p1" || j.SocksID != "s1" || j.DecisionMode != "auto" || j.FanoutUsed != 1 {
		t.Fatalf("routing fields unexpected: %+v", j)
	}
	if ids := j.ContainerIDsUsed(); len(ids) != 2 || ids[0] != "c1" {
		t.Fatalf("container ids unexpected: %v", ids)
	}

	if err := FinishJob(ctx, db, jid, FinishJobParams{
		Succeeded:  true,
		ResultText: "answer",
	}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	j, _ = GetJob(ctx, db, jid)
	if j.Status != domain.StatusSucceeded || j.ResultText != "answer" || j.FinishedAt == "" {
		t.Fatalf("finished job unexpected: %+v", j)
	}
}

func TestJobLifecycle_ExplicitIDAndFailure(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	jid, err := InsertJobStart(ctx, db, InsertJobParams{JobID: "job-42", PromptID: "pr"})
	if err != nil || jid != "job-42" {
		t.Fatalf("explicit id: jid=%q err=%v", jid, err)
	}
	if err := FinishJob(ctx, db, jid, FinishJobParams{
		ErrorCode:    "UPSTREAM_ERROR",
		ErrorMessage: "boom",
	}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	j, _ := GetJob(ctx, db, jid)
	if j.Status != domain.StatusFailed || j.ErrorCode != "UPSTREAM_ERROR" {
		t.Fatalf("failed job unexpected: %+v", j)
	}
}

func TestAttemptLifecycle(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	jid, _ := InsertJobStart(ctx, db, InsertJobParams{PromptID: "pr"})

	aid, err := CreateJobAttempt(ctx, db, CreateAttemptParams{
		JobID:       jid,
		ContainerID: "c1",
		PromptID:    "pr",
		Role:        "primary",
		ProfileID:   "p1",
		SocksID:     "s1",
	})
	if err != nil || aid == "" {
		t.Fatalf("create attempt: aid=%q err=%v", aid, err)
	}

	if err := UpdateJobAttemptChatSession(ctx, db, aid, "17"); err != nil {
		t.Fatalf("backfill chat session: %v", err)
	}
	if err := FinishJobAttempt(ctx, db, aid, FinishAttemptParams{
		Status:     domain.StatusSucceeded,
		ResultText: "ok",
	}); err != nil {
		t.Fatalf("finish attempt: %v", err)
	}

	attempts, err := ListJobAttempts(ctx, db, jid)
	if err != nil || len(attempts) != 1 {
		t.Fatalf("list attempts: %v (%d)", err, len(attempts))
	}
	a := attempts[0]
	if a.ChatSessionID != "17" || a.Status != domain.StatusSucceeded || a.FinishedAt == "" {
		t.Fatalf("attempt state unexpected: %+v", a)
	}
}

func TestFinishJobAttempt_BlankStatusDefaultsToFailed(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	jid, _ := InsertJobStart(ctx, db, InsertJobParams{PromptID: "pr"})
	aid, _ := CreateJobAttempt(ctx, db, CreateAttemptParams{JobID: jid, ContainerID: "c1", PromptID: "pr", Role: "primary"})

	if err := FinishJobAttempt(ctx, db, aid, FinishAttemptParams{ErrorCode: "CONTAINER_BUSY"}); err != nil {
		t.Fatalf("finish: %v", err)
	}
	attempts, _ := ListJobAttempts(ctx, db, jid)
	if attempts[0].Status != domain.StatusFailed {
		t.Fatalf("blank status must record failed, got %q", attempts[0].Status)
	}
}

func TestReports(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	mkJob := func(prompt, selected, status string) string {
		jid, err := InsertJobStart(ctx, db, InsertJobParams{PromptID: prompt})
		if err != nil {
			t.Fatalf("insert job: %v", err)
		}
		if selected != "" {
			if err := db.Exec("UPDATE jobs SET selected_prompt_id=? WHERE job_id=?", selected, jid).Error; err != nil {
				t.Fatalf("set selected prompt: %v", err)
			}
		}
		if err := FinishJob(ctx, db, jid, FinishJobParams{Succeeded: status == domain.StatusSucceeded}); err != nil {
			t.Fatalf("finish job: %v", err)
		}
		return jid
	}
	mkAttempt := func(jid, container, profile, prompt, status string) {
		aid, err := CreateJobAttempt(ctx, db, CreateAttemptParams{
			JobID: jid, ContainerID: container, PromptID: prompt, Role: "primary", ProfileID: profile,
		})
		if err != nil {
			t.Fatalf("create attempt: %v", err)
		}
		if err := FinishJobAttempt(ctx, db, aid, FinishAttemptParams{Status: status}); err != nil {
			t.Fatalf("finish attempt: %v", err)
		}
	}

	j1 := mkJob("pr-a", "", domain.StatusSucceeded)
	j2 := mkJob("pr-a", "pr-b", domain.StatusFailed)
	mkAttempt(j1, "c1", "p1", "pr-a", domain.StatusSucceeded)
	mkAttempt(j2, "c1", "p1", "pr-a", domain.StatusFailed)
	mkAttempt(j2, "c2", "p2", "pr-a", domain.StatusFailed)

	r := ReportRange{From: "2000-01-01T00:00:00.000000+00:00", To: "2100-01-01T00:00:00.000000+00:00", Limit: 100}

	containers, err := ContainersUsage(ctx, db, r)
	if err != nil {
		t.Fatalf("containers usage: %v", err)
	}
	if len(containers) != 2 || containers[0].ContainerID != "c1" || containers[0].JobsTotal != 2 ||
		containers[0].JobsSucceeded != 1 || containers[0].JobsFailed != 1 {
		t.Fatalf("containers aggregate unexpected: %+v", containers)
	}

	profiles, err := ProfilesUsage(ctx, db, r)
	if err != nil {
		t.Fatalf("profiles usage: %v", err)
	}
	if len(profiles) != 2 || profiles[0].ProfileID != "p1" || profiles[0].JobsTotal != 2 {
		t.Fatalf("profiles aggregate unexpected: %+v", profiles)
	}

	prompts, err := PromptsUsage(ctx, db, r)
	if err != nil {
		t.Fatalf("prompts usage: %v", err)
	}
	// j2 counts under its selected prompt pr-b.
	byPrompt := map[string]PromptUsage{}
	for _, p := range prompts {
		byPrompt[p.PromptID] = p
	}
	if byPrompt["pr-a"].JobsTotal != 1 || byPrompt["pr-a"].JobsSucceeded != 1 {
		t.Fatalf("pr-a aggregate unexpected: %+v", byPrompt["pr-a"])
	}
	if byPrompt["pr-b"].JobsTotal != 1 || byPrompt["pr-b"].JobsFailed != 1 {
		t.Fatalf("pr-b aggregate unexpected: %+v", byPrompt["pr-b"])
	}

	// Range excludes everything when empty.
	empty := ReportRange{From: "2100-01-01T00:00:00.000000+00:00", To: "2100-01-02T00:00:00.000000+00:00", Limit: 10}
	if rows, _ := ContainersUsage(ctx, db, empty); len(rows) != 0 {
		t.Fatalf("empty range should return no rows: %+v", rows)
	}
}

func TestReportRange_Clamp(t *testing.T) {
	r := ReportRange{Limit: 0, Offset: -3}.Clamp()
	if r.Limit != 1 || r.Offset != 0 {
		t.Fatalf("clamp low failed: %+v", r)
	}
	r = ReportRange{Limit: 9999, Offset: 5}.Clamp()
	if r.Limit != 500 || r.Offset != 5 {
		t.Fatalf("clamp high failed: %+v", r)
	}
}
