package chats

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/browserfarm/orchestrator/internal/domain"
	"github.com/browserfarm/orchestrator/internal/repo"
	"github.com/browserfarm/orchestrator/internal/upstream"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.ChatSession{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// fakeAnalyzer records calls and returns a canned response.
type fakeAnalyzer struct {
	calls []upstream.AnalyzeParams
	raw   any
	err   error
}

func (f *fakeAnalyzer) AnalyzeText(ctx context.Context, p upstream.AnalyzeParams, requestID string) (upstream.Result, error) {
	f.calls = append(f.calls, p)
	if f.err != nil {
		return upstream.Result{}, f.err
	}
	return upstream.Result{Raw: f.raw}, nil
}

func intPtr(n int) *int { return &n }

func baseParams() SessionParams {
	return SessionParams{
		ContainerID: "c1",
		PromptID:    "default",
		ProfileID:   "p1",
	}
}

func TestGetOrCreate_NewAndReuse(t *testing.T) {
	db := newTestDB(t)
	m := NewManager(db, "https://svc/")
	ctx := context.Background()

	first, err := m.GetOrCreate(ctx, baseParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.ChatID != "" || first.PageURL != "https://svc/" {
		t.Fatalf("fresh session unexpected: %+v", first)
	}

	// A realized session under the limit is reused.
	chatID, pageURL := "abc", "https://svc/c/abc"
	if _, err := repo.UpdateChatSession(ctx, db, first.ID, repo.ChatSessionUpdate{ChatID: &chatID, PageURL: &pageURL}); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, err := m.GetOrCreate(ctx, baseParams())
	if err != nil {
		t.Fatalf("reuse: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected reuse of session %d, got %d", first.ID, again.ID)
	}
}

func TestGetOrCreate_ForceNew(t *testing.T) {
	db := newTestDB(t)
	m := NewManager(db, "https://svc/")
	ctx := context.Background()

	first, err := m.GetOrCreate(ctx, baseParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	p := baseParams()
	p.ForceNew = true
	second, err := m.GetOrCreate(ctx, p)
	if err != nil {
		t.Fatalf("force new: %v", err)
	}
	if second.ID == first.ID {
		t.Fatalf("force_new must not reuse")
	}
}

func TestGetOrCreate_UsesLimit(t *testing.T) {
	db := newTestDB(t)
	m := NewManager(db, "https://svc/")
	ctx := context.Background()

	sess, err := repo.CreateChatSession(ctx, db, "c1", "default", "p1", "", "abc", "https://svc/c/abc")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := repo.IncrementChatUse(ctx, db, sess.ID, 2); err != nil {
		t.Fatalf("increment: %v", err)
	}

	// Prompt default 5: the session is under the bound and reused.
	p := baseParams()
	p.DefaultMaxChatUses = 5
	got, err := m.GetOrCreate(ctx, p)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != sess.ID {
		t.Fatalf("session under the prompt default must be reused")
	}

	// Request bound 2: session exhausted, new row.
	p = baseParams()
	p.MaxChatUses = intPtr(2)
	got, err = m.GetOrCreate(ctx, p)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID == sess.ID {
		t.Fatalf("exhausted session must not be reused")
	}
}

func TestGetOrCreate_PinnedChatURL(t *testing.T) {
	db := newTestDB(t)
	m := NewManager(db, "https://svc/")
	ctx := context.Background()

	sess, err := repo.CreateChatSession(ctx, db, "c1", "default", "p1", "", "abc", "https://svc/c/abc")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	p := baseParams()
	p.ChatURL = sess.PageURL
	got, err := m.GetOrCreate(ctx, p)
	if err != nil {
		t.Fatalf("pinned: %v", err)
	}
	if got.ID != sess.ID {
		t.Fatalf("pinned url must resolve to the registered session")
	}

	p.ChatURL = "https://svc/c/ghost"
	if _, err := m.GetOrCreate(ctx, p); !errors.Is(err, ErrUnregisteredChatURL) {
		t.Fatalf("expected unregistered error, got %v", err)
	}

	p.ChatURL = sess.PageURL
	p.ContainerID = "c2"
	if _, err := m.GetOrCreate(ctx, p); !errors.Is(err, ErrChatURLContainerMismatch) {
		t.Fatalf("expected container mismatch, got %v", err)
	}
}

func TestEnsureLoaded(t *testing.T) {
	db := newTestDB(t)
	m := NewManager(db, "https://svc/")
	ctx := context.Background()

	sess, err := m.GetOrCreate(ctx, baseParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fa := &fakeAnalyzer{raw: map[string]any{"page_url": "https://svc/c/new9", "text": ""}}
	got, err := m.EnsureLoaded(ctx, fa, sess, "SYSTEM", "profile-one", "socks5://u:p@h:1080", "rid")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got.ChatID != "new9" || got.PageURL != "https://svc/c/new9" {
		t.Fatalf("realized session unexpected: %+v", got)
	}
	if got.UsesCount != 1 {
		t.Fatalf("start prompt must count as one use, got %d", got.UsesCount)
	}
	if len(fa.calls) != 1 {
		t.Fatalf("expected one analyze call")
	}
	call := fa.calls[0]
	if call.Text != "SYSTEM" || call.URL != "https://svc/" || call.Profile != "profile-one" {
		t.Fatalf("analyze params unexpected: %+v", call)
	}

	// Round trip through the store.
	fresh, err := repo.GetChatSessionByID(ctx, db, got.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if fresh.ChatID != "new9" || fresh.UsesCount != 1 {
		t.Fatalf("persisted session unexpected: %+v", fresh)
	}
}

func TestEnsureLoaded_NoOps(t *testing.T) {
	db := newTestDB(t)
	m := NewManager(db, "https://svc/")
	ctx := context.Background()

	realized, err := repo.CreateChatSession(ctx, db, "c1", "default", "p1", "", "abc", "https://svc/c/abc")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	fa := &fakeAnalyzer{raw: map[string]any{}}

	got, err := m.EnsureLoaded(ctx, fa, realized, "SYSTEM", "", "", "")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got.ID != realized.ID || len(fa.calls) != 0 {
		t.Fatalf("realized session must be a no-op")
	}

	blank, err := m.GetOrCreate(ctx, SessionParams{ContainerID: "c2", PromptID: "default", ProfileID: "p1"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err = m.EnsureLoaded(ctx, fa, blank, "", "", "", "")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if got.ChatID != "" || len(fa.calls) != 0 {
		t.Fatalf("empty start prompt must be a no-op")
	}
}

func TestEnsureLoaded_UpstreamErrorPropagates(t *testing.T) {
	db := newTestDB(t)
	m := NewManager(db, "https://svc/")
	ctx := context.Background()

	sess, err := m.GetOrCreate(ctx, baseParams())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	fa := &fakeAnalyzer{err: errors.New("boom")}
	if _, err := m.EnsureLoaded(ctx, fa, sess, "SYSTEM", "", "", ""); err == nil {
		t.Fatalf("analyze error must propagate")
	}
}
