package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/cody/internal/domain"
	"github.com/ashureev/cody/internal/store"
)

func newTestRepo(t *testing.T) store.Repository {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newTestStore(t *testing.T, repo store.Repository) *Store {
	t.Helper()
	s, err := NewStore(context.Background(), repo, NewRegistry(), nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return s
}

type fakeRun struct{ aborted int }

func (r *fakeRun) Abort() { r.aborted++ }

func TestCreateSessionIsIdleAndPersisted(t *testing.T) {
	repo := newTestRepo(t)
	s := newTestStore(t, repo)
	ctx := context.Background()

	sess, err := s.Create(ctx, domain.SessionSpec{Title: "Hello", Prompt: "hello", Cwd: "/tmp"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sess.ID == "" || sess.Status != domain.StatusIdle {
		t.Fatalf("unexpected session %+v", sess)
	}
	if sess.PermissionMode != domain.PermissionSecure {
		t.Fatalf("PermissionMode = %s, want secure default", sess.PermissionMode)
	}

	if _, ok := s.Get(sess.ID); !ok {
		t.Fatal("session not in memory")
	}
	stored, err := repo.GetSession(ctx, sess.ID)
	if err != nil || stored == nil {
		t.Fatalf("repo.GetSession() = %v, %v", stored, err)
	}
}

func TestUpdatePersistsPartialFields(t *testing.T) {
	repo := newTestRepo(t)
	s := newTestStore(t, repo)
	ctx := context.Background()

	sess, err := s.Create(ctx, domain.SessionSpec{Title: "T", Prompt: "p", Cwd: "/w"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	token := "tok-1"
	updated, err := s.Update(ctx, sess.ID, domain.SessionUpdate{ResumeToken: &token})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.ResumeToken != "tok-1" || updated.Title != "T" {
		t.Fatalf("unexpected in-memory session %+v", updated)
	}

	stored, _ := repo.GetSession(ctx, sess.ID)
	if stored.ResumeToken != "tok-1" || stored.Cwd != "/w" || stored.LastPrompt != "p" {
		t.Fatalf("unexpected stored session %+v", stored)
	}

	missing, err := s.Update(ctx, "unknown", domain.StatusUpdate(domain.StatusRunning))
	if err != nil || missing != nil {
		t.Fatalf("Update(unknown) = %v, %v; want nil, nil", missing, err)
	}
}

type failingUpdates struct {
	store.Repository
}

func (failingUpdates) UpdateSession(context.Context, string, domain.SessionUpdate, time.Time) error {
	return errors.New("disk I/O error")
}

func TestUpdateFailureLeavesMemoryUnchanged(t *testing.T) {
	repo := newTestRepo(t)
	s := newTestStore(t, failingUpdates{repo})
	ctx := context.Background()

	sess, err := s.Create(ctx, domain.SessionSpec{Title: "T", Prompt: "p", Cwd: "/w"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, err := s.Update(ctx, sess.ID, domain.StatusUpdate(domain.StatusRunning)); err == nil {
		t.Fatal("Update() error = nil, want write failure")
	}

	live, ok := s.Get(sess.ID)
	if !ok || live.Status != domain.StatusIdle || !live.UpdatedAt.Equal(sess.UpdatedAt) {
		t.Fatalf("in-memory session changed after failed write: %+v", live)
	}
	stored, _ := repo.GetSession(ctx, sess.ID)
	if stored.Status != domain.StatusIdle {
		t.Fatalf("stored status = %q, want idle", stored.Status)
	}
}

func TestRecordMessageReplayIsIgnored(t *testing.T) {
	repo := newTestRepo(t)
	s := newTestStore(t, repo)
	ctx := context.Background()

	sess, _ := s.Create(ctx, domain.SessionSpec{Title: "T"})
	msg := domain.Message{"type": "assistant", "uuid": "engine-1"}

	first, err := s.RecordMessage(ctx, sess.ID, msg)
	if err != nil || !first {
		t.Fatalf("first RecordMessage() = %v, %v", first, err)
	}
	second, err := s.RecordMessage(ctx, sess.ID, msg)
	if err != nil || second {
		t.Fatalf("second RecordMessage() = %v, %v", second, err)
	}

	// Messages without an engine id always get a fresh identity.
	for i := 0; i < 2; i++ {
		if _, err := s.RecordMessage(ctx, sess.ID, domain.UserPromptMessage("again")); err != nil {
			t.Fatalf("RecordMessage(user prompt) error = %v", err)
		}
	}

	history, err := s.History(ctx, sess.ID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history.Messages) != 3 {
		t.Fatalf("got %d messages, want 3", len(history.Messages))
	}
	if history.Messages[0].ID() != "engine-1" || history.Messages[1].Type() != domain.MessageTypeUserPrompt {
		t.Fatalf("unexpected history %+v", history.Messages)
	}
}

func TestHistoryUnknownSessionIsNil(t *testing.T) {
	s := newTestStore(t, newTestRepo(t))

	history, err := s.History(context.Background(), "never-created")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if history != nil {
		t.Fatalf("History() = %+v, want nil", history)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t, newTestRepo(t))
	ctx := context.Background()
	sess, _ := s.Create(ctx, domain.SessionSpec{Title: "T"})

	removed, err := s.Delete(ctx, sess.ID)
	if err != nil || !removed {
		t.Fatalf("first Delete() = %v, %v; want true, nil", removed, err)
	}
	removed, err = s.Delete(ctx, sess.ID)
	if err != nil || removed {
		t.Fatalf("second Delete() = %v, %v; want false, nil", removed, err)
	}
	if _, ok := s.Get(sess.ID); ok {
		t.Fatal("session still in memory")
	}
}

func TestDeleteToleratesPartialDesync(t *testing.T) {
	repo := newTestRepo(t)
	s := newTestStore(t, repo)
	ctx := context.Background()

	sess, _ := s.Create(ctx, domain.SessionSpec{Title: "T"})
	if _, err := repo.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("repo.DeleteSession() error = %v", err)
	}

	removed, err := s.Delete(ctx, sess.ID)
	if err != nil || !removed {
		t.Fatalf("Delete() = %v, %v; want true, nil", removed, err)
	}
}

func TestNewStoreResetsInterruptedRuns(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()
	if err := repo.CreateSession(ctx, &domain.Session{
		ID: "s1", Title: "T", Status: domain.StatusRunning,
		PermissionMode: domain.PermissionSecure, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	s := newTestStore(t, repo)
	sess, ok := s.Get("s1")
	if !ok {
		t.Fatal("session not loaded")
	}
	if sess.Status != domain.StatusIdle {
		t.Fatalf("status = %s, want idle", sess.Status)
	}
}

func TestSearchAndList(t *testing.T) {
	s := newTestStore(t, newTestRepo(t))
	ctx := context.Background()

	a, _ := s.Create(ctx, domain.SessionSpec{Title: "Parser work", Cwd: "/src"})
	time.Sleep(2 * time.Millisecond)
	b, _ := s.Create(ctx, domain.SessionSpec{Title: "Docs", Prompt: "mention PARSER"})
	time.Sleep(2 * time.Millisecond)
	_, _ = s.Create(ctx, domain.SessionSpec{Title: "Other"})

	all, err := s.Search(ctx, "", domain.SearchFilter{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Search(\"\") returned %d, want 3", len(all))
	}

	hits, err := s.Search(ctx, "parser", domain.SearchFilter{})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 2 || hits[0].ID != b.ID || hits[1].ID != a.ID {
		t.Fatalf("Search(parser) = %+v", hits)
	}

	list := s.List()
	if len(list) != 3 || list[2].ID != a.ID {
		t.Fatalf("List() order = %+v", list)
	}

	cwds, err := s.RecentCwds(ctx, 8)
	if err != nil || len(cwds) != 1 || cwds[0] != "/src" {
		t.Fatalf("RecentCwds() = %v, %v", cwds, err)
	}
}

func TestRegistryRunHandles(t *testing.T) {
	r := NewRegistry()
	r.Put(&domain.Session{ID: "s1"})

	first := &fakeRun{}
	if prev, ok := r.SetRun("s1", first); !ok || prev != nil {
		t.Fatalf("SetRun() = %v, %v", prev, ok)
	}
	second := &fakeRun{}
	if prev, _ := r.SetRun("s1", second); prev != first {
		t.Fatal("SetRun should return the replaced handle")
	}

	r.ClearRun("s1", first)
	if runs := r.Runs(); len(runs) != 1 || runs[0] != second {
		t.Fatalf("ClearRun removed the successor: %v", runs)
	}

	if taken := r.TakeRun("s1"); taken != second {
		t.Fatal("TakeRun returned the wrong handle")
	}
	if r.TakeRun("s1") != nil {
		t.Fatal("TakeRun should empty the slot")
	}

	if _, ok := r.SetRun("missing", first); ok {
		t.Fatal("SetRun on unknown session should fail")
	}
}

func TestRegistryPutKeepsTransientState(t *testing.T) {
	r := NewRegistry()
	r.Put(&domain.Session{ID: "s1", Title: "a"})
	table := r.Pending("s1")
	run := &fakeRun{}
	r.SetRun("s1", run)

	r.Put(&domain.Session{ID: "s1", Title: "b"})
	if r.Pending("s1") != table {
		t.Fatal("Put replaced the pending table")
	}
	got, _ := r.Get("s1")
	if got.Title != "b" {
		t.Fatalf("Title = %q, want b", got.Title)
	}
	if removed, ok := r.Remove("s1"); !ok || removed != run {
		t.Fatal("Remove should return the run handle")
	}
	if r.Pending("s1") != nil {
		t.Fatal("Pending should be nil after Remove")
	}
}
