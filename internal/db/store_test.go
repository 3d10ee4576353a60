package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/nomadflow/internal/model"
)

func newTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := OpenAndMigrate(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, ctx
}

func actionForTest(id string, typ model.ActionType, repo string, at time.Time) model.Action {
	return model.Action{
		ActionID:    id,
		ActionType:  typ,
		RepoPath:    repo,
		FeatureName: "feat",
		WindowName:  "repo:feat",
		RequestedAt: at,
	}
}

func strPtr(s string) *string { return &s }

func TestInsertDefaultsToPending(t *testing.T) {
	store, ctx := newTestStore(t)
	now := time.Now().UTC()
	if err := store.InsertAction(ctx, actionForTest("a1", model.ActionTypeSwitch, "/r", now)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := store.GetActionByID(ctx, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ResultCode != model.ActionResultPending || got.CompletedAt != nil {
		t.Fatalf("unexpected action %#v", got)
	}
	if !got.RequestedAt.Equal(now) {
		t.Fatalf("requested_at round trip: got %v want %v", got.RequestedAt, now)
	}
	if err := store.InsertAction(ctx, actionForTest("a1", model.ActionTypeSwitch, "/r", now)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestCompleteActionOnlyOnce(t *testing.T) {
	store, ctx := newTestStore(t)
	if err := store.InsertAction(ctx, actionForTest("a1", model.ActionTypeCreate, "/r", time.Now())); err != nil {
		t.Fatalf("insert: %v", err)
	}
	outcome := ActionOutcome{
		ResultCode:   model.ActionResultFailed,
		ErrorCode:    strPtr("E_WORKTREE_CREATION_FAILED"),
		ErrorDetail:  strPtr("fatal: invalid reference"),
		MetadataJSON: strPtr(`{"baseBranch":"main"}`),
	}
	if err := store.CompleteAction(ctx, "a1", outcome); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := store.GetActionByID(ctx, "a1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ResultCode != model.ActionResultFailed || got.CompletedAt == nil {
		t.Fatalf("unexpected completed action %#v", got)
	}
	if got.ErrorCode == nil || *got.ErrorCode != "E_WORKTREE_CREATION_FAILED" {
		t.Fatalf("error code not stored: %#v", got.ErrorCode)
	}
	if got.MetadataJSON == nil || *got.MetadataJSON != `{"baseBranch":"main"}` {
		t.Fatalf("metadata not stored: %#v", got.MetadataJSON)
	}

	if err := store.CompleteAction(ctx, "a1", ActionOutcome{ResultCode: model.ActionResultOK}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second completion should return ErrNotFound, got %v", err)
	}
	if err := store.CompleteAction(ctx, "missing", ActionOutcome{ResultCode: model.ActionResultOK}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown id should return ErrNotFound, got %v", err)
	}
}

func TestGetActionByIDNotFound(t *testing.T) {
	store, ctx := newTestStore(t)
	if _, err := store.GetActionByID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListActionsNewestFirstWithFilters(t *testing.T) {
	store, ctx := newTestStore(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	seed := []model.Action{
		actionForTest("a1", model.ActionTypeClone, "/repos/one", base),
		actionForTest("a2", model.ActionTypeSwitch, "/repos/one", base.Add(500*time.Millisecond)),
		actionForTest("a3", model.ActionTypeSwitch, "/repos/two", base.Add(time.Second)),
		actionForTest("a4", model.ActionTypeDelete, "/repos/two", base.Add(1100*time.Millisecond)),
	}
	for _, a := range seed {
		if err := store.InsertAction(ctx, a); err != nil {
			t.Fatalf("insert %s: %v", a.ActionID, err)
		}
	}

	all, err := store.ListActions(ctx, ActionFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	ids := actionIDs(all)
	if want := []string{"a4", "a3", "a2", "a1"}; !equalStrings(ids, want) {
		t.Fatalf("order = %v, want %v", ids, want)
	}

	limited, err := store.ListActions(ctx, ActionFilter{Limit: 2})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if want := []string{"a4", "a3"}; !equalStrings(actionIDs(limited), want) {
		t.Fatalf("limited = %v, want %v", actionIDs(limited), want)
	}

	switches, err := store.ListActions(ctx, ActionFilter{ActionType: model.ActionTypeSwitch})
	if err != nil {
		t.Fatalf("list switches: %v", err)
	}
	if want := []string{"a3", "a2"}; !equalStrings(actionIDs(switches), want) {
		t.Fatalf("switches = %v, want %v", actionIDs(switches), want)
	}

	repoTwo, err := store.ListActions(ctx, ActionFilter{RepoPath: "/repos/two", ActionType: model.ActionTypeDelete})
	if err != nil {
		t.Fatalf("list repo: %v", err)
	}
	if want := []string{"a4"}; !equalStrings(actionIDs(repoTwo), want) {
		t.Fatalf("repo filter = %v, want %v", actionIDs(repoTwo), want)
	}
}

func TestListActionsEmptyIsNonNil(t *testing.T) {
	store, ctx := newTestStore(t)
	got, err := store.ListActions(ctx, ActionFilter{Limit: MaxListLimit + 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

func TestMarkAbandonedAndPurge(t *testing.T) {
	store, ctx := newTestStore(t)
	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC()
	for _, a := range []model.Action{
		actionForTest("old-done", model.ActionTypeSwitch, "/r", old),
		actionForTest("old-pending", model.ActionTypeSwitch, "/r", old),
		actionForTest("new-done", model.ActionTypeSwitch, "/r", recent),
	} {
		if err := store.InsertAction(ctx, a); err != nil {
			t.Fatalf("insert %s: %v", a.ActionID, err)
		}
	}
	for _, id := range []string{"old-done", "new-done"} {
		if err := store.CompleteAction(ctx, id, ActionOutcome{ResultCode: model.ActionResultOK}); err != nil {
			t.Fatalf("complete %s: %v", id, err)
		}
	}

	n, err := store.MarkAbandoned(ctx, recent)
	if err != nil {
		t.Fatalf("mark abandoned: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one abandoned action, got %d", n)
	}
	abandoned, err := store.GetActionByID(ctx, "old-pending")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if abandoned.ResultCode != model.ActionResultFailed || abandoned.ErrorCode == nil || *abandoned.ErrorCode != "E_ABANDONED" {
		t.Fatalf("unexpected abandoned action %#v", abandoned)
	}

	purged, err := store.PurgeBefore(ctx, recent.Add(-time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 2 {
		t.Fatalf("expected two purged actions, got %d", purged)
	}
	left, err := store.ListActions(ctx, ActionFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if want := []string{"new-done"}; !equalStrings(actionIDs(left), want) {
		t.Fatalf("remaining = %v, want %v", actionIDs(left), want)
	}
}

func actionIDs(actions []model.Action) []string {
	out := make([]string, 0, len(actions))
	for _, a := range actions {
		out = append(out, a.ActionID)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
