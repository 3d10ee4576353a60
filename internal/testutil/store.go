package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/g960059/nomadflow/internal/db"
	"github.com/g960059/nomadflow/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "nomadflow-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedAction inserts a pending action of the given type and returns it.
func SeedAction(t *testing.T, store *db.Store, ctx context.Context, id string, actionType model.ActionType, repoPath string, requestedAt time.Time) model.Action {
	t.Helper()
	action := model.Action{
		ActionID:    id,
		ActionType:  actionType,
		RepoPath:    repoPath,
		FeatureName: "feat",
		WindowName:  "repo:feat",
		RequestedAt: requestedAt,
		ResultCode:  model.ActionResultPending,
	}
	if err := store.InsertAction(ctx, action); err != nil {
		t.Fatalf("seed action %s: %v", id, err)
	}
	return action
}
