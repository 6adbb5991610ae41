package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/seanGSISG/async-code/pkg/models"
)

func TestOpen_skipIfNoDatabaseURL(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping postgres test")
	}
	st, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()

	ctx := context.Background()
	id := uuid.NewString()
	err = st.CreateTask(ctx, models.Task{
		TaskID:  id,
		OwnerID: "pg-test",
		Agent:   "claude",
		RepoURL: "https://github.com/acme/widgets",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	defer func() { _ = st.DeleteTask(ctx, "pg-test", id) }()

	got, err := st.GetTask(ctx, "pg-test", id)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got == nil || got.Status != models.StatusPending {
		t.Fatalf("round trip: got %+v", got)
	}
}
