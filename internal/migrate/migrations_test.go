package migrate

import (
	"context"
	"testing"

	"waterline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	v1, err := Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	v2, err := Migrate(ctx, conn)
	if err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	if v1 == 0 || v1 != v2 {
		t.Fatalf("versions = %d, %d", v1, v2)
	}
	var n int
	if err := conn.GetContext(ctx, &n, `SELECT COUNT(*) FROM samples`); err != nil {
		t.Fatalf("samples table missing: %v", err)
	}
}
