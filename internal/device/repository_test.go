package device

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/nerrad567/iotlab-core/internal/infrastructure/database"
	_ "github.com/nerrad567/iotlab-core/migrations"
)

// setupTestDB opens a migrated SQLite database in a temp directory.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open(ctx, database.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db.DB
}

func testDevice(externalID string) *Device {
	return &Device{
		ExternalID:  externalID,
		Name:        "Greenhouse",
		Type:        DefaultType,
		Location:    DefaultLocation,
		NetworkName: "lab-wifi",
		Address:     "10.0.0.7",
	}
}

func TestSQLiteRepository_Create(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	t.Run("assigns id and created_at", func(t *testing.T) {
		d := testDevice("node_1")
		if err := repo.Create(ctx, d); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if d.ID == 0 {
			t.Error("ID not assigned")
		}
		if d.CreatedAt.IsZero() {
			t.Error("CreatedAt not assigned")
		}
		if d.UpdatedAt != nil {
			t.Error("UpdatedAt should be nil on create")
		}
	})

	t.Run("duplicate external id", func(t *testing.T) {
		err := repo.Create(ctx, testDevice("node_1"))
		if !errors.Is(err, ErrDeviceExists) {
			t.Errorf("Create() error = %v, want ErrDeviceExists", err)
		}
	})
}

func TestSQLiteRepository_Get(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	d := testDevice("node_2")
	if err := repo.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	byID, err := repo.GetByID(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	byExt, err := repo.GetByExternalID(ctx, "node_2")
	if err != nil {
		t.Fatalf("GetByExternalID() error = %v", err)
	}

	for _, got := range []*Device{byID, byExt} {
		if got.ID != d.ID || got.ExternalID != "node_2" || got.Name != "Greenhouse" ||
			got.NetworkName != "lab-wifi" || got.Address != "10.0.0.7" ||
			got.Type != DefaultType || got.Location != DefaultLocation {
			t.Errorf("stored device = %+v", got)
		}
		if !got.CreatedAt.Equal(d.CreatedAt) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, d.CreatedAt)
		}
	}

	if _, err := repo.GetByID(ctx, 9999); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetByID(missing) error = %v, want ErrDeviceNotFound", err)
	}
	if _, err := repo.GetByExternalID(ctx, "node_missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetByExternalID(missing) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSQLiteRepository_Update(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	d := testDevice("node_3")
	if err := repo.Create(ctx, d); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	d.Name = "Renamed"
	d.Location = "Bench 4"
	if err := repo.Update(ctx, d); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if d.UpdatedAt == nil {
		t.Fatal("UpdatedAt not set")
	}

	got, err := repo.GetByID(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Name != "Renamed" || got.Location != "Bench 4" || got.UpdatedAt == nil {
		t.Errorf("updated device = %+v", got)
	}

	missing := testDevice("node_x")
	missing.ID = 4242
	if err := repo.Update(ctx, missing); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestSQLiteRepository_ListAndCount(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t))
	ctx := context.Background()

	for _, id := range []string{"node_a", "node_b", "node_c"} {
		if err := repo.Create(ctx, testDevice(id)); err != nil {
			t.Fatalf("Create(%s) error = %v", id, err)
		}
	}

	n, err := repo.Count(ctx)
	if err != nil || n != 3 {
		t.Fatalf("Count() = %d, %v; want 3", n, err)
	}

	page, err := repo.List(ctx, 1, 2)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page) != 2 || page[0].ExternalID != "node_b" || page[1].ExternalID != "node_c" {
		t.Errorf("List(1, 2) = %+v", page)
	}
}
