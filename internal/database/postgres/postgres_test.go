//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kozaktomas/imgmatch/internal/config"
	"github.com/kozaktomas/imgmatch/internal/database"
	"github.com/kozaktomas/imgmatch/internal/features"
)

func setupTestContainer(t *testing.T) (*Pool, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return nil, func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	cfg := &config.DatabaseConfig{
		URL:          fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	pool, err := NewPool(cfg)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to create pool: %v", err)
	}
	if err := pool.Migrate(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		container.Terminate(ctx)
	}
	return pool, cleanup
}

func siftRecord(entry database.Entry, n int) *database.CachedDescriptors {
	rows := make([][]float32, n)
	kps := make([]features.Keypoint, n)
	for i := range rows {
		row := make([]float32, features.SIFTDescriptorWidth)
		for j := range row {
			row[j] = float32(i*j) / 10
		}
		rows[i] = row
		kps[i] = features.Keypoint{X: float64(i), Y: float64(2 * i), Size: 3, Angle: 45, Response: 0.01, Octave: i % 3, ClassID: -1}
	}
	fp := &features.Fingerprint{
		Keypoints:   kps,
		Descriptors: features.NewFloatTable(features.SIFTDescriptorWidth, rows),
		Width:       320,
		Height:      240,
	}
	cfg := features.Config{Detector: features.DetectorSIFT}
	return database.NewCachedDescriptors(entry, cfg, fp, time.Now().UTC().Truncate(time.Microsecond))
}

func TestMigrations(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	versions, err := pool.MigrationsApplied(ctx)
	if err != nil {
		t.Fatalf("Failed to list migrations: %v", err)
	}
	if len(versions) != 2 {
		t.Errorf("Expected 2 migrations, got %v", versions)
	}

	// second run is a no-op
	if err := pool.Migrate(ctx); err != nil {
		t.Errorf("Re-running migrations failed: %v", err)
	}
}

func TestCorpusRepository(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	repo := NewCorpusRepository(pool)

	if _, err := repo.Add(ctx, ""); !errors.Is(err, database.ErrEmptyAddress) {
		t.Errorf("Expected ErrEmptyAddress, got %v", err)
	}

	first, err := repo.Add(ctx, "https://example.com/1.png")
	if err != nil {
		t.Fatalf("Failed to add image: %v", err)
	}
	second, err := repo.Add(ctx, "https://example.com/2.png")
	if err != nil {
		t.Fatalf("Failed to add image: %v", err)
	}
	if first.MatchCount != 0 {
		t.Errorf("Expected zero match count, got %d", first.MatchCount)
	}

	entries, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != first.ID || entries[1].ID != second.ID {
		t.Errorf("Expected insertion order, got %+v", entries)
	}

	if err := repo.IncrementMatchCount(ctx, second.ID); err != nil {
		t.Fatalf("Failed to increment: %v", err)
	}
	got, err := repo.Get(ctx, second.ID)
	if err != nil {
		t.Fatalf("Failed to get: %v", err)
	}
	if got.MatchCount != 1 {
		t.Errorf("Expected match count 1, got %d", got.MatchCount)
	}

	if err := repo.IncrementMatchCount(ctx, "nope"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if _, err := repo.Get(ctx, "nope"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}

	count, err := repo.Count(ctx)
	if err != nil || count != 2 {
		t.Errorf("Expected count 2, got %d (%v)", count, err)
	}
}

func TestDescriptorRepository(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	repo := NewDescriptorRepository(pool)
	entry := database.Entry{ID: "entry-1", Address: "https://example.com/1.png"}

	t.Run("Absent", func(t *testing.T) {
		rec, err := repo.Get(ctx, entry.ID)
		if err != nil || rec != nil {
			t.Fatalf("Expected nil record, got %v (%v)", rec, err)
		}
	})

	t.Run("FloatRoundTrip", func(t *testing.T) {
		want := siftRecord(entry, 5)
		if err := repo.Put(ctx, want); err != nil {
			t.Fatalf("Failed to put: %v", err)
		}
		got, err := repo.Get(ctx, entry.ID)
		if err != nil {
			t.Fatalf("Failed to get: %v", err)
		}
		if got.Descriptors.Len() != 5 || len(got.Keypoints) != 5 {
			t.Fatalf("Expected 5 rows, got %d", got.Descriptors.Len())
		}
		if got.Descriptors.Float[3][7] != want.Descriptors.Float[3][7] {
			t.Errorf("Descriptor value mismatch")
		}
		if err := got.Validate(features.Config{Detector: features.DetectorSIFT}, entry); err != nil {
			t.Errorf("Round-tripped record should validate: %v", err)
		}
	})

	t.Run("Replace", func(t *testing.T) {
		if err := repo.Put(ctx, siftRecord(entry, 2)); err != nil {
			t.Fatalf("Failed to replace: %v", err)
		}
		got, err := repo.Get(ctx, entry.ID)
		if err != nil {
			t.Fatalf("Failed to get: %v", err)
		}
		if got.Descriptors.Len() != 2 {
			t.Errorf("Expected replaced record with 2 rows, got %d", got.Descriptors.Len())
		}
	})

	t.Run("Binary", func(t *testing.T) {
		orbEntry := database.Entry{ID: "entry-2", Address: "/tmp/2.png"}
		fp := &features.Fingerprint{
			Keypoints:   []features.Keypoint{{X: 1}, {X: 2}},
			Descriptors: features.NewBinaryTable(features.ORBDescriptorWidth, [][]byte{make([]byte, 32), {0: 0xff, 31: 0x01}}),
			Width:       10,
			Height:      10,
		}
		cfg := features.Config{Detector: features.DetectorORB}
		if err := repo.Put(ctx, database.NewCachedDescriptors(orbEntry, cfg, fp, time.Now())); err != nil {
			t.Fatalf("Failed to put: %v", err)
		}
		got, err := repo.Get(ctx, orbEntry.ID)
		if err != nil {
			t.Fatalf("Failed to get: %v", err)
		}
		if got.Descriptors.Kind != features.KindBinary || got.Descriptors.Binary[1][0] != 0xff {
			t.Errorf("Binary descriptors not restored: %+v", got.Descriptors)
		}
	})

	t.Run("ConcurrentReplace", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 1; i <= 8; i++ {
			wg.Add(2)
			go func(n int) {
				defer wg.Done()
				_ = repo.Put(ctx, siftRecord(entry, n))
			}(i)
			go func() {
				defer wg.Done()
				rec, err := repo.Get(ctx, entry.ID)
				if err != nil {
					t.Errorf("Get during replace: %v", err)
					return
				}
				if rec != nil && len(rec.Keypoints) != rec.Descriptors.Len() {
					t.Errorf("Observed torn record")
				}
			}()
		}
		wg.Wait()
	})

	t.Run("PruneAndClear", func(t *testing.T) {
		n, err := repo.Prune(ctx, []string{entry.ID})
		if err != nil || n != 1 {
			t.Errorf("Expected 1 pruned, got %d (%v)", n, err)
		}
		n, err = repo.Clear(ctx)
		if err != nil || n != 1 {
			t.Errorf("Expected 1 cleared, got %d (%v)", n, err)
		}
		count, err := repo.Count(ctx)
		if err != nil || count != 0 {
			t.Errorf("Expected empty cache, got %d (%v)", count, err)
		}
	})
}
