package objectstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// storeFactory returns a fresh, empty store for one test.
type storeFactory func(t *testing.T) Store

func TestMemory(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		return NewMemory("test")
	})
}

func TestBolt(t *testing.T) {
	runStoreTests(t, func(t *testing.T) Store {
		s, err := OpenBolt(filepath.Join(t.TempDir(), "objects.db"), "test")
		if err != nil {
			t.Fatalf("OpenBolt() error = %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("ZETA_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("ZETA_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New() error = %v", err)
	}
	t.Cleanup(pool.Close)

	runStoreTests(t, func(t *testing.T) Store {
		bucket := "test_" + strings.ReplaceAll(t.Name(), "/", "_")
		if _, err := pool.Exec(ctx, `DELETE FROM zeta_objects WHERE bucket = $1`, bucket); err != nil && !strings.Contains(err.Error(), "does not exist") {
			t.Fatalf("reset bucket: %v", err)
		}
		s, err := NewPostgres(ctx, pool, bucket)
		if err != nil {
			t.Fatalf("NewPostgres() error = %v", err)
		}
		return s
	})
}

func TestBolt_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "objects.db")

	s, err := OpenBolt(path, "test")
	if err != nil {
		t.Fatal(err)
	}
	first, err := s.Upload(ctx, "pokemon_data", strings.NewReader("a"), 0)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = OpenBolt(path, "test")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got, err := s.Attrs(ctx, "pokemon_data")
	if err != nil {
		t.Fatalf("Attrs() after reopen error = %v", err)
	}
	if got.Generation != first.Generation || !got.Created.Equal(first.Created) {
		t.Errorf("Attrs() = %+v, want %+v", got, first)
	}

	second, err := s.Upload(ctx, "other", strings.NewReader("b"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if second.Generation <= first.Generation {
		t.Errorf("generation after reopen = %d, want > %d", second.Generation, first.Generation)
	}
}

func runStoreTests(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("create only", func(t *testing.T) {
		s := newStore(t)

		attrs, err := s.Upload(ctx, "pokemon_data_temp", strings.NewReader("v1"), 0)
		if err != nil {
			t.Fatalf("Upload() error = %v", err)
		}
		if attrs.Generation < 1 || attrs.Size != 2 || attrs.Key != "pokemon_data_temp" {
			t.Errorf("Upload() attrs = %+v", attrs)
		}

		_, err = s.Upload(ctx, "pokemon_data_temp", strings.NewReader("v2"), 0)
		var ce *ConflictError
		if !errors.As(err, &ce) {
			t.Fatalf("second Upload() error = %v, want *ConflictError", err)
		}
		if !errors.Is(err, ErrConflict) {
			t.Error("ConflictError should match ErrConflict")
		}
		if ce.Actual != attrs.Generation || ce.Expected != 0 {
			t.Errorf("ConflictError = %+v", ce)
		}

		// The existing blob is untouched.
		assertContents(t, s, "pokemon_data_temp", "v1")
	})

	t.Run("overwrite with matching generation", func(t *testing.T) {
		s := newStore(t)

		v1, err := s.Upload(ctx, "k", strings.NewReader("v1"), 0)
		if err != nil {
			t.Fatal(err)
		}
		v2, err := s.Upload(ctx, "k", strings.NewReader("v2"), v1.Generation)
		if err != nil {
			t.Fatalf("Upload(match) error = %v", err)
		}
		if v2.Generation <= v1.Generation {
			t.Errorf("generation did not increase: %d -> %d", v1.Generation, v2.Generation)
		}
		if _, err := s.Upload(ctx, "k", strings.NewReader("v3"), v1.Generation); !errors.Is(err, ErrConflict) {
			t.Errorf("Upload(stale) error = %v, want ErrConflict", err)
		}
		if _, err := s.Upload(ctx, "absent", strings.NewReader("x"), v1.Generation); !errors.Is(err, ErrConflict) {
			t.Errorf("Upload(absent, gen) error = %v, want ErrConflict", err)
		}
		assertContents(t, s, "k", "v2")
	})

	t.Run("generations increase across keys", func(t *testing.T) {
		s := newStore(t)

		var last Generation
		for _, key := range []string{"a", "b", "c"} {
			attrs, err := s.Upload(ctx, key, strings.NewReader(key), 0)
			if err != nil {
				t.Fatal(err)
			}
			if attrs.Generation <= last {
				t.Errorf("%s generation %d not > %d", key, attrs.Generation, last)
			}
			last = attrs.Generation
		}
	})

	t.Run("attrs", func(t *testing.T) {
		s := newStore(t)

		if _, err := s.Attrs(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Attrs(missing) error = %v, want ErrNotFound", err)
		}
		up, err := s.Upload(ctx, "k", strings.NewReader("hello"), 0)
		if err != nil {
			t.Fatal(err)
		}
		got, err := s.Attrs(ctx, "k")
		if err != nil {
			t.Fatal(err)
		}
		if got.Generation != up.Generation || got.Size != 5 {
			t.Errorf("Attrs() = %+v, want generation %d size 5", got, up.Generation)
		}
	})

	t.Run("delete if generation", func(t *testing.T) {
		s := newStore(t)

		up, err := s.Upload(ctx, "k", strings.NewReader("x"), 0)
		if err != nil {
			t.Fatal(err)
		}
		if err := s.Delete(ctx, "k", up.Generation+100); !errors.Is(err, ErrConflict) {
			t.Errorf("Delete(wrong gen) error = %v, want ErrConflict", err)
		}
		if err := s.Delete(ctx, "k", up.Generation); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if err := s.Delete(ctx, "k", up.Generation); !errors.Is(err, ErrNotFound) {
			t.Errorf("second Delete() error = %v, want ErrNotFound", err)
		}
		if _, _, err := s.Open(ctx, "k"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Open(deleted) error = %v, want ErrNotFound", err)
		}

		// Key is free for create-only again.
		if _, err := s.Upload(ctx, "k", strings.NewReader("y"), 0); err != nil {
			t.Errorf("Upload after delete error = %v", err)
		}
	})

	t.Run("concurrent create only has one winner", func(t *testing.T) {
		s := newStore(t)

		const writers = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			wins      int
			conflicts int
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Upload(ctx, "race", strings.NewReader("x"), 0)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ErrConflict):
					conflicts++
				default:
					t.Errorf("Upload() unexpected error = %v", err)
				}
			}()
		}
		wg.Wait()

		if wins != 1 || conflicts != writers-1 {
			t.Errorf("wins = %d, conflicts = %d", wins, conflicts)
		}
	})

	t.Run("empty key", func(t *testing.T) {
		s := newStore(t)
		if _, err := s.Upload(ctx, "", strings.NewReader("x"), 0); !errors.Is(err, ErrEmptyKey) {
			t.Errorf("Upload(\"\") error = %v, want ErrEmptyKey", err)
		}
	})
}

func assertContents(t *testing.T, s Store, key, want string) {
	t.Helper()

	rc, attrs, err := s.Open(context.Background(), key)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", key, err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != want {
		t.Errorf("Open(%s) = %q, want %q", key, got, want)
	}
	if attrs.Size != int64(len(want)) {
		t.Errorf("Open(%s) size = %d, want %d", key, attrs.Size, len(want))
	}
}
