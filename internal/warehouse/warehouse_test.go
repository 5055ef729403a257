package warehouse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/zeta/internal/schema"
)

// harness is one warehouse under test plus a way to read a table back.
type harness struct {
	wh      Warehouse
	dataset string
	rows    func(t *testing.T, id TableID) []schema.Row
}

func (h harness) table(name string) TableID {
	return TableID{Dataset: h.dataset, Name: name}
}

// sliceSource feeds fixed rows, optionally failing after them.
type sliceSource struct {
	rows []schema.Row
	i    int
	err  error
}

func (s *sliceSource) Next() bool {
	if s.i >= len(s.rows) {
		return false
	}
	s.i++
	return true
}

func (s *sliceSource) Values() ([]any, error) { return s.rows[s.i-1], nil }
func (s *sliceSource) Err() error             { return s.err }

func pokemon(number int64, name, type1 string, type2 any, stats ...int64) schema.Row {
	row := schema.Row{number, name, type1, type2}
	for _, s := range stats {
		row = append(row, s)
	}
	return row
}

var (
	bulbasaur     = pokemon(1, "Bulbasaur", "Grass", "Poison", 45, 49, 49, 65, 65, 45)
	bulbasaurOld  = pokemon(99, "Bulbasaur", "Fire", nil, 1, 2, 3, 4, 5, 6)
	charmander    = pokemon(4, "Charmander", "Fire", nil, 39, 52, 43, 60, 50, 65)
	squirtle      = pokemon(7, "Squirtle", "Water", nil, 44, 48, 65, 50, 64, 43)
	errSourceDied = errors.New("source died")
)

func TestMemoryWarehouse(t *testing.T) {
	runWarehouseTests(t, func(t *testing.T) harness {
		m := NewMemory()
		return harness{
			wh:      m,
			dataset: "project_zeta",
			rows: func(t *testing.T, id TableID) []schema.Row {
				t.Helper()
				rows, err := m.Rows(id)
				if err != nil {
					t.Fatalf("Rows(%s) error = %v", id, err)
				}
				return sortRows(rows)
			},
		}
	})
}

func TestPostgresWarehouse(t *testing.T) {
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

	var n int
	runWarehouseTests(t, func(t *testing.T) harness {
		n++
		dataset := fmt.Sprintf("zeta_test_%d", n)
		ident := pgx.Identifier{dataset}.Sanitize()
		if _, err := pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE"); err != nil {
			t.Fatalf("reset dataset: %v", err)
		}
		t.Cleanup(func() { pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+ident+" CASCADE") })

		return harness{
			wh:      NewPostgres(pool),
			dataset: dataset,
			rows: func(t *testing.T, id TableID) []schema.Row {
				t.Helper()
				rs, err := pool.Query(ctx, "SELECT * FROM "+id.Sanitize())
				if err != nil {
					t.Fatalf("select %s: %v", id, err)
				}
				defer rs.Close()
				var out []schema.Row
				for rs.Next() {
					vals, err := rs.Values()
					if err != nil {
						t.Fatal(err)
					}
					out = append(out, schema.Row(vals))
				}
				if err := rs.Err(); err != nil {
					t.Fatal(err)
				}
				return sortRows(out)
			},
		}
	})
}

func runWarehouseTests(t *testing.T, newHarness func(t *testing.T) harness) {
	ctx := context.Background()

	t.Run("load row counts", func(t *testing.T) {
		h := newHarness(t)
		stg := h.table("pokemon_data_temp")

		for _, rows := range [][]schema.Row{nil, {bulbasaur}, {bulbasaur, charmander, squirtle}} {
			n, err := h.wh.LoadTable(ctx, stg, schema.Pokemon, &sliceSource{rows: rows})
			if err != nil {
				t.Fatalf("LoadTable(%d rows) error = %v", len(rows), err)
			}
			if n != int64(len(rows)) {
				t.Errorf("LoadTable() = %d, want %d", n, len(rows))
			}
			count, err := h.wh.CountRows(ctx, stg)
			if err != nil {
				t.Fatal(err)
			}
			if count != int64(len(rows)) {
				t.Errorf("CountRows() = %d, want %d", count, len(rows))
			}
		}
	})

	t.Run("load is all or nothing", func(t *testing.T) {
		h := newHarness(t)
		stg := h.table("pokemon_data_temp")

		if _, err := h.wh.LoadTable(ctx, stg, schema.Pokemon, &sliceSource{rows: []schema.Row{squirtle}}); err != nil {
			t.Fatal(err)
		}

		src := &sliceSource{rows: []schema.Row{bulbasaur, charmander}, err: errSourceDied}
		if _, err := h.wh.LoadTable(ctx, stg, schema.Pokemon, src); !errors.Is(err, errSourceDied) {
			t.Fatalf("LoadTable() error = %v, want %v", err, errSourceDied)
		}

		if diff := cmp.Diff([]schema.Row{squirtle}, h.rows(t, stg)); diff != "" {
			t.Errorf("staging changed by failed load (-want +got):\n%s", diff)
		}
	})

	t.Run("merge updates every mutable column", func(t *testing.T) {
		h := newHarness(t)
		can, stg := h.table("pokemon_data"), h.table("pokemon_data_temp")
		seedCanonical(t, h, can, bulbasaurOld)

		if _, err := h.wh.LoadTable(ctx, stg, schema.Pokemon, &sliceSource{rows: []schema.Row{bulbasaur}}); err != nil {
			t.Fatal(err)
		}
		out := merge(t, h, can, stg)

		if out.Updated != 1 || out.Inserted != 0 || out.Affected != 1 {
			t.Errorf("Merge() = %+v, want 1 updated", out)
		}
		if diff := cmp.Diff([]schema.Row{bulbasaur}, h.rows(t, can)); diff != "" {
			t.Errorf("canonical mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("merge inserts unmatched keys", func(t *testing.T) {
		h := newHarness(t)
		can, stg := h.table("pokemon_data"), h.table("pokemon_data_temp")
		seedCanonical(t, h, can, squirtle)

		if _, err := h.wh.LoadTable(ctx, stg, schema.Pokemon, &sliceSource{rows: []schema.Row{bulbasaur, charmander}}); err != nil {
			t.Fatal(err)
		}
		out := merge(t, h, can, stg)

		if out.Inserted != 2 || out.Updated != 0 {
			t.Errorf("Merge() = %+v, want 2 inserted", out)
		}
		want := []schema.Row{bulbasaur, charmander, squirtle}
		if diff := cmp.Diff(want, h.rows(t, can)); diff != "" {
			t.Errorf("canonical mismatch (-want +got):\n%s", diff)
		}

		// Merging the same staging table again changes nothing.
		out = merge(t, h, can, stg)
		if out.Updated != 2 || out.Inserted != 0 {
			t.Errorf("second Merge() = %+v, want 2 updated", out)
		}
		if diff := cmp.Diff(want, h.rows(t, can)); diff != "" {
			t.Errorf("canonical changed by re-merge (-want +got):\n%s", diff)
		}
	})

	t.Run("merge rejects duplicate keys", func(t *testing.T) {
		h := newHarness(t)
		can, stg := h.table("pokemon_data"), h.table("pokemon_data_temp")
		seedCanonical(t, h, can, squirtle)

		rows := []schema.Row{bulbasaur, charmander, bulbasaurOld}
		if _, err := h.wh.LoadTable(ctx, stg, schema.Pokemon, &sliceSource{rows: rows}); err != nil {
			t.Fatal(err)
		}

		stmt, _ := BuildMerge(can, stg, schema.Pokemon)
		_, err := h.wh.Merge(ctx, stmt)
		var dke *DuplicateKeyError
		if !errors.As(err, &dke) {
			t.Fatalf("Merge() error = %v, want *DuplicateKeyError", err)
		}
		if diff := cmp.Diff([]string{"Bulbasaur"}, dke.Keys); diff != "" {
			t.Errorf("Keys mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]schema.Row{squirtle}, h.rows(t, can)); diff != "" {
			t.Errorf("canonical changed by rejected merge (-want +got):\n%s", diff)
		}
	})

	t.Run("merge into missing table", func(t *testing.T) {
		h := newHarness(t)
		can, stg := h.table("pokemon_data"), h.table("pokemon_data_temp")
		if _, err := h.wh.LoadTable(ctx, stg, schema.Pokemon, &sliceSource{rows: []schema.Row{bulbasaur}}); err != nil {
			t.Fatal(err)
		}

		stmt, _ := BuildMerge(can, stg, schema.Pokemon)
		if _, err := h.wh.Merge(ctx, stmt); !errors.Is(err, ErrTableNotFound) {
			t.Errorf("Merge() error = %v, want ErrTableNotFound", err)
		}
	})

	t.Run("drop table", func(t *testing.T) {
		h := newHarness(t)
		stg := h.table("pokemon_data_temp")

		if err := h.wh.DropTable(ctx, stg); !errors.Is(err, ErrTableNotFound) {
			t.Errorf("DropTable(missing) error = %v, want ErrTableNotFound", err)
		}
		if _, err := h.wh.LoadTable(ctx, stg, schema.Pokemon, &sliceSource{}); err != nil {
			t.Fatal(err)
		}
		if err := h.wh.DropTable(ctx, stg); err != nil {
			t.Errorf("DropTable() error = %v", err)
		}
		if _, err := h.wh.CountRows(ctx, stg); !errors.Is(err, ErrTableNotFound) {
			t.Errorf("CountRows(dropped) error = %v, want ErrTableNotFound", err)
		}
	})

	t.Run("create table is idempotent", func(t *testing.T) {
		h := newHarness(t)
		can := h.table("pokemon_data")
		seedCanonical(t, h, can, squirtle)

		if err := h.wh.CreateTable(ctx, can, schema.Pokemon); err != nil {
			t.Fatalf("second CreateTable() error = %v", err)
		}
		if diff := cmp.Diff([]schema.Row{squirtle}, h.rows(t, can)); diff != "" {
			t.Errorf("CreateTable changed existing rows (-want +got):\n%s", diff)
		}
	})
}

// seedCanonical creates the canonical table and merges rows into it through a
// scratch table.
func seedCanonical(t *testing.T, h harness, can TableID, rows ...schema.Row) {
	t.Helper()
	ctx := context.Background()

	if err := h.wh.CreateTable(ctx, can, schema.Pokemon); err != nil {
		t.Fatalf("CreateTable() error = %v", err)
	}
	seed := h.table("seed")
	if _, err := h.wh.LoadTable(ctx, seed, schema.Pokemon, &sliceSource{rows: rows}); err != nil {
		t.Fatalf("LoadTable(seed) error = %v", err)
	}
	merge(t, h, can, seed)
	if err := h.wh.DropTable(ctx, seed); err != nil {
		t.Fatal(err)
	}
}

func merge(t *testing.T, h harness, can, stg TableID) MergeOutcome {
	t.Helper()

	stmt, err := BuildMerge(can, stg, schema.Pokemon)
	if err != nil {
		t.Fatal(err)
	}
	out, err := h.wh.Merge(context.Background(), stmt)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	return out
}

func sortRows(rows []schema.Row) []schema.Row {
	key := schema.Pokemon.KeyIndex()
	sort.Slice(rows, func(i, j int) bool {
		return strings.Compare(fmt.Sprint(rows[i][key]), fmt.Sprint(rows[j][key])) < 0
	})
	return rows
}
