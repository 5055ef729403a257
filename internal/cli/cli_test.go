package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const pokemonCSV = "Number,Name,Type 1,Type 2,HP,Attack,Defence,Sp Attack,Sp Defence,Speed\n" +
	"1,Bulbasaur,Grass,Poison,45,49,49,65,65,45\n" +
	"4,Charmander,Fire,,39,52,43,60,50,65\n"

// execute runs the command tree against in-memory backends.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("WAREHOUSE_BACKEND", "memory")
	t.Setenv("CLEANUP_ENABLED", "false")

	var stdout, stderr bytes.Buffer
	root := NewRootCommand(strings.NewReader(""), &stdout, &stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProvision(t *testing.T) {
	out, err := execute(t, "provision")
	if err != nil {
		t.Fatalf("provision error = %v", err)
	}
	if !strings.Contains(out, "provisioned project_zeta.pokemon_data") {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, "seeded") {
		t.Errorf("output without --seed mentions seeding: %q", out)
	}
}

func TestProvision_Seed(t *testing.T) {
	seed := writeFile(t, "pokemon.csv", pokemonCSV)

	out, err := execute(t, "provision", "--seed", seed)
	if err != nil {
		t.Fatalf("provision error = %v", err)
	}
	if !strings.Contains(out, "seeded from pokemon.csv: rows=2 inserted=2") {
		t.Errorf("output = %q", out)
	}
}

func TestProvision_SeedMissing(t *testing.T) {
	_, err := execute(t, "provision", "--seed", filepath.Join(t.TempDir(), "nope.csv"))
	if err == nil {
		t.Fatal("expected error for missing seed file")
	}
}

func TestMerge(t *testing.T) {
	first := writeFile(t, "gen1.csv", pokemonCSV)
	second := writeFile(t, "gen1-update.csv",
		"Number,Name,Type 1,Type 2,HP,Attack,Defence,Sp Attack,Sp Defence,Speed\n"+
			"1,Bulbasaur,Grass,Poison,50,49,49,65,65,45\n")

	out, err := execute(t, "merge", first, second)
	if err != nil {
		t.Fatalf("merge error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "gen1.csv: done") || !strings.Contains(out, "rows=2 inserted=2 updated=0") {
		t.Errorf("first batch output = %q", out)
	}
	if !strings.Contains(out, "gen1-update.csv: done") || !strings.Contains(out, "rows=1 inserted=0 updated=1") {
		t.Errorf("second batch output = %q", out)
	}
}

func TestMerge_DuplicateKeys(t *testing.T) {
	path := writeFile(t, "dupes.csv", pokemonCSV+"1,Bulbasaur,Grass,Poison,45,49,49,65,65,45\n")

	out, err := execute(t, "merge", path)
	if err == nil {
		t.Fatal("expected error for duplicate keys")
	}
	if !strings.Contains(out, "dupes.csv: failed at merging [MRG001]") {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(err.Error(), "1 of 1 batches failed") {
		t.Errorf("error = %v", err)
	}
}

func TestMerge_CleanupFirst(t *testing.T) {
	path := writeFile(t, "gen1.csv", pokemonCSV)

	out, err := execute(t, "merge", "--cleanup-first", path)
	if err != nil {
		t.Fatalf("merge error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "gen1.csv: done") {
		t.Errorf("output = %q", out)
	}
}

func TestMerge_MissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.csv")

	out, err := execute(t, "merge", missing)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(out, missing) {
		t.Errorf("output = %q, want the missing path", out)
	}
}

func TestMerge_RequiresFile(t *testing.T) {
	if _, err := execute(t, "merge"); err == nil {
		t.Fatal("expected error without file arguments")
	}
}

func TestCleanup(t *testing.T) {
	out, err := execute(t, "cleanup")
	if err != nil {
		t.Fatalf("cleanup error = %v", err)
	}
	if !strings.Contains(out, "staging clean:") || !strings.Contains(out, "project_zeta.pokemon_data_temp") {
		t.Errorf("output = %q", out)
	}
}

func TestEnvFile(t *testing.T) {
	t.Setenv("WAREHOUSE_DATASET", "project_zeta")
	envFile := writeFile(t, "test.env", "WAREHOUSE_DATASET=pokedex\n")

	out, err := execute(t, "--env-file", envFile, "provision")
	if err != nil {
		t.Fatalf("provision error = %v", err)
	}
	if !strings.Contains(out, "provisioned pokedex.pokemon_data") {
		t.Errorf("output = %q", out)
	}
}

func TestEnvFile_Missing(t *testing.T) {
	_, err := execute(t, "--env-file", filepath.Join(t.TempDir(), "missing.env"), "cleanup")
	if err == nil {
		t.Fatal("expected error for missing env file")
	}
	if !strings.Contains(err.Error(), "load env file") {
		t.Errorf("error = %v", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	t.Setenv("WAREHOUSE_BACKEND", "memory")
	t.Setenv("STORE_BACKEND", "s3")

	var stdout, stderr bytes.Buffer
	root := NewRootCommand(strings.NewReader(""), &stdout, &stderr)
	root.SetArgs([]string{"cleanup"})
	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Fatal("expected error for unknown store backend")
	}
}
