package storage

import (
	"strings"
	"testing"
)

func TestUpMigrations(t *testing.T) {
	files, err := upMigrations()
	if err != nil {
		t.Fatalf("upMigrations: %v", err)
	}
	if len(files) == 0 {
		t.Fatal("expected at least one embedded migration")
	}
	for i, f := range files {
		if !strings.HasSuffix(f, ".up.sql") {
			t.Errorf("unexpected migration file %q", f)
		}
		if i > 0 && files[i-1] >= f {
			t.Errorf("migrations not sorted: %q before %q", files[i-1], f)
		}
	}
}
