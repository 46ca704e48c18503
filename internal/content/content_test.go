package content

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opos-prep/backend/internal/logger"
	"github.com/opos-prep/backend/internal/models"
)

func TestSplitIntoChunks(t *testing.T) {
	tests := []struct {
		name string
		text string
		size int
		want []string
	}{
		{"empty", "", 10, nil},
		{"blank lines only", "\n\n  \n", 10, nil},
		{"fits in one", "abc\ndef", 100, []string{"abc\ndef"}},
		{"splits on overflow", "aaaa\nbbbb\ncccc", 8, []string{"aaaa", "bbbb", "cccc"}},
		{"packs lines", "aa\nbb\ncc\ndd", 6, []string{"aa\nbb", "cc\ndd"}},
		{"long line alone", "x\n" + strings.Repeat("y", 20) + "\nz", 5, []string{"x", strings.Repeat("y", 20), "z"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitIntoChunks(tt.text, tt.size)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %d chunks, got %d: %q", len(tt.want), len(got), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("chunk %d: expected %q, got %q", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestSplitIntoChunks_BoundedSize(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 500; i++ {
		b.WriteString("línea de contenido sobre conservación de medicamentos\n")
	}
	for i, c := range SplitIntoChunks(b.String(), 1000) {
		if len(c) > 1000 {
			t.Errorf("chunk %d has %d bytes", i, len(c))
		}
	}
}

func TestCatalog(t *testing.T) {
	_, err := NewCatalog(nil)
	if err == nil {
		t.Fatal("expected error for empty catalog")
	}

	_, err = NewCatalog([]models.Topic{{ID: "a"}, {ID: "a"}})
	if err == nil {
		t.Fatal("expected error for duplicate id")
	}

	c, err := NewCatalog([]models.Topic{{ID: "a", Title: "A"}, {ID: "b"}})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if got, _ := c.Get("b"); got.Title != "b" {
		t.Errorf("expected title to default to id, got %q", got.Title)
	}
	if err := c.Validate([]string{"a", "zzz"}); !errors.Is(err, ErrUnknownTopic) {
		t.Errorf("expected ErrUnknownTopic, got: %v", err)
	}
	if ids := c.IDs(); len(ids) != 2 || ids[0] != "a" {
		t.Errorf("unexpected ids: %v", ids)
	}
}

func TestLoadCatalog_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "topics.yaml")
	yml := "topics:\n  - id: tema-5\n    title: TEMA 5 - MEDICAMENTOS\n    files: [\"tema5.txt\"]\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	topic, ok := c.Get("tema-5")
	if !ok || topic.Title != "TEMA 5 - MEDICAMENTOS" || len(topic.Files) != 1 {
		t.Errorf("unexpected topic: %+v", topic)
	}
}

func TestDocCache_ExpiryAndSweep(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	c := NewDocCache(30*time.Minute, time.Hour)
	c.SetClock(func() time.Time { return now })

	c.Set("a", "text")
	if got, ok := c.Get("a"); !ok || got != "text" {
		t.Fatalf("expected hit, got %q %v", got, ok)
	}

	now = now.Add(30 * time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Error("expected expired entry to be invisible")
	}
	if c.Len() != 1 {
		t.Errorf("expected entry to linger until sweep, len=%d", c.Len())
	}
	if removed := c.Sweep(); removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache, len=%d", c.Len())
	}
}

func TestDocCache_StartStop(t *testing.T) {
	c := NewDocCache(time.Minute, time.Millisecond)
	c.Start()
	c.Stop()
	c.Stop()

	idle := NewDocCache(time.Minute, time.Minute)
	idle.Stop()
}

func newTestLibrary(t *testing.T) (*Library, string) {
	t.Helper()
	dir := t.TempDir()
	catalog, err := NewCatalog([]models.Topic{
		{ID: "t1", Title: "TEMA 1", Files: []string{"missing.txt", "t1.txt"}},
		{ID: "t2", Title: "TEMA 2", Files: []string{"t2.pdf"}},
		{ID: "t3", Title: "TEMA 3", Files: []string{"t3.md"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	write := func(name, text string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(text), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("t1.txt", "primera línea\nsegunda línea")
	write("t2.pdf", "%PDF")
	write("t3.md", "# Tema 3")

	return NewLibrary(catalog, dir, 1000, NewDocCache(time.Minute, time.Minute), logger.Nop()), dir
}

func TestLibrary_Document(t *testing.T) {
	lib, dir := newTestLibrary(t)

	doc, err := lib.Document([]string{"t1"})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if doc != "\n\n=== TEMA 1 ===\n\nprimera línea\nsegunda línea\n\n" {
		t.Errorf("unexpected document: %q", doc)
	}

	// Cached: removing the file does not change the result.
	os.Remove(filepath.Join(dir, "t1.txt"))
	again, err := lib.Document([]string{"t1"})
	if err != nil || again != doc {
		t.Errorf("expected cached document, got %q, %v", again, err)
	}

	if _, err := lib.Document([]string{"t2"}); !errors.Is(err, ErrNoContent) {
		t.Errorf("expected ErrNoContent for pdf-only topic, got: %v", err)
	}
	if _, err := lib.Document([]string{"nope"}); !errors.Is(err, ErrUnknownTopic) {
		t.Errorf("expected ErrUnknownTopic, got: %v", err)
	}

	multi, err := lib.Document([]string{"t2", "t3"})
	if err != nil {
		t.Fatalf("expected partial multi-topic document, got: %v", err)
	}
	if !strings.Contains(multi, "=== TEMA 2 ===") || !strings.Contains(multi, "# Tema 3") {
		t.Errorf("unexpected multi-topic document: %q", multi)
	}
}

func TestLibrary_ChunksAndStatus(t *testing.T) {
	lib, _ := newTestLibrary(t)

	chunks, err := lib.Chunks([]string{"t1"})
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if len(chunks) != 1 || !strings.HasPrefix(chunks[0], "=== TEMA 1 ===") {
		t.Errorf("unexpected chunks: %q", chunks)
	}

	status := lib.Status()
	if len(status) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(status))
	}
	if !status[0].Available || status[1].Available || !status[2].Available {
		t.Errorf("unexpected availability: %+v", status)
	}
}
