package history_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/internal/history"
)

func TestFileStore_AppendAndRecent(t *testing.T) {
	t.Parallel()

	fs := history.NewFileStore(filepath.Join(t.TempDir(), "calls.jsonl"))
	for i, ch := range []string{"Maya", "Miles", "Maya"} {
		err := fs.Append(history.Record{
			EndedAt:    time.Unix(int64(1000+i), 0).UTC(),
			SessionID:  ch + "-session",
			Character:  ch,
			Outcome:    "closed",
			DurationMS: int64(i+1) * 1500,
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := fs.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(2) returned %d records", len(got))
	}
	if got[0].Character != "Miles" || got[1].Character != "Maya" {
		t.Errorf("Recent(2) = %s, %s; want Miles, Maya", got[0].Character, got[1].Character)
	}
	if got[1].Duration() != 4500*time.Millisecond {
		t.Errorf("Duration = %s, want 4.5s", got[1].Duration())
	}

	all, err := fs.Recent(0)
	if err != nil || len(all) != 3 {
		t.Errorf("Recent(0) = %d records, %v; want all 3", len(all), err)
	}
}

func TestFileStore_MissingFile(t *testing.T) {
	t.Parallel()

	fs := history.NewFileStore(filepath.Join(t.TempDir(), "none.jsonl"))
	got, err := fs.Recent(5)
	if err != nil || len(got) != 0 {
		t.Errorf("Recent on missing file = %v, %v; want empty, nil", got, err)
	}
}

func TestFileStore_SkipsMalformedLines(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "calls.jsonl")
	content := `{"character":"Maya","outcome":"closed"}
not json
{"character":"Miles","outcome":"failed"}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := history.NewFileStore(path).Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[1].Outcome != "failed" {
		t.Errorf("Recent = %+v", got)
	}
}

func TestFileStore_ConcurrentAppends(t *testing.T) {
	t.Parallel()

	fs := history.NewFileStore(filepath.Join(t.TempDir(), "calls.jsonl"))
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fs.Append(history.Record{Character: "Maya", Outcome: "closed"}); err != nil {
				t.Errorf("Append: %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := fs.Recent(0)
	if err != nil || len(got) != 20 {
		t.Errorf("Recent = %d records, %v; want 20", len(got), err)
	}
}
