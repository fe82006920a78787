package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tourkita/internal/errs"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetReplace(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	url := "https://backend.example.com/rest/v1/events"
	if err := s.Put(ctx, Entry{URL: url, ETag: `"v1"`, Body: []byte(`[]`)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, url)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ETag != `"v1"` || string(got.Body) != "[]" || got.UpdatedAt.IsZero() {
		t.Errorf("got %+v", got)
	}

	stamp := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	if err := s.Put(ctx, Entry{URL: url, LastModified: "Sat, 01 Jun 2024 00:00:00 GMT", Body: []byte(`[{"id":"e1"}]`), UpdatedAt: stamp}); err != nil {
		t.Fatalf("Put replace: %v", err)
	}
	got, _ = s.Get(ctx, url)
	if got.ETag != "" || got.LastModified == "" || string(got.Body) != `[{"id":"e1"}]` || !got.UpdatedAt.Equal(stamp) {
		t.Errorf("replace not applied: %+v", got)
	}
}

func TestGetMissing(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "https://nowhere")
	if errs.KindOf(err) != errs.KindNotFound {
		t.Errorf("err = %v, want not_found", err)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	url := "https://backend.example.com/rest/v1/documents"
	_ = s.Put(ctx, Entry{URL: url, Body: []byte("x")})

	for i := 0; i < 2; i++ {
		if err := s.Delete(ctx, url); err != nil {
			t.Fatalf("Delete #%d: %v", i+1, err)
		}
	}
	if _, err := s.Get(ctx, url); errs.KindOf(err) != errs.KindNotFound {
		t.Errorf("entry still present: %v", err)
	}
}

func TestReopenKeepsDataAndSkipsMigrations(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")

	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Put(ctx, Entry{URL: "u", Body: []byte("b")})
	_ = s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if got, err := s.Get(ctx, "u"); err != nil || string(got.Body) != "b" {
		t.Errorf("after reopen: %+v, %v", got, err)
	}
}

func TestPutRequiresURL(t *testing.T) {
	s := openTestStore(t)
	if err := s.Put(context.Background(), Entry{}); errs.KindOf(err) != errs.KindInvalid {
		t.Errorf("err = %v", err)
	}
}

func TestExtractUp(t *testing.T) {
	got := extractUp("-- +migrate Up\nCREATE TABLE a (x);\n-- +migrate Down\nDROP TABLE a;")
	if got != "\nCREATE TABLE a (x);\n" {
		t.Errorf("extractUp = %q", got)
	}
}
