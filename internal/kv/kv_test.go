package kv

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func testSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, result, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if !result.Changed || result.Version != 1 {
		t.Errorf("migration result = %+v, want fresh migration to version 1", result)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// exercise runs the Store contract against an implementation.
func exercise(t *testing.T, s Store) {
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}

	if err := s.Set(ctx, "timeline/c1", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "timeline/c1", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "timeline/c1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v2" {
		t.Errorf("Get = %q, want v2 (last writer wins)", got)
	}

	if err := s.Set(ctx, "timeline/c2", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "timeline_other", []byte("keep")); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "prefs/interests", []byte("keep")); err != nil {
		t.Fatal(err)
	}

	if err := s.Remove(ctx, "timeline/c2"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "timeline/c2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Remove error = %v, want ErrNotFound", err)
	}

	if err := s.RemoveAll(ctx, "timeline/"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "timeline/c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after RemoveAll error = %v, want ErrNotFound", err)
	}
	for _, k := range []string{"timeline_other", "prefs/interests"} {
		if _, err := s.Get(ctx, k); err != nil {
			t.Errorf("Get(%s) after RemoveAll(timeline/) error = %v", k, err)
		}
	}
}

func TestMemoryStore(t *testing.T) {
	exercise(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	exercise(t, testSQLite(t))
}

func TestSQLiteLikeWildcardsAreLiteral(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()
	_ = s.Set(ctx, "a_b/1", []byte("1"))
	_ = s.Set(ctx, "axb/1", []byte("1"))

	if err := s.RemoveAll(ctx, "a_b/"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "axb/1"); err != nil {
		t.Errorf("underscore in prefix matched as wildcard: %v", err)
	}
}

func TestSQLiteReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	s, _, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(context.Background(), "k", []byte("persisted")); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	s2, result, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s2.Close() }()
	if result.Changed {
		t.Error("second open should not apply migrations")
	}
	v, err := s2.Get(context.Background(), "k")
	if err != nil || string(v) != "persisted" {
		t.Errorf("Get after reopen = %q, %v", v, err)
	}
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Set(ctx, "k", []byte("abc"))
	v, _ := m.Get(ctx, "k")
	v[0] = 'z'
	again, _ := m.Get(ctx, "k")
	if string(again) != "abc" {
		t.Errorf("stored value mutated through Get result: %q", again)
	}
}

func TestKey(t *testing.T) {
	if got := Key("timeline", "c1"); got != "timeline/c1" {
		t.Errorf("Key = %q", got)
	}
}
