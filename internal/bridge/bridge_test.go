package bridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := NewSQLiteStore(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	out := map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		rs, err := NewRedisStore(addr, os.Getenv("REDIS_PASSWORD"), 0, "test-"+time.Now().Format("150405.000"), time.Minute)
		if err != nil {
			t.Fatalf("NewRedisStore failed: %v", err)
		}
		t.Cleanup(func() { rs.Close() })
		out["redis"] = rs
	}
	return out
}

func TestStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
				t.Fatalf("missing key: ok=%v err=%v", ok, err)
			}
			if err := s.Set(ctx, "k", []byte("v1")); err != nil {
				t.Fatal(err)
			}
			if err := s.Set(ctx, "k", []byte("v2")); err != nil {
				t.Fatal(err)
			}
			v, ok, err := s.Get(ctx, "k")
			if err != nil || !ok || string(v) != "v2" {
				t.Fatalf("Get = %q %v %v, want v2", v, ok, err)
			}
			if err := s.Delete(ctx, "k"); err != nil {
				t.Fatal(err)
			}
			if _, ok, _ := s.Get(ctx, "k"); ok {
				t.Error("key should be gone after Delete")
			}
			if err := s.Delete(ctx, "k"); err != nil {
				t.Errorf("deleting a missing key should not fail: %v", err)
			}
		})
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "bridge.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	b := New(s)
	if err := b.SaveSession(ctx, TargetRecord{SessionID: "s1", StationID: "JY17", Name: "Shinjuku", Lat: 35.69, Lon: 139.70}, LineMeta{LineID: "JY"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, err := New(s2).Target(ctx)
	if err != nil || got == nil {
		t.Fatalf("Target after reopen = %v, %v", got, err)
	}
	if got.StationID != "JY17" || got.Name != "Shinjuku" {
		t.Errorf("unexpected record %+v", got)
	}
}

func TestBridge_SessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := New(NewMemoryStore())

	if tr, err := b.Target(ctx); tr != nil || err != nil {
		t.Fatalf("empty bridge Target = %v, %v", tr, err)
	}

	spacing := 1100.0
	target := TargetRecord{SessionID: "s1", LineID: "JY", StationID: "JY01", Name: "Tokyo", Lat: 35.681, Lon: 139.767, BaseThresholdM: 500}
	if err := b.MarkFired(ctx, FiredRecord{SessionID: "old", StationID: "JY01"}); err != nil {
		t.Fatal(err)
	}
	if err := b.SaveSession(ctx, target, LineMeta{LineID: "JY", AvgStationSpacingM: &spacing}); err != nil {
		t.Fatal(err)
	}

	got, err := b.Target(ctx)
	if err != nil || got == nil || *got != target {
		t.Fatalf("Target = %+v, %v", got, err)
	}
	meta, err := b.LineMeta(ctx)
	if err != nil || meta == nil || meta.AvgStationSpacingM == nil || *meta.AvgStationSpacingM != spacing {
		t.Fatalf("LineMeta = %+v, %v", meta, err)
	}
	if fired, _ := b.Fired(ctx, "old", "JY01"); fired {
		t.Error("SaveSession should clear a stale fired marker")
	}

	if err := b.MarkFired(ctx, FiredRecord{SessionID: "s1", StationID: "JY01", At: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if fired, _ := b.Fired(ctx, "s1", "JY01"); !fired {
		t.Error("expected fired for s1/JY01")
	}
	if fired, _ := b.Fired(ctx, "s1", "JY02"); fired {
		t.Error("fired marker is per station")
	}

	if err := b.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if tr, _ := b.Target(ctx); tr != nil {
		t.Error("Clear should remove the target")
	}
	if m, _ := b.LineMeta(ctx); m != nil {
		t.Error("Clear should remove line meta")
	}
}

type failingStore struct{ MemoryStore }

func (f *failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("disk on fire")
}
func (f *failingStore) Set(context.Context, string, []byte) error { return errors.New("disk on fire") }
func (f *failingStore) Delete(context.Context, string) error      { return errors.New("disk on fire") }

func TestBridge_ErrorsWrapPersistence(t *testing.T) {
	ctx := context.Background()
	b := New(&failingStore{})
	if err := b.SaveSession(ctx, TargetRecord{}, LineMeta{}); !errors.Is(err, ErrPersistence) {
		t.Errorf("SaveSession error = %v, want ErrPersistence", err)
	}
	if _, err := b.Target(ctx); !errors.Is(err, ErrPersistence) {
		t.Errorf("Target error = %v, want ErrPersistence", err)
	}
	err := b.Clear(ctx)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("Clear error = %v, want ErrPersistence", err)
	}
	// Every key is attempted.
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) || len(joined.Unwrap()) != 3 {
		t.Errorf("Clear should report all three failed deletes: %v", err)
	}
}

func TestBridge_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.Set(ctx, KeyTargetStation, []byte("{not json"))
	if _, err := New(s).Target(ctx); !errors.Is(err, ErrPersistence) {
		t.Errorf("corrupt record error = %v, want ErrPersistence", err)
	}
}
