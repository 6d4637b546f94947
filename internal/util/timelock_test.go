package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTimeLockRefreshesOnce(t *testing.T) {
	calls := 0
	tl := NewTimeLock(time.Hour, func(ctx context.Context, val int) (int, error) {
		calls++
		return calls, nil
	})

	for i := 0; i < 3; i++ {
		v, err := tl.Get(context.Background())
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if v != 1 {
			t.Fatalf("expected cached value 1, got %d", v)
		}
	}
	if calls != 1 {
		t.Errorf("expected 1 refresh call, got %d", calls)
	}
}

func TestTimeLockExpires(t *testing.T) {
	calls := 0
	tl := NewTimeLock(10*time.Millisecond, func(ctx context.Context, val int) (int, error) {
		calls++
		return calls, nil
	})

	if v, _ := tl.Get(context.Background()); v != 1 {
		t.Fatalf("expected 1, got %d", v)
	}
	time.Sleep(20 * time.Millisecond)
	if v, _ := tl.Get(context.Background()); v != 2 {
		t.Fatalf("expected refreshed value 2, got %d", v)
	}
}

func TestTimeLockErrorNotCached(t *testing.T) {
	calls := 0
	tl := NewTimeLock(time.Hour, func(ctx context.Context, val int) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("boom")
		}
		return calls, nil
	})

	if _, err := tl.Get(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	v, err := tl.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v != 2 {
		t.Errorf("expected retried value 2, got %d", v)
	}
}

func TestTimeLockMapKeysIndependent(t *testing.T) {
	tlm := NewTimeLockMap(time.Hour, func(ctx context.Context, val KVWrapper[string, string]) (KVWrapper[string, string], error) {
		val.Value = "v:" + val.Key
		return val, nil
	})

	a, err := tlm.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	b, err := tlm.Get(context.Background(), "b")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a != "v:a" || b != "v:b" {
		t.Errorf("unexpected values: %q %q", a, b)
	}
}
