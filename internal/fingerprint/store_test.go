package fingerprint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, "fp")
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestStoreRecordLoginLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	dev, err := store.RecordLogin(ctx, "fp-1", "principal-a", "203.0.113.7", 55, 3, now)
	if err != nil {
		t.Fatalf("first RecordLogin failed: %v", err)
	}
	if dev.Logins != 1 || dev.Trusted {
		t.Fatalf("unexpected first login state: %+v", dev)
	}
	if dev.PrincipalID != "principal-a" || dev.RiskScore != 55 {
		t.Fatalf("unexpected binding: %+v", dev)
	}

	for i := 0; i < 2; i++ {
		dev, err = store.RecordLogin(ctx, "fp-1", "principal-a", "203.0.113.7", 55, 3, now.Add(time.Hour))
		if err != nil {
			t.Fatalf("RecordLogin failed: %v", err)
		}
	}
	if dev.Logins != 3 || !dev.Trusted {
		t.Fatalf("expected trusted at third login, got %+v", dev)
	}

	stored, err := store.Get(ctx, "fp-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Logins != 3 || !stored.Trusted {
		t.Fatalf("persisted state mismatch: %+v", stored)
	}
}

func TestStoreRecordLoginConcurrentNoLostCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := store.RecordLogin(ctx, "fp-race", "principal-a", "", 40, 0, now)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent RecordLogin failed: %v", err)
		}
	}

	dev, err := store.Get(ctx, "fp-race")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if dev.Logins != n {
		t.Fatalf("lost login counts: got %d, want %d", dev.Logins, n)
	}
}

func TestStoreKnownIP(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RecordLogin(ctx, "fp-1", "principal-a", "203.0.113.7", 40, 0, time.Now()); err != nil {
		t.Fatalf("RecordLogin failed: %v", err)
	}

	exact, subnet, err := store.KnownIP(ctx, "principal-a", "203.0.113.7")
	if err != nil || !exact || !subnet {
		t.Fatalf("exact match: exact=%v subnet=%v err=%v", exact, subnet, err)
	}

	exact, subnet, err = store.KnownIP(ctx, "principal-a", "203.0.113.200")
	if err != nil || exact || !subnet {
		t.Fatalf("same /24: exact=%v subnet=%v err=%v", exact, subnet, err)
	}

	exact, subnet, err = store.KnownIP(ctx, "principal-a", "198.51.100.1")
	if err != nil || exact || subnet {
		t.Fatalf("novel address: exact=%v subnet=%v err=%v", exact, subnet, err)
	}

	// Unknown principal has no observed addresses.
	exact, subnet, err = store.KnownIP(ctx, "principal-b", "203.0.113.7")
	if err != nil || exact || subnet {
		t.Fatalf("unknown principal: exact=%v subnet=%v err=%v", exact, subnet, err)
	}
}

func TestStoreUpdateRiskScore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.RecordLogin(ctx, "fp-1", "principal-a", "", 40, 0, time.Now()); err != nil {
		t.Fatalf("RecordLogin failed: %v", err)
	}
	if err := store.UpdateRiskScore(ctx, "fp-1", 90); err != nil {
		t.Fatalf("UpdateRiskScore failed: %v", err)
	}
	dev, err := store.Get(ctx, "fp-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if dev.RiskScore != 90 {
		t.Fatalf("risk score not updated: %d", dev.RiskScore)
	}

	if err := store.UpdateRiskScore(ctx, "fp-missing", 10); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}
