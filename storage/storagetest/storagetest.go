// Package storagetest is a conformance suite every storage backend runs
// from its own tests.
package storagetest

import (
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/procurement-session-go/storage"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) storage.Storage

// Run exercises the storage.Storage contract against backends built by f.
func Run(t *testing.T, f Factory) {
	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, f(t)) })
	t.Run("GetNonExistent", func(t *testing.T) { testGetNonExistent(t, f(t)) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, f(t)) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, f(t)) })
	t.Run("Profiles", func(t *testing.T) { testProfiles(t, f(t)) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, f(t)) })
	t.Run("DeleteProfile", func(t *testing.T) { testDeleteProfile(t, f(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, f(t)) })
	t.Run("UpdateConcurrent", func(t *testing.T) { testUpdateConcurrent(t, f(t)) })
}

// Counter increments a decimal counter stored under key, as one Update.
func Counter(t *testing.T, u storage.Updater, key string) {
	t.Helper()
	err := u.Update(t.Context(), key, func(cur []byte) ([]byte, error) {
		n := 0
		if cur != nil {
			var err error
			if n, err = strconv.Atoi(string(cur)); err != nil {
				return nil, err
			}
		}
		return []byte(strconv.Itoa(n + 1)), nil
	})
	if err != nil {
		t.Errorf("Update() failed: %v", err)
	}
}

func testUpdate(t *testing.T, s storage.Storage) {
	defer s.Close()
	u, ok := s.(storage.Updater)
	if !ok {
		t.Skip("backend does not implement storage.Updater")
	}
	ctx := t.Context()

	var seen []byte
	err := u.Update(ctx, "auth.session", func(cur []byte) ([]byte, error) {
		seen = cur
		return []byte("v1"), nil
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if seen != nil {
		t.Errorf("absent key should read as nil, got %q", seen)
	}
	if item, _ := s.Get(ctx, "auth.session"); item == nil || string(item.Data) != "v1" {
		t.Fatalf("want v1 after Update, got %+v", item)
	}

	abort := errors.New("abort")
	err = u.Update(ctx, "auth.session", func(cur []byte) ([]byte, error) {
		return []byte("ignored"), abort
	})
	if !errors.Is(err, abort) {
		t.Errorf("want fn error returned, got %v", err)
	}
	if item, _ := s.Get(ctx, "auth.session"); item == nil || string(item.Data) != "v1" {
		t.Fatalf("aborted Update must not write, got %+v", item)
	}

	err = u.Update(ctx, "auth.session", func(cur []byte) ([]byte, error) {
		if string(cur) != "v1" {
			t.Errorf("want current v1, got %q", cur)
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if item, _ := s.Get(ctx, "auth.session"); item != nil {
		t.Errorf("nil result should delete the key, got %q", item.Data)
	}
}

func testUpdateConcurrent(t *testing.T, s storage.Storage) {
	defer s.Close()
	u, ok := s.(storage.Updater)
	if !ok {
		t.Skip("backend does not implement storage.Updater")
	}

	const n = 4
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 5 {
				Counter(t, u, "counter")
			}
		}()
	}
	wg.Wait()

	item, err := s.Get(t.Context(), "counter")
	if err != nil || item == nil {
		t.Fatalf("Get() = %+v, %v", item, err)
	}
	if want, got := strconv.Itoa(n*5), string(item.Data); want != got {
		t.Errorf("lost updates: want %s, got %s", want, got)
	}
}

func testSetAndGet(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := t.Context()

	if err := s.Set(ctx, "auth.access", []byte("token-a")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	item, err := s.Get(ctx, "auth.access")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil {
		t.Fatal("Get() returned nil item")
	}
	if want, got := "token-a", string(item.Data); want != got {
		t.Errorf("Get() returned wrong data: want %q, got %q", want, got)
	}
	if item.CreatedAt.IsZero() {
		t.Error("CreatedAt should not be zero")
	}
	if item.ExpiresAt != nil {
		t.Error("ExpiresAt should be nil for data without TTL")
	}
}

func testGetNonExistent(t *testing.T, s storage.Storage) {
	defer s.Close()

	item, err := s.Get(t.Context(), "missing")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Errorf("expected nil item for missing key, got %q", item.Data)
	}
}

func testOverwrite(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := t.Context()

	for _, v := range []string{"one", "two"} {
		if err := s.Set(ctx, "auth.refresh", []byte(v)); err != nil {
			t.Fatalf("Set(%q) failed: %v", v, err)
		}
	}
	item, err := s.Get(ctx, "auth.refresh")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil || string(item.Data) != "two" {
		t.Fatalf("want last write to win, got %+v", item)
	}
}

func testTTL(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := t.Context()
	ttl := 100 * time.Millisecond

	if err := s.Set(ctx, "ttl-key", []byte("x"), storage.WithTTL(ttl)); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	item, err := s.Get(ctx, "ttl-key")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item == nil {
		t.Fatal("expected item before expiry")
	}
	if item.ExpiresAt == nil {
		t.Fatal("ExpiresAt should be set for data with TTL")
	}

	time.Sleep(ttl + 100*time.Millisecond)

	item, err = s.Get(ctx, "ttl-key")
	if err != nil {
		t.Fatalf("Get() after expiry failed: %v", err)
	}
	if item != nil {
		t.Error("expected nil item after expiry")
	}
}

func testProfiles(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := t.Context()

	if err := s.Set(ctx, "auth.access", []byte("default")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := s.Set(ctx, "auth.access", []byte("buyer"), storage.WithProfile("buyer")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	item, err := s.Get(ctx, "auth.access")
	if err != nil || item == nil || string(item.Data) != "default" {
		t.Fatalf("default profile: want %q, got %+v (err %v)", "default", item, err)
	}
	item, err = s.Get(ctx, "auth.access", storage.WithProfile("buyer"))
	if err != nil || item == nil || string(item.Data) != "buyer" {
		t.Fatalf("buyer profile: want %q, got %+v (err %v)", "buyer", item, err)
	}
	item, err = s.Get(ctx, "auth.access", storage.WithProfile("approver"))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if item != nil {
		t.Errorf("profiles should be isolated, got %q", item.Data)
	}
}

func testDeleteKey(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := t.Context()

	if err := s.Set(ctx, "auth.access", []byte("a")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := s.Set(ctx, "auth.refresh", []byte("r")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	if err := s.Delete(ctx, storage.WithKey("auth.access")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	if item, _ := s.Get(ctx, "auth.access"); item != nil {
		t.Error("deleted key still present")
	}
	if item, _ := s.Get(ctx, "auth.refresh"); item == nil {
		t.Error("sibling key should survive a single-key delete")
	}
	// Deleting a key that does not exist is not an error.
	if err := s.Delete(ctx, storage.WithKey("never-set")); err != nil {
		t.Errorf("Delete() of missing key: %v", err)
	}
}

func testDeleteProfile(t *testing.T, s storage.Storage) {
	defer s.Close()
	ctx := t.Context()

	for _, k := range []string{"auth.access", "auth.refresh"} {
		if err := s.Set(ctx, k, []byte("v"), storage.WithProfile("buyer")); err != nil {
			t.Fatalf("Set() failed: %v", err)
		}
	}
	if err := s.Set(ctx, "auth.access", []byte("keep")); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}

	if err := s.Delete(ctx, storage.WithProfile("buyer")); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	for _, k := range []string{"auth.access", "auth.refresh"} {
		if item, _ := s.Get(ctx, k, storage.WithProfile("buyer")); item != nil {
			t.Errorf("%s survived profile delete", k)
		}
	}
	if item, _ := s.Get(ctx, "auth.access"); item == nil {
		t.Error("other profiles must survive a profile delete")
	}
}
