package credentials

import (
	"context"
	"testing"

	"github.com/simples3/simples3/internal/metadata/pebble"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := pebble.Open(t.TempDir())
	if err != nil {
		t.Fatalf("pebble.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(store)
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	cred, err := m.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if cred.AccessKeyID == "" || cred.SecretKey == "" || !cred.Active {
		t.Fatalf("unexpected credential: %+v", cred)
	}

	got, err := m.Get(ctx, cred.AccessKeyID)
	if err != nil || got == nil {
		t.Fatalf("Get: %v, %+v", err, got)
	}
	if got.SecretKey != cred.SecretKey {
		t.Fatalf("secret key mismatch")
	}
}

func TestDeactivate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	cred, err := m.Create(ctx)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Deactivate(ctx, cred.AccessKeyID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	got, err := m.Get(ctx, cred.AccessKeyID)
	if err != nil || got == nil {
		t.Fatalf("Get after deactivate: %v, %+v", err, got)
	}
	if got.Active {
		t.Fatalf("credential still active after Deactivate")
	}
}

func TestGetUnknown(t *testing.T) {
	m := newTestManager(t)
	got, err := m.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown access key, got %+v", got)
	}
}
