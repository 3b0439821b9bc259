// Package credentials manages access-key/secret-key pairs, persisted
// through the metadata store so they survive a restart.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/simples3/simples3/internal/metadata"
)

// Manager creates, looks up, and revokes access keys.
type Manager struct {
	store metadata.Store
}

func NewManager(store metadata.Store) *Manager {
	return &Manager{store: store}
}

// Create mints a new access-key/secret-key pair and persists it, active
// by default.
func (m *Manager) Create(ctx context.Context) (*metadata.Credential, error) {
	accessKeyID, err := randomToken("AKIA", 16)
	if err != nil {
		return nil, fmt.Errorf("generate access key id: %w", err)
	}
	secretKey, err := randomToken("", 30)
	if err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}
	cred := &metadata.Credential{
		AccessKeyID: accessKeyID,
		SecretKey:   secretKey,
		Active:      true,
	}
	if err := m.store.PutCredential(ctx, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// Get looks up a credential by access key ID. Returns (nil, nil) if unknown.
func (m *Manager) Get(ctx context.Context, accessKeyID string) (*metadata.Credential, error) {
	return m.store.GetCredential(ctx, accessKeyID)
}

// List returns all known credentials.
func (m *Manager) List(ctx context.Context) ([]*metadata.Credential, error) {
	return m.store.ListCredentials(ctx)
}

// Deactivate flips a credential's Active flag off without deleting the
// record, so a revoked key's history stays auditable.
func (m *Manager) Deactivate(ctx context.Context, accessKeyID string) error {
	cred, err := m.store.GetCredential(ctx, accessKeyID)
	if err != nil {
		return err
	}
	if cred == nil {
		return fmt.Errorf("unknown access key %q", accessKeyID)
	}
	cred.Active = false
	return m.store.PutCredential(ctx, cred)
}

func randomToken(prefix string, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(buf), nil
}
