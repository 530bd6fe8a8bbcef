// Package identity issues the anonymous identity a client uses against the
// shared stores, and persists the reconnection session descriptor next to
// it. Both live in one small JSON file so a restarted client can pick up
// where it left off.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/pairgrid/pairgrid/internal/models"
)

// ErrNoSession is returned when no reconnection session is persisted.
var ErrNoSession = errors.New("identity: no persisted session")

type profile struct {
	UserID  string          `json:"userId"`
	Session *models.Session `json:"session,omitempty"`
}

// Provider is a file-backed anonymous identity provider.
type Provider struct {
	mu     sync.Mutex
	path   string
	cached *profile
}

// NewProvider creates a provider persisting to the given file path.
func NewProvider(path string) *Provider {
	return &Provider{path: path}
}

// GetOrCreateUserID returns the stable opaque identity for this client,
// minting and persisting one on first call. Idempotent.
func (p *Provider) GetOrCreateUserID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prof, err := p.loadLocked()
	if err != nil {
		return "", err
	}
	if prof.UserID != "" {
		return prof.UserID, nil
	}

	prof.UserID = uuid.NewString()
	if err := p.saveLocked(prof); err != nil {
		return "", err
	}
	return prof.UserID, nil
}

// Session returns the persisted reconnection descriptor, if any.
func (p *Provider) Session() (*models.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prof, err := p.loadLocked()
	if err != nil {
		return nil, err
	}
	if prof.Session == nil {
		return nil, ErrNoSession
	}
	session := *prof.Session
	return &session, nil
}

// SaveSession persists the reconnection descriptor.
func (p *Provider) SaveSession(session *models.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	prof, err := p.loadLocked()
	if err != nil {
		return err
	}
	prof.Session = session
	return p.saveLocked(prof)
}

// ClearSession discards the reconnection descriptor, keeping the identity.
func (p *Provider) ClearSession() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	prof, err := p.loadLocked()
	if err != nil {
		return err
	}
	if prof.Session == nil {
		return nil
	}
	prof.Session = nil
	return p.saveLocked(prof)
}

func (p *Provider) loadLocked() (*profile, error) {
	if p.cached != nil {
		return p.cached, nil
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			p.cached = &profile{}
			return p.cached, nil
		}
		// Transient read failure: leave the cache empty so the next call
		// retries the file instead of minting over the persisted identity.
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	prof := &profile{}
	if err := json.Unmarshal(data, prof); err != nil {
		// A corrupt profile is not fatal; start over with a fresh one.
		prof = &profile{}
	}
	p.cached = prof
	return p.cached, nil
}

func (p *Provider) saveLocked(prof *profile) error {
	data, err := json.MarshalIndent(prof, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal identity profile: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(p.path, data, 0o600); err != nil {
		return fmt.Errorf("write identity file: %w", err)
	}
	p.cached = prof
	return nil
}
