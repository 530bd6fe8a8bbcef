package identity

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/pairgrid/pairgrid/internal/models"
)

func TestGetOrCreateUserIDIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.json")
	p := NewProvider(path)

	first, err := p.GetOrCreateUserID()
	if err != nil {
		t.Fatalf("GetOrCreateUserID: %v", err)
	}
	if first == "" {
		t.Fatal("empty user id")
	}

	second, err := p.GetOrCreateUserID()
	if err != nil {
		t.Fatalf("GetOrCreateUserID again: %v", err)
	}
	if second != first {
		t.Errorf("second call minted a new id: %s != %s", second, first)
	}

	// A fresh provider over the same file sees the same identity.
	restarted, err := NewProvider(path).GetOrCreateUserID()
	if err != nil {
		t.Fatalf("GetOrCreateUserID after restart: %v", err)
	}
	if restarted != first {
		t.Errorf("restart minted a new id: %s != %s", restarted, first)
	}
}

func TestSessionRoundTripAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.json")
	p := NewProvider(path)

	if _, err := p.Session(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Session on fresh profile = %v, want ErrNoSession", err)
	}

	want := &models.Session{RoomCode: "ABCD", Slot: models.Slot2, Name: "Grace", Color: "#aa00ff"}
	if err := p.SaveSession(want); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	// Survives a provider restart, alongside the identity.
	got, err := NewProvider(path).Session()
	if err != nil {
		t.Fatalf("Session after restart: %v", err)
	}
	if got.RoomCode != "ABCD" || got.Slot != models.Slot2 || got.Name != "Grace" {
		t.Errorf("restored session = %+v, want %+v", got, want)
	}

	if err := p.ClearSession(); err != nil {
		t.Fatalf("ClearSession: %v", err)
	}
	if _, err := p.Session(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Session after clear = %v, want ErrNoSession", err)
	}
}

func TestTransientReadErrorDoesNotMintNewIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.json")
	// A directory at the profile path makes reads fail without the file
	// being absent, standing in for any transient read error.
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	p := NewProvider(path)
	if _, err := p.GetOrCreateUserID(); err == nil {
		t.Fatal("expected an error while the profile is unreadable")
	}

	// Once the profile is readable again, the persisted identity must win;
	// the failed read must not have seeded an empty cache to mint over.
	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"userId":"original-identity"}`), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	id, err := p.GetOrCreateUserID()
	if err != nil {
		t.Fatalf("GetOrCreateUserID after recovery: %v", err)
	}
	if id != "original-identity" {
		t.Errorf("got %q, want the persisted identity", id)
	}
}

func TestCorruptProfileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	id, err := NewProvider(path).GetOrCreateUserID()
	if err != nil {
		t.Fatalf("GetOrCreateUserID over corrupt file: %v", err)
	}
	if id == "" {
		t.Fatal("empty user id")
	}
}
