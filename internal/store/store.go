// Package store defines the shared-state contracts the sync and presence
// layers are written against: a document store for room and game documents
// and a low-latency ephemeral store for presence and cursor records. Both
// deliver at-least-once and guarantee no ordering across independent
// writers; the reconciliation layer compensates.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when no document exists under the key.
var ErrNotFound = errors.New("store: not found")

// DocumentStore holds full JSON documents keyed by path. Set is a full
// document replace. Subscribe delivers the current document (if any)
// followed by every subsequent write, including the subscriber's own.
type DocumentStore interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Set(ctx context.Context, key string, doc any) error
	Delete(ctx context.Context, key string) error
	Subscribe(key string, cb func(json.RawMessage)) (func(), error)
}

// EphemeralStore holds short-lived records that a disconnect hook can clean
// up when the writer's connection drops. OnValue watches a path or a path
// prefix: the callback receives the concrete path and the value, with
// current values (if any) delivered first and nil signalling removal.
type EphemeralStore interface {
	Set(ctx context.Context, path string, value any) error
	Remove(ctx context.Context, path string) error
	OnValue(pathPrefix string, cb func(path string, value json.RawMessage)) (func(), error)
	// OnDisconnectRemove registers path for automatic removal when this
	// client's connection to the store drops.
	OnDisconnectRemove(path string) error
}

// GameKey is the document-store key for a room's game document.
func GameKey(roomCode string) string {
	return fmt.Sprintf("games/%s", roomCode)
}

// RoomKey is the document-store key for a room document.
func RoomKey(roomCode string) string {
	return fmt.Sprintf("rooms/%s", roomCode)
}

// PresencePath is the ephemeral-store path for one identity's presence record.
func PresencePath(roomCode, identity string) string {
	return fmt.Sprintf("presence/%s/%s", roomCode, identity)
}

// PresencePrefix is the ephemeral-store prefix covering all presence records
// in a room.
func PresencePrefix(roomCode string) string {
	return fmt.Sprintf("presence/%s", roomCode)
}

// CursorPath is the ephemeral-store path for one identity's cursor record.
func CursorPath(roomCode, identity string) string {
	return fmt.Sprintf("cursors/%s/%s", roomCode, identity)
}

// CursorPrefix is the ephemeral-store prefix covering all cursor records in
// a room.
func CursorPrefix(roomCode string) string {
	return fmt.Sprintf("cursors/%s", roomCode)
}
