// Package state persists the small amount of client state that
// survives restarts: the in-call marker, the last room, device
// preferences, and the sealed credential. Detection and resume only;
// the backend stays authoritative.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/velora/callkit/pkg/media"
)

// Store is the sqlite-backed client state
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	path   string
	sealer *sealer
}

// Open opens or creates the state database at path
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	sealer, err := newSealer(path + ".key")
	if err != nil {
		db.Close()
		return nil, err
	}

	store := &Store{db: db, path: path, sealer: sealer}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize state schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS call_state (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			in_call INTEGER NOT NULL DEFAULT 0,
			room_id TEXT NOT NULL DEFAULT '',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS devices (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			camera_id TEXT NOT NULL DEFAULT '',
			microphone_id TEXT NOT NULL DEFAULT '',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS credentials (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			sealed BLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`)
	return err
}

// SetInCall marks the client as in roomID. Written on join.
func (s *Store) SetInCall(roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO call_state (id, in_call, room_id, updated_at)
		VALUES (1, 1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			in_call = 1,
			room_id = excluded.room_id,
			updated_at = CURRENT_TIMESTAMP
	`, roomID)
	if err != nil {
		return fmt.Errorf("failed to persist in-call state: %w", err)
	}
	return nil
}

// ClearInCall clears the marker. Written on teardown.
func (s *Store) ClearInCall() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO call_state (id, in_call, room_id, updated_at)
		VALUES (1, 0, '', CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			in_call = 0,
			room_id = '',
			updated_at = CURRENT_TIMESTAMP
	`)
	if err != nil {
		return fmt.Errorf("failed to clear in-call state: %w", err)
	}
	return nil
}

// InCall returns the persisted marker and the last room id
func (s *Store) InCall(ctx context.Context) (bool, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var inCall int
	var roomID string
	err := s.db.QueryRowContext(ctx,
		`SELECT in_call, room_id FROM call_state WHERE id = 1`,
	).Scan(&inCall, &roomID)
	if err == sql.ErrNoRows {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("failed to read in-call state: %w", err)
	}
	return inCall != 0, roomID, nil
}

// SaveDevices persists the preferred device selection
func (s *Store) SaveDevices(devices media.DeviceSelection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO devices (id, camera_id, microphone_id, updated_at)
		VALUES (1, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			camera_id = excluded.camera_id,
			microphone_id = excluded.microphone_id,
			updated_at = CURRENT_TIMESTAMP
	`, devices.CameraID, devices.MicrophoneID)
	if err != nil {
		return fmt.Errorf("failed to persist devices: %w", err)
	}
	return nil
}

// Devices returns the persisted selection, zero if never saved
func (s *Store) Devices(ctx context.Context) (media.DeviceSelection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var d media.DeviceSelection
	err := s.db.QueryRowContext(ctx,
		`SELECT camera_id, microphone_id FROM devices WHERE id = 1`,
	).Scan(&d.CameraID, &d.MicrophoneID)
	if err == sql.ErrNoRows {
		return media.DeviceSelection{}, nil
	}
	if err != nil {
		return media.DeviceSelection{}, fmt.Errorf("failed to read devices: %w", err)
	}
	return d, nil
}

// SealCredential stores the bearer token encrypted at rest
func (s *Store) SealCredential(token string) error {
	sealed, err := s.sealer.seal([]byte(token))
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO credentials (id, sealed, updated_at)
		VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			sealed = excluded.sealed,
			updated_at = CURRENT_TIMESTAMP
	`, sealed)
	if err != nil {
		return fmt.Errorf("failed to persist credential: %w", err)
	}
	return nil
}

// Credential returns the stored token, "" if none is stored
func (s *Store) Credential(ctx context.Context) (string, error) {
	s.mu.RLock()
	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT sealed FROM credentials WHERE id = 1`,
	).Scan(&sealed)
	s.mu.RUnlock()

	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read credential: %w", err)
	}

	token, err := s.sealer.open(sealed)
	if err != nil {
		return "", err
	}
	return string(token), nil
}

// ClearCredential removes the stored token
func (s *Store) ClearCredential() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM credentials WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return nil
}

// Reset wipes all persisted state. Used for the session-suspended hard
// reset.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		DELETE FROM call_state;
		DELETE FROM devices;
		DELETE FROM credentials;
	`)
	if err != nil {
		return fmt.Errorf("failed to reset state: %w", err)
	}
	return nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
