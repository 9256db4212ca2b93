package statestore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Store is the SQLite-backed key/value state store.
//
// A slot counts as created once EnsureObject has stored its object row.
// Created keys are cached in memory so IsCreated never touches the database.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Writes are serialised so SetIfChanged's compare and write are atomic.
type Store struct {
	db *sql.DB

	writeMu sync.Mutex

	mu        sync.RWMutex
	created   map[string]bool
	subs      []string
	onChange  func(ctx context.Context, c Change)
	onCreated func(namespace, slotID string)
	history   HistoryRecorder

	now func() time.Time
}

// New creates a store on an already-migrated database and loads the set
// of created objects.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	s := &Store{
		db:      db,
		created: make(map[string]bool),
		now:     func() time.Time { return time.Now().UTC() },
	}

	rows, err := db.QueryContext(ctx, "SELECT key FROM state_objects")
	if err != nil {
		return nil, fmt.Errorf("loading state objects: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning state object: %w", err)
		}
		s.created[key] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state objects: %w", err)
	}

	return s, nil
}

// SetOnChange registers the callback for writes to subscribed keys.
// It runs synchronously after the write commits.
func (s *Store) SetOnChange(fn func(ctx context.Context, c Change)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// SetOnCreated registers the callback fired when EnsureObject creates a new
// object. It is not fired for objects that already existed.
func (s *Store) SetOnCreated(fn func(namespace, slotID string)) {
	s.mu.Lock()
	s.onCreated = fn
	s.mu.Unlock()
}

// SetHistoryRecorder registers a sink for every persisted write.
func (s *Store) SetHistoryRecorder(h HistoryRecorder) {
	s.mu.Lock()
	s.history = h
	s.mu.Unlock()
}

// EnsureObject materialises a slot. Existing objects have their metadata
// refreshed; new ones are marked created and reported via OnCreated.
func (s *Store) EnsureObject(ctx context.Context, obj Object) error {
	if obj.Namespace == "" || obj.SlotID == "" || strings.Contains(obj.SlotID, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, obj.Key())
	}
	key := obj.Key()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state_objects (key, namespace, slot_id, name, type, role, unit, writable, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			role = excluded.role,
			unit = excluded.unit,
			writable = excluded.writable`,
		key, obj.Namespace, obj.SlotID, obj.Name, obj.Type, obj.Role, obj.Unit,
		boolToInt(obj.Writable),
		s.now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("ensuring state object %s: %w", key, err)
	}

	s.mu.Lock()
	isNew := !s.created[key]
	s.created[key] = true
	onCreated := s.onCreated
	s.mu.Unlock()

	if isNew && onCreated != nil {
		onCreated(obj.Namespace, obj.SlotID)
	}
	return nil
}

// IsCreated reports whether the slot has been materialised.
func (s *Store) IsCreated(namespace, slotID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.created[namespace+"."+slotID]
}

// Get returns the current state of key.
func (s *Store) Get(ctx context.Context, key string) (State, error) {
	var (
		raw       string
		ack       int
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT value, ack, updated_at FROM states WHERE key = ?", key,
	).Scan(&raw, &ack, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return State{}, fmt.Errorf("querying state %s: %w", key, err)
	}

	var st State
	if err := json.Unmarshal([]byte(raw), &st.Value); err != nil {
		return State{}, fmt.Errorf("decoding state %s: %w", key, err)
	}
	st.Ack = ack != 0
	if st.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return State{}, fmt.Errorf("parsing updated_at for %s: %w", key, err)
	}
	return st, nil
}

// Set persists an acknowledged value even when it equals the current one.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	_, err := s.write(ctx, key, value, true, false)
	return err
}

// SetIfChanged persists an acknowledged value only when it differs from the
// stored one (compared by JSON encoding) or the stored value is an
// unacknowledged command.
func (s *Store) SetIfChanged(ctx context.Context, key string, value any) error {
	_, err := s.write(ctx, key, value, true, true)
	return err
}

// Command persists an unacknowledged value, i.e. a request to change a
// device rather than a report from it.
func (s *Store) Command(ctx context.Context, key string, value any) error {
	_, err := s.write(ctx, key, value, false, false)
	return err
}

// write stores value and fans out notifications. It reports whether a row
// was written.
func (s *Store) write(ctx context.Context, key string, value any, ack, onlyIfChanged bool) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}
	if value == nil {
		return false, fmt.Errorf("%w: nil value for %s", ErrInvalidValue, key)
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", ErrInvalidValue, key, err)
	}

	s.writeMu.Lock()
	if onlyIfChanged {
		unchanged, err := s.unchanged(ctx, key, encoded)
		if err != nil {
			s.writeMu.Unlock()
			return false, err
		}
		if unchanged {
			s.writeMu.Unlock()
			return false, nil
		}
	}

	ts := s.now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO states (key, value, ack, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			ack = excluded.ack,
			updated_at = excluded.updated_at`,
		key, string(encoded), boolToInt(ack), ts.Format(time.RFC3339Nano),
	)
	s.writeMu.Unlock()
	if err != nil {
		return false, fmt.Errorf("writing state %s: %w", key, err)
	}

	s.notify(ctx, Change{Key: key, Value: value, Ack: ack, Timestamp: ts})
	return true, nil
}

// unchanged reports whether key already holds encoded with ack set.
func (s *Store) unchanged(ctx context.Context, key string, encoded []byte) (bool, error) {
	var (
		raw string
		ack int
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT value, ack FROM states WHERE key = ?", key,
	).Scan(&raw, &ack)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading state %s: %w", key, err)
	}
	return ack != 0 && bytes.Equal([]byte(raw), encoded), nil
}

func (s *Store) notify(ctx context.Context, c Change) {
	s.mu.RLock()
	history := s.history
	onChange := s.onChange
	subscribed := s.subscribedLocked(c.Key)
	s.mu.RUnlock()

	if history != nil {
		history.RecordState(c.Key, c.Value, c.Ack, c.Timestamp)
	}
	if subscribed && onChange != nil {
		onChange(ctx, c)
	}
}

// Subscribe adds a key pattern whose writes are reported via OnChange.
// '*' matches any run of characters.
func (s *Store) Subscribe(_ context.Context, pattern string) error {
	if pattern == "" {
		return ErrInvalidPattern
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.subs {
		if p == pattern {
			return nil
		}
	}
	s.subs = append(s.subs, pattern)
	return nil
}

// Unsubscribe removes every subscription whose pattern is matched by
// pattern. Unsubscribe("*") removes all of them.
func (s *Store) Unsubscribe(_ context.Context, pattern string) error {
	if pattern == "" {
		return ErrInvalidPattern
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.subs[:0]
	for _, p := range s.subs {
		if !matchPattern(pattern, p) {
			kept = append(kept, p)
		}
	}
	s.subs = kept
	return nil
}

// Subscriptions returns the current subscription patterns.
func (s *Store) Subscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.subs...)
}

// IsSubscribed reports whether any subscription matches key.
func (s *Store) IsSubscribed(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribedLocked(key)
}

func (s *Store) subscribedLocked(key string) bool {
	for _, p := range s.subs {
		if matchPattern(p, key) {
			return true
		}
	}
	return false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
