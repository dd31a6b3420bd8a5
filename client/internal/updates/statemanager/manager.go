package statemanager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/ota/util"
)

const (
	// StateFileName is the name of the state file inside the updates directory
	StateFileName = "state.json"

	fileVersion    = 1
	persistTimeout = 5 * time.Second
)

// State is a named value kept in the state file. Implementations are pointers to JSON encodable structs.
type State interface {
	Name() string
}

type stateFile struct {
	Version int                        `json:"version"`
	States  map[string]json.RawMessage `json:"states"`
}

type entry struct {
	typ   reflect.Type
	value State
}

// Manager keeps the small pieces of client state that live next to the update store:
// extra params, the rollback point and the error recovery report.
type Manager struct {
	mu       sync.Mutex
	filePath string

	entries map[string]*entry
	// unknown holds states written by other client versions, saved back untouched
	unknown map[string]json.RawMessage
	dirty   map[string]struct{}
}

// New creates a Manager for the state file at filePath. Nothing is read until LoadAll.
func New(filePath string) *Manager {
	return &Manager{
		filePath: filePath,
		entries:  make(map[string]*entry),
		unknown:  make(map[string]json.RawMessage),
		dirty:    make(map[string]struct{}),
	}
}

// RegisterState declares a state kind. Pass a zero value, e.g. &rollbackState{}.
func (m *Manager) RegisterState(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := state.Name()
	if _, ok := m.entries[name]; ok {
		return
	}
	m.entries[name] = &entry{typ: reflect.TypeOf(state).Elem()}
}

// GetState returns the current value of the kind of state, nil when unset
func (m *Manager) GetState(state State) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[state.Name()]; ok {
		return e.value
	}
	return nil
}

// UpdateState replaces the value and marks it for the next PersistState
func (m *Manager) UpdateState(state State) error {
	return m.set(state.Name(), state)
}

// DeleteState clears the value of the kind of state
func (m *Manager) DeleteState(state State) error {
	return m.set(state.Name(), nil)
}

func (m *Manager) set(name string, value State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[name]
	if !ok {
		return fmt.Errorf("state %s not registered", name)
	}
	e.value = value
	m.dirty[name] = struct{}{}
	return nil
}

// PersistState writes the file when anything changed since the last write.
// Failed writes keep the changes pending.
func (m *Manager) PersistState(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.dirty) == 0 {
		return nil
	}

	out := stateFile{Version: fileVersion, States: make(map[string]json.RawMessage, len(m.entries)+len(m.unknown))}
	for name, raw := range m.unknown {
		out.States[name] = raw
	}
	for name, e := range m.entries {
		if e.value == nil {
			continue
		}
		raw, err := json.Marshal(e.value)
		if err != nil {
			return fmt.Errorf("marshal state %s: %w", name, err)
		}
		out.States[name] = raw
	}

	bs, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state file: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	if err := util.WriteBytesWithRestrictedPermission(ctx, m.filePath, bs); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}

	log.Debugf("persisted states %v", util.SortedKeys(m.dirty))
	clear(m.dirty)
	return nil
}

// LoadAll reads the state file and fills every registered state.
// A missing file is empty, a corrupted one is moved aside and treated as empty.
func (m *Manager) LoadAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.filePath)
	if errors.Is(err, fs.ErrNotExist) {
		log.Debugf("no state file at %s", m.filePath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	var file stateFile
	if err := json.Unmarshal(data, &file); err != nil {
		m.backupCorrupted(err)
		return nil
	}
	if file.Version > fileVersion {
		log.Warnf("state file version %d is newer than %d, reading known states only", file.Version, fileVersion)
	}

	for name, raw := range file.States {
		e, ok := m.entries[name]
		if !ok {
			m.unknown[name] = raw
			continue
		}

		value := reflect.New(e.typ).Interface().(State)
		if err := json.Unmarshal(raw, value); err != nil {
			log.Warnf("dropping unreadable state %s: %v", name, err)
			continue
		}
		e.value = value
	}
	return nil
}

func (m *Manager) backupCorrupted(cause error) {
	backup := fmt.Sprintf("%s.corrupted.%s", m.filePath, time.Now().UTC().Format("20060102T150405.000000000"))
	if err := os.Rename(m.filePath, backup); err != nil {
		log.Errorf("state file %s is unreadable (%v) and could not be moved aside: %v", m.filePath, cause, err)
		return
	}
	log.Warnf("state file was unreadable (%v), moved it to %s", cause, backup)
}
