package tape

import (
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/emliunix/bub/internal/buserr"
)

// ManifestVersion is the schema version of the persisted manifest, the Go
// counterpart of original_source/src/bub/tape/types.py's Manifest.VERSION.
const ManifestVersion = 1

const (
	tapeKeyPrefix   = "tape:"
	anchorKeyPrefix = "anchor:"
)

// Manifest is the process-wide registry mapping tape ids to tape metadata
// and anchor names to anchors (spec.md §3). It is kept in memory for fast
// lookups and mirrored into badger (the engine the teacher's
// omni/internal/kv package wraps) so anchors and tape metadata survive a
// process restart, matching spec.md §4.4's "anchors... survive process
// restarts via the Tape Store".
type Manifest struct {
	mu      sync.RWMutex
	tapes   map[string]*Meta
	anchors map[string]*Anchor

	db *badger.DB
}

// OpenManifest opens (or creates) the badger-backed manifest store at dir.
// An empty dir opens an in-memory-only database.
func OpenManifest(dir string) (*Manifest, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("tape: open manifest store: %w", err)
	}

	m := &Manifest{
		tapes:   make(map[string]*Meta),
		anchors: make(map[string]*Anchor),
		db:      db,
	}
	if err := m.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manifest) load() error {
	return m.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			err := item.Value(func(val []byte) error {
				switch {
				case len(key) > len(tapeKeyPrefix) && key[:len(tapeKeyPrefix)] == tapeKeyPrefix:
					var meta Meta
					if err := msgpack.Unmarshal(val, &meta); err != nil {
						return err
					}
					m.tapes[meta.ID] = &meta
				case len(key) > len(anchorKeyPrefix) && key[:len(anchorKeyPrefix)] == anchorKeyPrefix:
					var anchor Anchor
					if err := msgpack.Unmarshal(val, &anchor); err != nil {
						return err
					}
					m.anchors[anchor.Name] = &anchor
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *Manifest) persistTape(meta *Meta) error {
	buf, err := msgpack.Marshal(meta)
	if err != nil {
		return err
	}
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(tapeKeyPrefix+meta.ID), buf)
	})
}

func (m *Manifest) persistAnchor(a *Anchor) error {
	buf, err := msgpack.Marshal(a)
	if err != nil {
		return err
	}
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(anchorKeyPrefix+a.Name), buf)
	})
}

// CreateTape registers a new tape in the manifest.
func (m *Manifest) CreateTape(tapeID, file, title string, parent *ForkPoint) (*Meta, error) {
	if file == "" {
		file = tapeID + ".jsonl"
	}
	meta := &Meta{ID: tapeID, File: file, Title: title, Parent: parent, CreatedAt: time.Now().UTC()}

	m.mu.Lock()
	m.tapes[tapeID] = meta
	m.mu.Unlock()

	if err := m.persistTape(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (m *Manifest) GetTape(tapeID string) (*Meta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.tapes[tapeID]
	return meta, ok
}

// ForkTape creates a new tape that shares the source's file, per spec.md
// §4.4's fork operation; if the source is unknown it is created first (the
// same lazy-creation behavior as the Python Manifest.fork_tape).
func (m *Manifest) ForkTape(sourceID, newID string, splitEntryID int64) (*Meta, error) {
	source, ok := m.GetTape(sourceID)
	if !ok {
		var err error
		source, err = m.CreateTape(sourceID, "", "", nil)
		if err != nil {
			return nil, err
		}
	}
	parent := &ForkPoint{SourceTapeID: sourceID, SplitEntryID: splitEntryID}
	return m.CreateTape(newID, source.File, "", parent)
}

func (m *Manifest) DeleteTape(tapeID string) error {
	m.mu.Lock()
	delete(m.tapes, tapeID)
	m.mu.Unlock()
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(tapeKeyPrefix + tapeID))
	})
}

// CreateAnchor creates (or overwrites) a named anchor.
func (m *Manifest) CreateAnchor(name, tapeID string, entryID int64, state map[string]interface{}) (*Anchor, error) {
	a := &Anchor{Name: name, TapeID: tapeID, EntryID: entryID, State: state, CreatedAt: time.Now().UTC()}
	m.mu.Lock()
	m.anchors[name] = a
	m.mu.Unlock()
	if err := m.persistAnchor(a); err != nil {
		return nil, err
	}
	return a, nil
}

func (m *Manifest) GetAnchor(name string) (*Anchor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.anchors[name]
	return a, ok
}

func (m *Manifest) ListAnchors() []*Anchor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Anchor, 0, len(m.anchors))
	for _, a := range m.anchors {
		out = append(out, a)
	}
	return out
}

func (m *Manifest) DeleteAnchor(name string) error {
	m.mu.Lock()
	delete(m.anchors, name)
	m.mu.Unlock()
	return m.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(anchorKeyPrefix + name))
	})
}

// ResolveAnchor returns the entry id an anchor points to.
func (m *Manifest) ResolveAnchor(name string) (int64, error) {
	a, ok := m.GetAnchor(name)
	if !ok {
		return 0, buserr.New(buserr.KindAnchorNotFound, name)
	}
	return a.EntryID, nil
}

func (m *Manifest) Close() error {
	return m.db.Close()
}
