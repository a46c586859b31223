package tape

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/emliunix/bub/internal/buserr"
)

// Store is the Tape Store: append-only NDJSON files plus the Manifest
// registry, implementing spec.md §4.4's operations. Grounded in
// alfa_old/internal/context's save/load-to-disk shape and the teacher's
// omni KV conventions, generalized from a single flat message list to an
// immutable, forkable entry log.
//
// Fork implementation note: spec.md describes a fork as "sharing the
// underlying log file (or logical segment)". This store takes the
// logical-segment reading: each tape appends to its own NDJSON file
// (Meta.File); a forked tape additionally carries a Parent pointer, and
// Read walks that parent chain, concatenating the ancestor's pre-split
// range with the tape's own post-split entries. This avoids two tapes
// racing to append to one physical file while preserving "fork does not
// copy entries" (the parent's file is never duplicated).
type Store struct {
	home     string
	manifest *Manifest

	mu      sync.Mutex
	nextID  map[string]int64 // tape_id -> next id to assign
	fileMus map[string]*sync.Mutex
}

// Open opens a tape store rooted at home (BUB_TAPE_HOME), creating it if
// necessary, with the manifest persisted under home/manifest.
func Open(home string) (*Store, error) {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, fmt.Errorf("tape: create home %s: %w", home, err)
	}
	manifest, err := OpenManifest(filepath.Join(home, "manifest"))
	if err != nil {
		return nil, err
	}
	return &Store{
		home:     home,
		manifest: manifest,
		nextID:   make(map[string]int64),
		fileMus:  make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) fileMu(tapeID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.fileMus[tapeID]
	if !ok {
		mu = &sync.Mutex{}
		s.fileMus[tapeID] = mu
	}
	return mu
}

func (s *Store) filePath(meta *Meta) string {
	return filepath.Join(s.home, meta.File)
}

// CreateTape creates a new, empty tape.
func (s *Store) CreateTape(tapeID, title string) (string, error) {
	if _, ok := s.manifest.GetTape(tapeID); ok {
		return "", fmt.Errorf("tape: tape already exists: %s", tapeID)
	}
	if _, err := s.manifest.CreateTape(tapeID, "", title, nil); err != nil {
		return "", err
	}
	s.mu.Lock()
	s.nextID[tapeID] = 0
	s.mu.Unlock()
	return tapeID, nil
}

// Append stamps entry with the tape's next id and appends it to the
// tape's file. Fails with tape_not_found if tapeID is unknown.
func (s *Store) Append(tapeID string, kind Kind, payload, meta map[string]interface{}) (*Entry, error) {
	tmeta, ok := s.manifest.GetTape(tapeID)
	if !ok {
		return nil, buserr.New(buserr.KindTapeNotFound, tapeID)
	}

	fmu := s.fileMu(tapeID)
	fmu.Lock()
	defer fmu.Unlock()

	s.mu.Lock()
	id, known := s.nextID[tapeID]
	if !known {
		id = s.baseIDFor(tmeta)
	}
	s.mu.Unlock()
	if !known {
		// First append since this store was opened: continue after the
		// entries already in the tape's file.
		existing, err := s.readOwn(tapeID, id, int64(1<<62-1))
		if err != nil {
			return nil, err
		}
		if n := len(existing); n > 0 {
			id = existing[n-1].ID + 1
		}
	}
	entry := &Entry{ID: id, Kind: kind, Payload: payload, Meta: meta}
	s.mu.Lock()
	s.nextID[tapeID] = id + 1
	s.mu.Unlock()

	line, err := entry.MarshalNDJSON()
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(s.filePath(tmeta), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tape: open %s: %w", tmeta.File, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("tape: append %s: %w", tapeID, err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("tape: sync %s: %w", tapeID, err)
	}

	return entry, nil
}

// baseIDFor returns the first id a tape with no entries of its own
// assigns: for a root tape, 0; for a fork, splitEntryID+1. Caller must
// hold s.mu.
func (s *Store) baseIDFor(meta *Meta) int64 {
	if meta.Parent != nil {
		return meta.Parent.SplitEntryID + 1
	}
	return 0
}

func (s *Store) appendEvent(tapeID, name string, payload map[string]interface{}) (*Entry, error) {
	return s.Append(tapeID, KindEvent, map[string]interface{}{"name": name, "data": payload}, nil)
}

// readOwn reads only this tape's own file, filtered to [fromID, toID).
func (s *Store) readOwn(tapeID string, fromID, toID int64) ([]Entry, error) {
	tmeta, ok := s.manifest.GetTape(tapeID)
	if !ok {
		return nil, buserr.New(buserr.KindTapeNotFound, tapeID)
	}

	path := s.filePath(tmeta)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("tape: open %s: %w", tmeta.File, err)
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("tape: decode %s: %w", tmeta.File, err)
		}
		if e.ID >= fromID && e.ID < toID {
			out = append(out, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Read returns entries in [fromID, toID) in ascending id order, walking
// the fork-parent chain for the pre-split portion.
func (s *Store) Read(tapeID string, fromID, toID *int64) ([]Entry, error) {
	tmeta, ok := s.manifest.GetTape(tapeID)
	if !ok {
		return nil, buserr.New(buserr.KindTapeNotFound, tapeID)
	}

	lo := int64(0)
	if fromID != nil {
		lo = *fromID
	}
	hi := int64(1<<62 - 1)
	if toID != nil {
		hi = *toID
	}

	var out []Entry
	if tmeta.Parent != nil {
		split := tmeta.Parent.SplitEntryID
		if lo <= split {
			ancestor, err := s.Read(tmeta.Parent.SourceTapeID, &lo, int64Ptr(split+1))
			if err != nil {
				return nil, err
			}
			out = append(out, ancestor...)
		}
	}

	ownLo := lo
	if tmeta.Parent != nil && lo <= tmeta.Parent.SplitEntryID {
		ownLo = tmeta.Parent.SplitEntryID + 1
	}
	own, err := s.readOwn(tapeID, ownLo, hi)
	if err != nil {
		return nil, err
	}
	out = append(out, own...)
	return out, nil
}

func int64Ptr(v int64) *int64 { return &v }

// Fork creates a new tape sharing source's history up to the split point.
// Exactly one of fromEntry/fromAnchor may be set; if both are absent the
// fork point is the source's current tail.
func (s *Store) Fork(sourceTapeID, newTapeID string, fromEntry *int64, fromAnchor *string) (string, error) {
	if fromEntry != nil && fromAnchor != nil {
		return "", fmt.Errorf("tape: fork: at most one of fromEntry/fromAnchor may be set")
	}

	var split int64
	switch {
	case fromEntry != nil:
		split = *fromEntry
	case fromAnchor != nil:
		id, err := s.manifest.ResolveAnchor(*fromAnchor)
		if err != nil {
			return "", err
		}
		split = id
	default:
		all, err := s.Read(sourceTapeID, nil, nil)
		if err != nil {
			return "", err
		}
		if len(all) == 0 {
			split = -1
		} else {
			split = all[len(all)-1].ID
		}
	}

	if newTapeID == "" {
		newTapeID = sourceTapeID + "-fork"
	}

	meta, err := s.manifest.ForkTape(sourceTapeID, newTapeID, split)
	if err != nil {
		return "", err
	}
	// Each tape appends to its own physical file (see Store doc comment);
	// a forked tape's own file is distinct from the source's.
	meta.File = newTapeID + ".jsonl"
	if err := s.manifest.persistTape(meta); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.nextID[newTapeID] = split + 1
	s.mu.Unlock()

	return newTapeID, nil
}

// CreateAnchor, GetAnchor, ListAnchors, ResolveAnchor delegate to the
// Manifest (anchors are the only stable cross-reference into a tape).
func (s *Store) CreateAnchor(name, tapeID string, entryID int64, state map[string]interface{}) (*Anchor, error) {
	return s.manifest.CreateAnchor(name, tapeID, entryID, state)
}

func (s *Store) GetAnchor(name string) (*Anchor, bool) {
	return s.manifest.GetAnchor(name)
}

func (s *Store) ListAnchors() []*Anchor {
	return s.manifest.ListAnchors()
}

func (s *Store) ResolveAnchor(name string) (int64, error) {
	return s.manifest.ResolveAnchor(name)
}

// Archive moves tapeID out of the active set and returns its file path.
// Archiving is one-way: there is no unarchive (SPEC_FULL.md §10).
func (s *Store) Archive(tapeID string) (string, error) {
	meta, ok := s.manifest.GetTape(tapeID)
	if !ok {
		return "", buserr.New(buserr.KindTapeNotFound, tapeID)
	}
	path := s.filePath(meta)
	if err := s.manifest.DeleteTape(tapeID); err != nil {
		return "", err
	}
	s.mu.Lock()
	delete(s.nextID, tapeID)
	s.mu.Unlock()
	return path, nil
}

// Reset truncates entries strictly after the tape's bootstrap anchor; the
// bootstrap anchor itself is preserved or rebuilt at id 0 (spec.md §4.4,
// I5). Other anchors are left dangling (SPEC_FULL.md §10).
func (s *Store) Reset(tapeID string) error {
	tmeta, ok := s.manifest.GetTape(tapeID)
	if !ok {
		return buserr.New(buserr.KindTapeNotFound, tapeID)
	}

	bootstrapID := int64(0)
	if a, ok := s.manifest.GetAnchor(BootstrapAnchorName); ok && a.TapeID == tapeID {
		bootstrapID = a.EntryID
	}

	kept, err := s.Read(tapeID, nil, int64Ptr(bootstrapID+1))
	if err != nil {
		return err
	}

	fmu := s.fileMu(tapeID)
	fmu.Lock()
	defer fmu.Unlock()

	path := s.filePath(tmeta)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("tape: reset create %s: %w", tmeta.File, err)
	}
	defer f.Close()

	var maxID int64 = -1
	for _, e := range kept {
		line, err := e.MarshalNDJSON()
		if err != nil {
			return err
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return err
		}
		if e.ID > maxID {
			maxID = e.ID
		}
	}
	if err := f.Sync(); err != nil {
		return err
	}

	s.mu.Lock()
	s.nextID[tapeID] = maxID + 1
	s.mu.Unlock()

	if _, ok := s.manifest.GetAnchor(BootstrapAnchorName); !ok {
		if _, err := s.manifest.CreateAnchor(BootstrapAnchorName, tapeID, bootstrapID, nil); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying manifest store.
func (s *Store) Close() error {
	return s.manifest.Close()
}
