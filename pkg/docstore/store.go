package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
)

// Document is a sanitized store document.
type Document = map[string]any

// Collection names used by the coordination core.
const (
	CollLibraryFiles       = "library_files"
	CollWorkerClaims       = "worker_claims"
	CollHealth             = "health"
	CollRestartPolicy      = "worker_restart_policy"
	CollCalibrationState   = "calibration_state"
	CollCalibrationHistory = "calibration_history"
	CollMeta               = "meta"
)

// CoreCollections lists every collection the core owns.
func CoreCollections() []string {
	return []string{
		CollLibraryFiles,
		CollWorkerClaims,
		CollHealth,
		CollRestartPolicy,
		CollCalibrationState,
		CollCalibrationHistory,
		CollMeta,
	}
}

// Interface is the document store facade. The daemon's *Store
// implements it directly over bbolt; worker subprocesses implement it
// with *Client over the daemon's unix socket, since the database file
// is held exclusively by the daemon.
type Interface interface {
	Insert(collection string, doc any) error
	InsertMany(collection string, docs []any) error
	Upsert(collection string, doc any) error
	Update(collection, key string, patch any) error
	UpdateMatch(collection string, filter Document, patch any) (int, error)
	Replace(collection string, doc any) error
	Delete(collection, key string) (bool, error)
	DeleteMatch(collection string, filter Document) (int, error)
	Get(collection, key string) (Document, error)
	Has(collection, key string) (bool, error)
	Find(collection string, filter Document) ([]Document, error)
	Count(collection string) (int, error)
	Query(ctx context.Context, req Request) ([]Document, error)
}

// Store is the bbolt-backed document store.
type Store struct {
	db       *bolt.DB
	programs sync.Map // filter expression -> compiled CEL program
}

var _ Interface = (*Store)(nil)

// Open opens (or creates) the database file and ensures the named
// collections exist.
func Open(dataDir string, collections ...string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "nomarr.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrTransport, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range collections {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create collection %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Collection returns a handle bound to the named collection.
func (s *Store) Collection(name string) *Collection {
	return &Collection{name: name, db: s}
}

// Meta returns the string key-value helper over the meta collection.
func (s *Store) Meta() *Meta {
	return &Meta{c: s.Collection(CollMeta)}
}

// Insert inserts a document. If the primary key already exists the
// insert fails with ErrDuplicateKey and the existing document is not
// mutated. This is the claim-acquisition primitive: the check and the
// put happen inside one write transaction.
func (s *Store) Insert(collection string, doc any) error {
	sdoc, key, err := sanitizeDoc(doc)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sdoc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, collection)
		if err != nil {
			return err
		}
		if b.Get([]byte(key)) != nil {
			return fmt.Errorf("collection %s key %s: %w", collection, key, ErrDuplicateKey)
		}
		return b.Put([]byte(key), data)
	})
	return wrap(collection, err)
}

// InsertMany inserts documents in a single transaction. Any duplicate
// key aborts the whole batch.
func (s *Store) InsertMany(collection string, docs []any) error {
	type entry struct {
		key  string
		data []byte
	}
	entries := make([]entry, 0, len(docs))
	for _, doc := range docs {
		sdoc, key, err := sanitizeDoc(doc)
		if err != nil {
			return err
		}
		data, err := json.Marshal(sdoc)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConstraint, err)
		}
		entries = append(entries, entry{key: key, data: data})
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, collection)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if b.Get([]byte(e.key)) != nil {
				return fmt.Errorf("collection %s key %s: %w", collection, e.key, ErrDuplicateKey)
			}
			if err := b.Put([]byte(e.key), e.data); err != nil {
				return err
			}
		}
		return nil
	})
	return wrap(collection, err)
}

// Upsert writes a document, replacing any existing one atomically.
func (s *Store) Upsert(collection string, doc any) error {
	sdoc, key, err := sanitizeDoc(doc)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sdoc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, collection)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	return wrap(collection, err)
}

// Update merges a patch into the existing document identified by key.
// The merge and write happen in one transaction so paired field
// transitions (needs_tagging/tagged) flip atomically.
func (s *Store) Update(collection, key string, patch any) error {
	pm, err := sanitizePatch(patch)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, collection)
		if err != nil {
			return err
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("collection %s key %s: %w", collection, key, ErrNotFound)
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("%w: %v", ErrConstraint, err)
		}
		for k, v := range pm {
			doc[k] = v
		}
		doc["_key"] = key
		out, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrConstraint, err)
		}
		return b.Put([]byte(key), out)
	})
	return wrap(collection, err)
}

// UpdateMatch merges a patch into every document matching the equality
// filter. Returns the number of documents updated.
func (s *Store) UpdateMatch(collection string, filter Document, patch any) (int, error) {
	pm, err := sanitizePatch(patch)
	if err != nil {
		return 0, err
	}
	fm, err := sanitizeFilter(filter)
	if err != nil {
		return 0, err
	}

	updated := 0
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, collection)
		if err != nil {
			return err
		}
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var doc Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("%w: %v", ErrConstraint, err)
			}
			if !matches(doc, fm) {
				continue
			}
			for pk, pv := range pm {
				doc[pk] = pv
			}
			out, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrConstraint, err)
			}
			if err := b.Put(k, out); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	return updated, wrap(collection, err)
}

// Replace overwrites an existing document. ErrNotFound if absent.
func (s *Store) Replace(collection string, doc any) error {
	sdoc, key, err := sanitizeDoc(doc)
	if err != nil {
		return err
	}
	data, err := json.Marshal(sdoc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, collection)
		if err != nil {
			return err
		}
		if b.Get([]byte(key)) == nil {
			return fmt.Errorf("collection %s key %s: %w", collection, key, ErrNotFound)
		}
		return b.Put([]byte(key), data)
	})
	return wrap(collection, err)
}

// Delete removes a document by key. Deleting an absent document is a
// no-op; the bool reports whether anything was removed.
func (s *Store) Delete(collection, key string) (bool, error) {
	removed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, collection)
		if err != nil {
			return err
		}
		if b.Get([]byte(key)) == nil {
			return nil
		}
		removed = true
		return b.Delete([]byte(key))
	})
	return removed, wrap(collection, err)
}

// DeleteMatch removes every document matching the equality filter and
// returns how many were removed.
func (s *Store) DeleteMatch(collection string, filter Document) (int, error) {
	fm, err := sanitizeFilter(filter)
	if err != nil {
		return 0, err
	}

	removed := 0
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, collection)
		if err != nil {
			return err
		}
		var keys [][]byte
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var doc Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("%w: %v", ErrConstraint, err)
			}
			if matches(doc, fm) {
				keys = append(keys, append([]byte(nil), k...))
			}
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, wrap(collection, err)
}

// Get returns the document for key, or ErrNotFound.
func (s *Store) Get(collection, key string) (Document, error) {
	var doc Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, collection)
		if err != nil {
			return err
		}
		data := b.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("collection %s key %s: %w", collection, key, ErrNotFound)
		}
		return json.Unmarshal(data, &doc)
	})
	if err != nil {
		return nil, wrap(collection, err)
	}
	return doc, nil
}

// Has reports whether a document exists for key.
func (s *Store) Has(collection, key string) (bool, error) {
	exists := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, collection)
		if err != nil {
			return err
		}
		exists = b.Get([]byte(key)) != nil
		return nil
	})
	return exists, wrap(collection, err)
}

// Find returns every document matching the equality filter, in key
// order. A nil filter returns the whole collection.
func (s *Store) Find(collection string, filter Document) ([]Document, error) {
	var fm map[string]any
	if filter != nil {
		var err error
		fm, err = sanitizeFilter(filter)
		if err != nil {
			return nil, err
		}
	}
	var docs []Document
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, collection)
		if err != nil {
			return err
		}
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var doc Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("%w: %v", ErrConstraint, err)
			}
			if fm == nil || matches(doc, fm) {
				docs = append(docs, doc)
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrap(collection, err)
	}
	return docs, nil
}

// Count returns the number of documents in the collection.
func (s *Store) Count(collection string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, collection)
		if err != nil {
			return err
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, wrap(collection, err)
}

func (s *Store) bucket(tx *bolt.Tx, collection string) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(collection))
	if b == nil {
		return nil, fmt.Errorf("%w: unknown collection %s", ErrConstraint, collection)
	}
	return b, nil
}

func sanitizePatch(patch any) (map[string]any, error) {
	spatch, err := Sanitize(patch)
	if err != nil {
		return nil, err
	}
	pm, ok := spatch.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: patch must be a map, got %T", ErrConstraint, spatch)
	}
	return pm, nil
}

func sanitizeFilter(filter Document) (map[string]any, error) {
	if filter == nil {
		return map[string]any{}, nil
	}
	sfilter, err := Sanitize(filter)
	if err != nil {
		return nil, err
	}
	return sfilter.(map[string]any), nil
}

// matches does shallow equality against the filter. Stored numbers come
// back from JSON as float64, so numeric filter values compare loosely.
func matches(doc, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := doc[k]
		if !ok {
			return false
		}
		if !looseEqual(got, want) {
			return false
		}
	}
	return true
}

func looseEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	}
	return 0, false
}

// wrap classifies raw bbolt errors as transport errors while passing
// already-classified errors through.
func wrap(collection string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrDuplicateKey, ErrNotFound, ErrConstraint, ErrTransport} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return fmt.Errorf("%w: collection %s: %v", ErrTransport, collection, err)
}
