package docstore

import (
	"errors"
	"strings"
)

// MetaKeyWorkerEnabled is the cross-process pause flag polled by the
// worker loops.
const MetaKeyWorkerEnabled = "worker_enabled"

// Meta is a string-to-string key-value view over the meta collection,
// used for cross-process flags and counters.
type Meta struct {
	c *Collection
}

// NewMeta returns the meta helper for any store implementation.
func NewMeta(db Interface) *Meta {
	return &Meta{c: NewCollection(db, CollMeta)}
}

// Get returns the value for key and whether it exists.
func (m *Meta) Get(key string) (string, bool, error) {
	doc, err := m.c.Get(key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	val, _ := doc["value"].(string)
	return val, true, nil
}

// Set writes the value for key.
func (m *Meta) Set(key, value string) error {
	return m.c.Upsert(Document{"_key": key, "value": value})
}

// Delete removes a key. Absent keys are a no-op.
func (m *Meta) Delete(key string) error {
	_, err := m.c.Delete(key)
	return err
}

// WithPrefix returns all entries whose key starts with prefix.
func (m *Meta) WithPrefix(prefix string) (map[string]string, error) {
	docs, err := m.c.Find(nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, doc := range docs {
		key, _ := doc["_key"].(string)
		if strings.HasPrefix(key, prefix) {
			val, _ := doc["value"].(string)
			out[key] = val
		}
	}
	return out, nil
}

// WorkerEnabled reports the global worker pause flag. Absent means
// enabled.
func (m *Meta) WorkerEnabled() (bool, error) {
	val, ok, err := m.Get(MetaKeyWorkerEnabled)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return val != "0", nil
}

// SetWorkerEnabled writes the global worker pause flag.
func (m *Meta) SetWorkerEnabled(enabled bool) error {
	val := "1"
	if !enabled {
		val = "0"
	}
	return m.Set(MetaKeyWorkerEnabled, val)
}
