package docstore

import (
	"encoding/json"
	"fmt"
)

// As decodes a document into a typed struct via its JSON tags.
func As[T any](doc Document) (T, error) {
	var out T
	raw, err := json.Marshal(doc)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	return out, nil
}
