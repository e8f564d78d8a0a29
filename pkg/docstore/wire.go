package docstore

import (
	"errors"
	"fmt"
)

// Wire operations for the store socket. Worker subprocesses cannot open
// the database file (the daemon holds it exclusively), so they speak
// this protocol instead.
const (
	opInsert      = "insert"
	opInsertMany  = "insert_many"
	opUpsert      = "upsert"
	opUpdate      = "update"
	opUpdateMatch = "update_match"
	opReplace     = "replace"
	opDelete      = "delete"
	opDeleteMatch = "delete_match"
	opGet         = "get"
	opHas         = "has"
	opFind        = "find"
	opCount       = "count"
	opQuery       = "query"
)

type rpcRequest struct {
	Op         string         `msgpack:"op"`
	Collection string         `msgpack:"collection,omitempty"`
	Key        string         `msgpack:"key,omitempty"`
	Doc        Document       `msgpack:"doc,omitempty"`
	Docs       []Document     `msgpack:"docs,omitempty"`
	Filter     Document       `msgpack:"filter,omitempty"`
	HasFilter  bool           `msgpack:"has_filter,omitempty"`
	Patch      Document       `msgpack:"patch,omitempty"`
	FilterExpr string         `msgpack:"filter_expr,omitempty"`
	Bind       map[string]any `msgpack:"bind,omitempty"`
	Limit      int            `msgpack:"limit,omitempty"`
}

type rpcResponse struct {
	ErrKind string     `msgpack:"err_kind,omitempty"`
	Err     string     `msgpack:"err,omitempty"`
	OK      bool       `msgpack:"ok,omitempty"`
	N       int        `msgpack:"n,omitempty"`
	Doc     Document   `msgpack:"doc,omitempty"`
	Docs    []Document `msgpack:"docs,omitempty"`
}

const (
	kindDuplicateKey = "duplicate-key"
	kindNotFound     = "not-found"
	kindConstraint   = "constraint"
	kindTransport    = "transport"
)

// errToWire maps a store error to its wire kind so the client can
// rebuild the matching sentinel.
func errToWire(err error) (kind, msg string) {
	if err == nil {
		return "", ""
	}
	switch {
	case errors.Is(err, ErrDuplicateKey):
		kind = kindDuplicateKey
	case errors.Is(err, ErrNotFound):
		kind = kindNotFound
	case errors.Is(err, ErrConstraint):
		kind = kindConstraint
	default:
		kind = kindTransport
	}
	return kind, err.Error()
}

// wireToErr rebuilds a sentinel-wrapped error from its wire form.
func wireToErr(kind, msg string) error {
	if kind == "" {
		return nil
	}
	var sentinel error
	switch kind {
	case kindDuplicateKey:
		sentinel = ErrDuplicateKey
	case kindNotFound:
		sentinel = ErrNotFound
	case kindConstraint:
		sentinel = ErrConstraint
	default:
		sentinel = ErrTransport
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}
