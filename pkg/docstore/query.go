package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	bolt "go.etcd.io/bbolt"
)

// Request is one parameterised query. Filter is a CEL expression
// evaluated per document with two variables in scope: doc (the
// document) and bind (the bind-variable mapping). Documents stream in
// primary-key order, which callers rely on only for stability.
type Request struct {
	Collection string
	Filter     string
	Bind       map[string]any
	Limit      int
}

// Query runs a parameterised query and returns the matching documents.
func (s *Store) Query(ctx context.Context, req Request) ([]Document, error) {
	if req.Collection == "" {
		return nil, fmt.Errorf("%w: query missing collection", ErrConstraint)
	}
	prog, err := s.compile(req.Filter)
	if err != nil {
		return nil, err
	}

	bind := req.Bind
	if bind == nil {
		bind = map[string]any{}
	}
	sbind, err := Sanitize(bind)
	if err != nil {
		return nil, err
	}

	var docs []Document
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(req.Collection))
		if b == nil {
			return fmt.Errorf("%w: unknown collection %s", ErrConstraint, req.Collection)
		}
		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var doc Document
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("%w: %v", ErrConstraint, err)
			}
			ok, err := evalFilter(prog, doc, sbind.(map[string]any))
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			docs = append(docs, doc)
			if req.Limit > 0 && len(docs) >= req.Limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", req.Collection, err)
	}
	return docs, nil
}

// compile returns the cached CEL program for a filter expression,
// compiling it on first use. An empty filter matches everything.
func (s *Store) compile(filter string) (cel.Program, error) {
	if filter == "" {
		return nil, nil
	}
	if cached, ok := s.programs.Load(filter); ok {
		return cached.(cel.Program), nil
	}

	env, err := cel.NewEnv(
		cel.Variable("doc", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("bind", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: cel environment: %v", ErrConstraint, err)
	}
	ast, issues := env.Compile(filter)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: compile filter %q: %v", ErrConstraint, filter, issues.Err())
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	s.programs.Store(filter, prog)
	return prog, nil
}

func evalFilter(prog cel.Program, doc, bind map[string]any) (bool, error) {
	if prog == nil {
		return true, nil
	}
	out, _, err := prog.Eval(map[string]any{
		"doc":  doc,
		"bind": bind,
	})
	if err != nil {
		return false, fmt.Errorf("%w: evaluate filter: %v", ErrConstraint, err)
	}
	nv, err := out.ConvertToNative(reflect.TypeOf(true))
	if err != nil {
		return false, fmt.Errorf("%w: filter did not yield bool: %v", ErrConstraint, err)
	}
	return nv.(bool), nil
}
