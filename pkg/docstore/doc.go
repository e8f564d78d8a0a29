/*
Package docstore is the typed facade over nomarr's embedded document
database (bbolt). Each collection is one bucket holding JSON documents
keyed by their "_key" field; bucket key order gives the stable
lexicographic iteration order discovery depends on.

Two properties of this package carry the coordination subsystem:

  - Insert is check-and-put inside a single write transaction, so a
    duplicate primary key fails with ErrDuplicateKey without touching
    the existing document. Worker claim acquisition is built entirely
    on this.
  - Update merges a patch and writes it in one transaction, so paired
    field transitions (needs_tagging/tagged) flip atomically.

Every write path sanitizes documents down to primitive types before
they reach the database; see Sanitize.

The query channel evaluates a CEL filter expression per document with
"doc" and "bind" variables in scope, compiled once and cached.

The daemon owns the database file exclusively, so worker subprocesses
reach the store through a unix-socket protocol: Server exposes a local
Store, Client implements the same Interface on the far side. Callers
written against Interface run unchanged in either process.
*/
package docstore
