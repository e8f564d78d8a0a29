package docstore

// Collection binds an Interface to one collection name. It works the
// same over the local bbolt store and the worker-side client.
type Collection struct {
	name string
	db   Interface
}

// NewCollection returns a handle bound to the named collection.
func NewCollection(db Interface, name string) *Collection {
	return &Collection{name: name, db: db}
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

func (c *Collection) Insert(doc any) error           { return c.db.Insert(c.name, doc) }
func (c *Collection) InsertMany(docs []any) error    { return c.db.InsertMany(c.name, docs) }
func (c *Collection) Upsert(doc any) error           { return c.db.Upsert(c.name, doc) }
func (c *Collection) Update(key string, patch any) error {
	return c.db.Update(c.name, key, patch)
}
func (c *Collection) UpdateMatch(filter Document, patch any) (int, error) {
	return c.db.UpdateMatch(c.name, filter, patch)
}
func (c *Collection) Replace(doc any) error          { return c.db.Replace(c.name, doc) }
func (c *Collection) Delete(key string) (bool, error) { return c.db.Delete(c.name, key) }
func (c *Collection) DeleteMatch(filter Document) (int, error) {
	return c.db.DeleteMatch(c.name, filter)
}
func (c *Collection) Get(key string) (Document, error) { return c.db.Get(c.name, key) }
func (c *Collection) Has(key string) (bool, error)     { return c.db.Has(c.name, key) }
func (c *Collection) Find(filter Document) ([]Document, error) {
	return c.db.Find(c.name, filter)
}
func (c *Collection) Count() (int, error) { return c.db.Count(c.name) }
