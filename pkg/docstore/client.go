package docstore

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Client is the worker-side store handle, speaking the wire protocol to
// the daemon's store socket. It implements Interface, so worker code is
// indifferent to which side of the socket it runs on.
//
// Calls are serialised: the worker loop is single-threaded and the
// heartbeat thread never touches the store, so one in-flight request is
// all that is needed.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *msgpack.Encoder
	dec  *msgpack.Decoder
}

var _ Interface = (*Client)(nil)

// Dial connects to the daemon's store socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("%w: dial store socket: %v", ErrTransport, err)
	}
	return &Client{
		conn: conn,
		enc:  msgpack.NewEncoder(conn),
		dec:  msgpack.NewDecoder(conn),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Meta returns the string key-value helper over the meta collection.
func (c *Client) Meta() *Meta {
	return NewMeta(c)
}

func (c *Client) call(req rpcRequest) (rpcResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var resp rpcResponse
	if err := c.enc.Encode(req); err != nil {
		return resp, fmt.Errorf("%w: send %s: %v", ErrTransport, req.Op, err)
	}
	if err := c.dec.Decode(&resp); err != nil {
		return resp, fmt.Errorf("%w: receive %s: %v", ErrTransport, req.Op, err)
	}
	return resp, wireToErr(resp.ErrKind, resp.Err)
}

// toDoc sanitizes a caller document before it crosses the socket; the
// server sanitizes again on its own write path.
func toDoc(doc any) (Document, error) {
	sv, err := Sanitize(doc)
	if err != nil {
		return nil, err
	}
	m, ok := sv.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: document must be a map, got %T", ErrConstraint, sv)
	}
	return m, nil
}

func (c *Client) Insert(collection string, doc any) error {
	d, err := toDoc(doc)
	if err != nil {
		return err
	}
	_, err = c.call(rpcRequest{Op: opInsert, Collection: collection, Doc: d})
	return err
}

func (c *Client) InsertMany(collection string, docs []any) error {
	wire := make([]Document, len(docs))
	for i, doc := range docs {
		d, err := toDoc(doc)
		if err != nil {
			return err
		}
		wire[i] = d
	}
	_, err := c.call(rpcRequest{Op: opInsertMany, Collection: collection, Docs: wire})
	return err
}

func (c *Client) Upsert(collection string, doc any) error {
	d, err := toDoc(doc)
	if err != nil {
		return err
	}
	_, err = c.call(rpcRequest{Op: opUpsert, Collection: collection, Doc: d})
	return err
}

func (c *Client) Update(collection, key string, patch any) error {
	p, err := toDoc(patch)
	if err != nil {
		return err
	}
	_, err = c.call(rpcRequest{Op: opUpdate, Collection: collection, Key: key, Patch: p})
	return err
}

func (c *Client) UpdateMatch(collection string, filter Document, patch any) (int, error) {
	p, err := toDoc(patch)
	if err != nil {
		return 0, err
	}
	resp, err := c.call(rpcRequest{Op: opUpdateMatch, Collection: collection, Filter: filter, Patch: p})
	return resp.N, err
}

func (c *Client) Replace(collection string, doc any) error {
	d, err := toDoc(doc)
	if err != nil {
		return err
	}
	_, err = c.call(rpcRequest{Op: opReplace, Collection: collection, Doc: d})
	return err
}

func (c *Client) Delete(collection, key string) (bool, error) {
	resp, err := c.call(rpcRequest{Op: opDelete, Collection: collection, Key: key})
	return resp.OK, err
}

func (c *Client) DeleteMatch(collection string, filter Document) (int, error) {
	resp, err := c.call(rpcRequest{Op: opDeleteMatch, Collection: collection, Filter: filter})
	return resp.N, err
}

func (c *Client) Get(collection, key string) (Document, error) {
	resp, err := c.call(rpcRequest{Op: opGet, Collection: collection, Key: key})
	if err != nil {
		return nil, err
	}
	return resp.Doc, nil
}

func (c *Client) Has(collection, key string) (bool, error) {
	resp, err := c.call(rpcRequest{Op: opHas, Collection: collection, Key: key})
	return resp.OK, err
}

func (c *Client) Find(collection string, filter Document) ([]Document, error) {
	req := rpcRequest{Op: opFind, Collection: collection}
	if filter != nil {
		req.Filter = filter
		req.HasFilter = true
	}
	resp, err := c.call(req)
	return resp.Docs, err
}

func (c *Client) Count(collection string) (int, error) {
	resp, err := c.call(rpcRequest{Op: opCount, Collection: collection})
	return resp.N, err
}

func (c *Client) Query(ctx context.Context, req Request) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := c.call(rpcRequest{
		Op:         opQuery,
		Collection: req.Collection,
		FilterExpr: req.Filter,
		Bind:       req.Bind,
		Limit:      req.Limit,
	})
	return resp.Docs, err
}
