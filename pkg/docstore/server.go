package docstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/xiaden/nomarr/pkg/log"
)

// Server exposes a local Store to worker subprocesses over a unix
// socket. One goroutine per connection; requests on a connection are
// handled in order.
type Server struct {
	store    *Store
	listener net.Listener
	logger   zerolog.Logger

	mu     sync.Mutex
	conns  map[net.Conn]bool
	wg     sync.WaitGroup
	closed bool
}

// NewServer listens on the given socket path. A stale socket file from
// a previous run is removed first.
func NewServer(store *Store, socketPath string) (*Server, error) {
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	return &Server{
		store:    store,
		listener: listener,
		logger:   log.WithComponent("store-server"),
		conns:    make(map[net.Conn]bool),
	}, nil
}

// Start begins accepting connections.
func (s *Server) Start() {
	s.wg.Add(1)
	go s.acceptLoop()
}

// Stop closes the listener and all open connections.
func (s *Server) Stop() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.listener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.logger.Error().Err(err).Msg("Accept failed")
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = true
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	dec := msgpack.NewDecoder(conn)
	enc := msgpack.NewEncoder(conn)

	for {
		var req rpcRequest
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := s.handle(req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) handle(req rpcRequest) rpcResponse {
	var resp rpcResponse
	var err error

	switch req.Op {
	case opInsert:
		err = s.store.Insert(req.Collection, req.Doc)
	case opInsertMany:
		docs := make([]any, len(req.Docs))
		for i, d := range req.Docs {
			docs[i] = d
		}
		err = s.store.InsertMany(req.Collection, docs)
	case opUpsert:
		err = s.store.Upsert(req.Collection, req.Doc)
	case opUpdate:
		err = s.store.Update(req.Collection, req.Key, req.Patch)
	case opUpdateMatch:
		resp.N, err = s.store.UpdateMatch(req.Collection, req.Filter, req.Patch)
	case opReplace:
		err = s.store.Replace(req.Collection, req.Doc)
	case opDelete:
		resp.OK, err = s.store.Delete(req.Collection, req.Key)
	case opDeleteMatch:
		resp.N, err = s.store.DeleteMatch(req.Collection, req.Filter)
	case opGet:
		resp.Doc, err = s.store.Get(req.Collection, req.Key)
	case opHas:
		resp.OK, err = s.store.Has(req.Collection, req.Key)
	case opFind:
		var filter Document
		if req.HasFilter {
			filter = req.Filter
			if filter == nil {
				filter = Document{}
			}
		}
		resp.Docs, err = s.store.Find(req.Collection, filter)
	case opCount:
		resp.N, err = s.store.Count(req.Collection)
	case opQuery:
		resp.Docs, err = s.store.Query(context.Background(), Request{
			Collection: req.Collection,
			Filter:     req.FilterExpr,
			Bind:       req.Bind,
			Limit:      req.Limit,
		})
	default:
		err = fmt.Errorf("%w: unknown op %q", ErrConstraint, req.Op)
	}

	resp.ErrKind, resp.Err = errToWire(err)
	return resp
}
