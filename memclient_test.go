package repocrypto

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// memStore is the object namespace shared by memClients.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (s *memStore) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	return b, ok
}

func (s *memStore) put(key string, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = b
}

// memClient is an in-memory Client with failure injection.
type memClient struct {
	store *memStore

	failPart     int // UploadPart fails for this part number
	failComplete bool
	failAbort    bool
	failOpen     error

	mu      sync.Mutex
	uploads []*memUpload

	opened atomic.Int32
	closed atomic.Int32
}

func newMemClient(store *memStore) *memClient {
	if store == nil {
		store = newMemStore()
	}
	return &memClient{store: store}
}

func (c *memClient) Open(_ context.Context, key string) (io.ReadCloser, error) {
	if c.failOpen != nil {
		return nil, c.failOpen
	}
	b, ok := c.store.get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	c.opened.Add(1)
	return &memBody{Reader: bytes.NewReader(b), client: c}, nil
}

func (c *memClient) CreateUpload(_ context.Context, key string) (Upload, error) {
	u := &memUpload{client: c, key: key}
	c.mu.Lock()
	c.uploads = append(c.uploads, u)
	c.mu.Unlock()
	return u, nil
}

func (c *memClient) lastUpload() *memUpload {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.uploads) == 0 {
		return nil
	}
	return c.uploads[len(c.uploads)-1]
}

type memUpload struct {
	client    *memClient
	key       string
	parts     [][]byte
	completed bool
	aborted   bool
}

func (u *memUpload) UploadPart(_ context.Context, n int, data []byte) error {
	if n != len(u.parts)+1 {
		return fmt.Errorf("part %d out of order", n)
	}
	if u.client.failPart == n {
		return errors.New("part rejected")
	}
	u.parts = append(u.parts, bytes.Clone(data))
	return nil
}

func (u *memUpload) Complete(context.Context) error {
	if u.client.failComplete {
		return errors.New("complete rejected")
	}
	u.completed = true
	u.client.store.put(u.key, bytes.Join(u.parts, nil))
	return nil
}

func (u *memUpload) Abort(context.Context) error {
	if u.client.failAbort {
		return errors.New("abort rejected")
	}
	u.aborted = true
	u.parts = nil
	return nil
}

type memBody struct {
	*bytes.Reader
	client *memClient
	once   sync.Once
}

func (b *memBody) Close() error {
	b.once.Do(func() { b.client.closed.Add(1) })
	return nil
}

// closingClient is a memClient that records Close calls.
type closingClient struct {
	*memClient
	closes atomic.Int32
}

func (c *closingClient) Close() error {
	c.closes.Add(1)
	return nil
}
