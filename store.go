package syncview

import (
	"context"
	"sync"
	"time"
)

// provenance tag on a batch of data
type Provenance string

const (
	ProvenanceFromServer Provenance = "server"
	ProvenanceFromCache  Provenance = "cache"
)

// where a one-shot page query is allowed to read from
type QuerySource string

const (
	QuerySourceNetwork QuerySource = "network"
	QuerySourceCache   QuerySource = "cache"
)

type ChangeBatch struct {
	Records    []*Record
	Provenance Provenance
}

// a live subscription to the change feed of one scope,
// ordered by created time descending
type ChangeFeed interface {
	// closed when the feed ends. after close, Err reports why
	Batches() <-chan *ChangeBatch
	Err() error
	Close()
}

type Page struct {
	Records    []*Record
	Provenance Provenance
}

// position of the oldest record fetched so far
type CursorPosition struct {
	RecordId  Id
	CreatedAt time.Time
}

// a create or a patch of an existing record. exactly one is set.
type WriteOp struct {
	Create *Payload
	Patch  *RecordPatch
}

// optimistic mutation of an existing record's derived counters
type RecordPatch struct {
	TargetId Id
	Reaction string
	// +1 add, -1 remove
	Delta int
}

type WriteAck struct {
	RecordId  Id
	CreatedAt time.Time
}

// the authoritative remote store capability.
// the wire protocol behind it is an adapter detail.
type RemoteStore interface {
	// opens the live change feed for a scope. limit caps batch size
	QueryChanges(ctx context.Context, scope Scope, limit int) (ChangeFeed, error)
	// one-shot paged fetch strictly after the cursor position
	QueryPage(ctx context.Context, scope Scope, after *CursorPosition, limit int, source QuerySource) (*Page, error)
	// clientId is echoed into the resulting record
	Write(ctx context.Context, scope Scope, op *WriteOp, clientId Id) (*WriteAck, error)
	LookupAllowList(ctx context.Context, viewerId Id) (map[Id]bool, error)
}

// local persistence capability. opaque blob per key.
type LocalStore interface {
	// ok is false when the key is absent
	Get(key string) (value []byte, ok bool, err error)
	Set(key string, value []byte) error
	Close() error
}

// in-memory local store for tests and ephemeral sessions
type MapLocalStore struct {
	stateLock sync.Mutex
	values    map[string][]byte
}

func NewMapLocalStore() *MapLocalStore {
	return &MapLocalStore{
		values: map[string][]byte{},
	}
}

func (self *MapLocalStore) Get(key string) ([]byte, bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	value, ok := self.values[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, true, nil
}

func (self *MapLocalStore) Set(key string, value []byte) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	self.values[key] = stored
	return nil
}

func (self *MapLocalStore) Close() error {
	return nil
}
