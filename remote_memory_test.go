package syncview

import (
	"context"
	"sync"
	"testing"
	"time"
)

// scripted in-memory remote store shared by the package tests

type testFeed struct {
	limit   int
	batches chan *ChangeBatch

	stateLock sync.Mutex
	closed    bool
	errValue  error
}

func (self *testFeed) Batches() <-chan *ChangeBatch {
	return self.batches
}

func (self *testFeed) Err() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.errValue
}

func (self *testFeed) Close() {
	self.fail(nil)
}

func (self *testFeed) send(batch *ChangeBatch) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	self.batches <- batch
}

func (self *testFeed) fail(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	self.closed = true
	self.errValue = err
	close(self.batches)
}

type testRemote struct {
	stateLock sync.Mutex

	// author stamped on created records
	authorId Id
	// sorted newest first
	records    map[Scope][]*Record
	allowLists map[Id]map[Id]bool

	feeds map[Scope][]*testFeed

	// forced errors. cleared by the test
	changesErr     error
	writeErr       error
	networkPageErr error

	// emit an echo batch immediately after each successful write
	emitOnWrite bool

	allowLookups int
	writeCount   int

	clock time.Time
}

func newTestRemote(authorId Id) *testRemote {
	return &testRemote{
		authorId:   authorId,
		records:    map[Scope][]*Record{},
		allowLists: map[Id]map[Id]bool{},
		feeds:      map[Scope][]*testFeed{},
		clock:      time.Now().Add(-24 * time.Hour).Truncate(time.Millisecond),
	}
}

// must be called with stateLock held
func (self *testRemote) nextTime() time.Time {
	self.clock = self.clock.Add(time.Second)
	return self.clock
}

func (self *testRemote) addRecord(scope Scope, record *Record) *Record {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if record.CreatedAt.IsZero() {
		record.CreatedAt = self.nextTime()
	}
	self.records[scope] = append([]*Record{record}, self.records[scope]...)
	return record
}

func (self *testRemote) addMessage(scope Scope, authorId Id, text string, visibility Visibility) *Record {
	return self.addRecord(scope, &Record{
		Id:         NewId(),
		Kind:       RecordKindMessage,
		AuthorId:   authorId,
		Visibility: visibility,
		Text:       text,
	})
}

func (self *testRemote) setAllowList(viewerId Id, allowedIds ...Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	allowList := map[Id]bool{}
	for _, allowedId := range allowedIds {
		allowList[allowedId] = true
	}
	self.allowLists[viewerId] = allowList
}

func (self *testRemote) setChangesErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.changesErr = err
}

func (self *testRemote) setWriteErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.writeErr = err
}

func (self *testRemote) setNetworkPageErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.networkPageErr = err
}

func (self *testRemote) writes() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.writeCount
}

// pushes the newest records to every live feed of the scope
func (self *testRemote) emit(scope Scope) {
	self.stateLock.Lock()
	feeds := append([]*testFeed{}, self.feeds[scope]...)
	records := append([]*Record{}, self.records[scope]...)
	self.stateLock.Unlock()

	for _, feed := range feeds {
		feed.send(snapshotBatch(records, feed.limit))
	}
}

// drops every live feed of the scope with the error
func (self *testRemote) failFeeds(scope Scope, err error) {
	self.stateLock.Lock()
	feeds := self.feeds[scope]
	self.feeds[scope] = nil
	self.stateLock.Unlock()

	for _, feed := range feeds {
		feed.fail(err)
	}
}

func snapshotBatch(records []*Record, limit int) *ChangeBatch {
	n := len(records)
	if 0 < limit && limit < n {
		n = limit
	}
	return &ChangeBatch{
		Records:    append([]*Record{}, records[0:n]...),
		Provenance: ProvenanceFromServer,
	}
}

func (self *testRemote) QueryChanges(ctx context.Context, scope Scope, limit int) (ChangeFeed, error) {
	self.stateLock.Lock()
	if self.changesErr != nil {
		err := self.changesErr
		self.stateLock.Unlock()
		return nil, err
	}
	feed := &testFeed{
		limit:   limit,
		batches: make(chan *ChangeBatch, 16),
	}
	self.feeds[scope] = append(self.feeds[scope], feed)
	records := append([]*Record{}, self.records[scope]...)
	self.stateLock.Unlock()

	go func() {
		<-ctx.Done()
		feed.fail(nil)
	}()

	// initial snapshot
	feed.send(snapshotBatch(records, limit))
	return feed, nil
}

func (self *testRemote) QueryPage(ctx context.Context, scope Scope, after *CursorPosition, limit int, source QuerySource) (*Page, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if source == QuerySourceNetwork && self.networkPageErr != nil {
		return nil, self.networkPageErr
	}

	records := self.records[scope]
	start := 0
	if after != nil {
		for i, record := range records {
			if record.Id == after.RecordId {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	if len(records) < end {
		end = len(records)
	}

	page := &Page{
		Records:    append([]*Record{}, records[start:end]...),
		Provenance: ProvenanceFromServer,
	}
	if source == QuerySourceCache {
		page.Provenance = ProvenanceFromCache
	}
	return page, nil
}

func (self *testRemote) Write(ctx context.Context, scope Scope, op *WriteOp, clientId Id) (*WriteAck, error) {
	self.stateLock.Lock()

	self.writeCount += 1
	if self.writeErr != nil {
		err := self.writeErr
		self.stateLock.Unlock()
		return nil, err
	}

	var written *Record
	if op.Create != nil {
		written = &Record{
			Id:         NewId(),
			Kind:       op.Create.Kind,
			AuthorId:   self.authorId,
			CreatedAt:  self.nextTime(),
			Visibility: VisibilityPublic,
			ClientId:   clientId,
			Text:       op.Create.Text,
			MediaRef:   op.Create.MediaRef,
		}
		self.records[scope] = append([]*Record{written}, self.records[scope]...)
	} else {
		for i, record := range self.records[scope] {
			if record.Id == op.Patch.TargetId {
				patched := record.copy()
				if patched.Reactions == nil {
					patched.Reactions = map[string]int{}
				}
				patched.Reactions[op.Patch.Reaction] += op.Patch.Delta
				self.records[scope][i] = patched
				written = patched
				break
			}
		}
		if written == nil {
			self.stateLock.Unlock()
			return nil, ErrIndexUnavailable
		}
	}

	ack := &WriteAck{
		RecordId:  written.Id,
		CreatedAt: written.CreatedAt,
	}
	emit := self.emitOnWrite
	self.stateLock.Unlock()

	if emit {
		self.emit(scope)
	}
	return ack, nil
}

func (self *testRemote) LookupAllowList(ctx context.Context, viewerId Id) (map[Id]bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.allowLookups += 1
	out := map[Id]bool{}
	for allowedId := range self.allowLists[viewerId] {
		out[allowedId] = true
	}
	return out, nil
}

// test helpers

func fastSettings() *SyncContextSettings {
	settings := DefaultSyncContextSettings()
	settings.Subscriber.ReopenTimeout = 10 * time.Millisecond
	settings.MutationQueue.WriteRetryTimeout = 10 * time.Millisecond
	settings.MutationQueue.EchoTimeout = 250 * time.Millisecond
	return settings
}

func waitForState(t *testing.T, view *ScopeView, condition func(state ViewState) bool) ViewState {
	t.Helper()

	endTime := time.Now().Add(5 * time.Second)
	for {
		notify := view.NotifyChannel()
		state := view.State()
		if condition(state) {
			return state
		}
		if endTime.Before(time.Now()) {
			t.Fatalf("Timeout waiting for view state. Have %d entries, loading=%t, err=%v", len(state.Entries), state.IsLoading, state.Error)
		}
		select {
		case <-notify:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func entryTexts(state ViewState) []string {
	texts := make([]string, 0, len(state.Entries))
	for _, entry := range state.Entries {
		texts = append(texts, entry.Text())
	}
	return texts
}

func entryKeys(state ViewState) map[Id]int {
	keys := map[Id]int{}
	for _, entry := range state.Entries {
		keys[entry.Key()] += 1
	}
	return keys
}
