package syncview

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

func DefaultMutationQueueSettings() *MutationQueueSettings {
	return &MutationQueueSettings{
		EchoTimeout:         10 * time.Second,
		WriteRetryTimeout:   1 * time.Second,
		SequenceIdleTimeout: 60 * time.Second,
	}
}

type MutationQueueSettings struct {
	// how long a confirmed entry waits for its change-stream echo before it
	// is treated as confirmed-but-stream-lagging and left visible
	EchoTimeout time.Duration
	// pause between dispatch attempts while connectivity flaps
	WriteRetryTimeout   time.Duration
	SequenceIdleTimeout time.Duration
}

// called whenever the entry set of a scope changes
type EntriesForwardFunction func(scope Scope, entries []*OptimisticEntry)

// accepts user-issued writes before server confirmation. writes for one scope
// dispatch in submission order so temp-id bookkeeping stays deterministic;
// scopes proceed independently.
type MutationQueue struct {
	ctx          context.Context
	remote       RemoteStore
	connectivity *ConnectivityMonitor
	settings     *MutationQueueSettings

	forwardEntries EntriesForwardFunction

	stateLock sync.Mutex
	// scope -> mutation sequence
	sequences map[Scope]*mutationSequence
	// temp id -> scope, for retry/discard routing
	tempIdScopes map[Id]Scope
}

func NewMutationQueue(
	ctx context.Context,
	remote RemoteStore,
	connectivity *ConnectivityMonitor,
	forwardEntries EntriesForwardFunction,
	settings *MutationQueueSettings,
) *MutationQueue {
	return &MutationQueue{
		ctx:            ctx,
		remote:         remote,
		connectivity:   connectivity,
		settings:       settings,
		forwardEntries: forwardEntries,
		sequences:      map[Scope]*mutationSequence{},
		tempIdScopes:   map[Id]Scope{},
	}
}

// Submit synchronously registers a pending entry and returns its temp id.
// The write itself dispatches asynchronously.
func (self *MutationQueue) Submit(scope Scope, payload Payload) Id {
	tempId := NewId()
	entry := &OptimisticEntry{
		TempId:      tempId,
		Scope:       scope,
		Payload:     payload,
		SubmittedAt: time.Now(),
		Status:      OptimisticStatusPending,
	}
	op := &WriteOp{
		Create: &payload,
	}
	self.register(scope, tempId, entry, op)
	return tempId
}

// SubmitPatch registers an optimistic mutation of an existing record's
// derived counters, same lifecycle as Submit.
func (self *MutationQueue) SubmitPatch(scope Scope, patch RecordPatch) Id {
	tempId := NewId()
	entry := &OptimisticEntry{
		TempId:      tempId,
		Scope:       scope,
		SubmittedAt: time.Now(),
		Status:      OptimisticStatusPending,
	}
	op := &WriteOp{
		Patch: &patch,
	}
	self.register(scope, tempId, entry, op)
	return tempId
}

func (self *MutationQueue) register(scope Scope, tempId Id, entry *OptimisticEntry, op *WriteOp) {
	item := &mutationItem{
		entry: entry,
		op:    op,
	}

	self.stateLock.Lock()
	self.tempIdScopes[tempId] = scope
	self.stateLock.Unlock()

	if !self.sequence(scope).submit(item) {
		// lost a race with idle close. rebuild and resubmit
		self.stateLock.Lock()
		delete(self.sequences, scope)
		self.stateLock.Unlock()
		self.sequence(scope).submit(item)
	}
}

func (self *MutationQueue) sequence(scope Scope) *mutationSequence {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if sequence, ok := self.sequences[scope]; ok {
		return sequence
	}
	sequence := newMutationSequence(self, scope)
	self.sequences[scope] = sequence
	go func() {
		sequence.run()

		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		// clean up
		if sequence == self.sequences[scope] {
			delete(self.sequences, scope)
		}
	}()
	return sequence
}

func (self *MutationQueue) activeSequence(tempId Id) *mutationSequence {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	scope, ok := self.tempIdScopes[tempId]
	if !ok {
		return nil
	}
	return self.sequences[scope]
}

// Retry re-dispatches a failed entry. Returns false when the temp id is not
// known or the entry is not in a retryable state.
func (self *MutationQueue) Retry(tempId Id) bool {
	sequence := self.activeSequence(tempId)
	if sequence == nil {
		return false
	}
	return sequence.retry(tempId)
}

// Discard removes an entry. A discarded pending entry's in-flight write
// result is ignored when it lands.
func (self *MutationQueue) Discard(tempId Id) bool {
	sequence := self.activeSequence(tempId)
	if sequence == nil {
		return false
	}
	discarded := sequence.discard(tempId)
	if discarded {
		self.stateLock.Lock()
		delete(self.tempIdScopes, tempId)
		self.stateLock.Unlock()
	}
	return discarded
}

// ObserveServerRecords settles entries against a server batch: confirmed
// entries whose temp id was echoed back are removed in the same update, and
// acked patches whose target arrived from the server are dropped.
func (self *MutationQueue) ObserveServerRecords(scope Scope, records []*Record) {
	self.stateLock.Lock()
	sequence, ok := self.sequences[scope]
	self.stateLock.Unlock()

	if !ok {
		return
	}
	settledTempIds := sequence.observeServer(records)

	if 0 < len(settledTempIds) {
		self.stateLock.Lock()
		for _, tempId := range settledTempIds {
			delete(self.tempIdScopes, tempId)
		}
		self.stateLock.Unlock()
	}
}

// Entries returns the live entries of a scope, newest submission first not
// guaranteed; callers order via the merge.
func (self *MutationQueue) Entries(scope Scope) []*OptimisticEntry {
	self.stateLock.Lock()
	sequence, ok := self.sequences[scope]
	self.stateLock.Unlock()

	if !ok {
		return nil
	}
	return sequence.snapshot()
}

func (self *MutationQueue) Close() {
	self.stateLock.Lock()
	sequences := make([]*mutationSequence, 0, len(self.sequences))
	for _, sequence := range self.sequences {
		sequences = append(sequences, sequence)
	}
	self.stateLock.Unlock()

	for _, sequence := range sequences {
		sequence.close()
	}
}

type mutationItem struct {
	entry *OptimisticEntry
	op    *WriteOp

	ack *WriteAck
	// awaiting pickup by the dispatcher
	queued bool
	// set when the entry was discarded while its write was in flight
	discarded bool
	// confirmed patches keep applying until the target shows up from the
	// server or this deadline passes
	settleDeadline time.Time
}

type mutationSequence struct {
	queue *MutationQueue
	scope Scope

	ctx    context.Context
	cancel context.CancelFunc

	// coalescing dispatcher wakeup. items themselves queue through the
	// backlog, so registration never blocks on the dispatcher
	update        chan struct{}
	idleCondition *IdleCondition

	stateLock sync.Mutex
	// submission order
	items []*mutationItem
}

func newMutationSequence(queue *MutationQueue, scope Scope) *mutationSequence {
	ctx, cancel := context.WithCancel(queue.ctx)
	return &mutationSequence{
		queue:         queue,
		scope:         scope,
		ctx:           ctx,
		cancel:        cancel,
		update:        make(chan struct{}, 1),
		idleCondition: NewIdleCondition(),
		items:         []*mutationItem{},
	}
}

func (self *mutationSequence) poke() {
	select {
	case self.update <- struct{}{}:
	default:
		// an update is already queued
	}
}

func (self *mutationSequence) submit(item *mutationItem) bool {
	if !self.idleCondition.UpdateOpen() {
		return false
	}
	defer self.idleCondition.UpdateClose()

	self.stateLock.Lock()
	item.queued = true
	self.items = append(self.items, item)
	self.stateLock.Unlock()
	self.forward()

	self.poke()
	return true
}

func (self *mutationSequence) retry(tempId Id) bool {
	if !self.idleCondition.UpdateOpen() {
		return false
	}
	defer self.idleCondition.UpdateClose()

	self.stateLock.Lock()
	item := self.item(tempId)
	if item == nil || item.entry.Status != OptimisticStatusFailed {
		self.stateLock.Unlock()
		return false
	}
	item.entry.Status = OptimisticStatusPending
	item.entry.Err = nil
	item.queued = true
	self.stateLock.Unlock()
	self.forward()

	self.poke()
	return true
}

func (self *mutationSequence) discard(tempId Id) bool {
	self.stateLock.Lock()
	item := self.item(tempId)
	if item == nil {
		self.stateLock.Unlock()
		return false
	}
	item.discarded = true
	self.removeItem(item)
	self.stateLock.Unlock()

	self.forward()
	return true
}

// must be called with stateLock held
func (self *mutationSequence) item(tempId Id) *mutationItem {
	for _, item := range self.items {
		if item.entry.TempId == tempId {
			return item
		}
	}
	return nil
}

// must be called with stateLock held
func (self *mutationSequence) removeItem(item *mutationItem) {
	for i, existingItem := range self.items {
		if existingItem == item {
			self.items = append(self.items[0:i], self.items[i+1:]...)
			return
		}
	}
}

func (self *mutationSequence) observeServer(records []*Record) []Id {
	echoedTempIds := map[Id]bool{}
	serverRecordIds := map[Id]bool{}
	for _, record := range records {
		serverRecordIds[record.Id] = true
		if !record.ClientId.IsZero() {
			echoedTempIds[record.ClientId] = true
		}
	}

	self.stateLock.Lock()
	settledTempIds := []Id{}
	now := time.Now()
	keptItems := make([]*mutationItem, 0, len(self.items))
	for _, item := range self.items {
		settled := false
		if item.entry.Status == OptimisticStatusConfirmed {
			if item.op.Create != nil {
				// the echo must replace the entry in the same update
				settled = echoedTempIds[item.entry.TempId]
			} else {
				// an acked patch settles when the target arrives from the
				// server, or after the echo wait
				settled = serverRecordIds[item.op.Patch.TargetId] ||
					(!item.settleDeadline.IsZero() && item.settleDeadline.Before(now))
			}
		}
		if settled {
			settledTempIds = append(settledTempIds, item.entry.TempId)
		} else {
			keptItems = append(keptItems, item)
		}
	}
	changed := len(keptItems) != len(self.items)
	self.items = keptItems
	self.stateLock.Unlock()

	if changed {
		self.forward()
	}
	return settledTempIds
}

func (self *mutationSequence) snapshot() []*OptimisticEntry {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	out := make([]*OptimisticEntry, 0, len(self.items))
	for _, item := range self.items {
		entry := *item.entry
		if item.op.Patch != nil {
			patch := *item.op.Patch
			entry.Patch = &patch
		}
		out = append(out, &entry)
	}
	return out
}

func (self *mutationSequence) forward() {
	self.queue.forwardEntries(self.scope, self.snapshot())
}

func (self *mutationSequence) run() {
	defer self.cancel()

	settings := self.queue.settings
	for {
		if item := self.nextQueued(); item != nil {
			self.dispatch(item)
			continue
		}

		checkpointId := self.idleCondition.Checkpoint()
		select {
		case <-self.ctx.Done():
			return
		case <-self.update:
		case <-time.After(settings.SequenceIdleTimeout):
			// failed and still-visible entries keep the sequence alive;
			// they are never silently dropped
			if self.itemCount() == 0 && self.idleCondition.Close(checkpointId) {
				// close the sequence
				glog.V(2).Infof("[mut]%s idle close\n", self.scope)
				return
			}
			// else there are pending updates
		}
	}
}

// pops the oldest item awaiting dispatch
func (self *mutationSequence) nextQueued() *mutationItem {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, item := range self.items {
		if item.queued {
			item.queued = false
			return item
		}
	}
	return nil
}

func (self *mutationSequence) itemCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.items)
}

// applies one write. transient failures retry when connectivity returns;
// definite failures confine to the entry, never the scope.
func (self *mutationSequence) dispatch(item *mutationItem) {
	settings := self.queue.settings
	for {
		if !self.queue.connectivity.WaitOnline(self.ctx) {
			return
		}

		self.stateLock.Lock()
		discarded := item.discarded
		self.stateLock.Unlock()
		if discarded {
			return
		}

		ack, err := self.queue.remote.Write(self.ctx, self.scope, item.op, item.entry.TempId)

		self.stateLock.Lock()
		if item.discarded {
			// result ignored
			self.stateLock.Unlock()
			return
		}
		if err == nil {
			item.ack = ack
			item.entry.Status = OptimisticStatusConfirmed
			item.settleDeadline = time.Now().Add(settings.EchoTimeout)
			self.stateLock.Unlock()

			glog.V(2).Infof("[mut]%s-> %s confirmed as %s\n", self.scope, item.entry.TempId, ack.RecordId)
			self.forward()
			return
		}
		if ClassifyError(err) == ErrorClassTransient {
			self.stateLock.Unlock()
			glog.Infof("[mut]%s-> %s transient = %s\n", self.scope, item.entry.TempId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(settings.WriteRetryTimeout):
			}
			continue
		}
		item.entry.Status = OptimisticStatusFailed
		item.entry.Err = err
		self.stateLock.Unlock()

		glog.Infof("[mut]%s-> %s failed = %s\n", self.scope, item.entry.TempId, err)
		self.forward()
		return
	}
}

func (self *mutationSequence) close() {
	self.cancel()
}
