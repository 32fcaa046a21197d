package syncview

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

func DefaultSyncContextSettings() *SyncContextSettings {
	return &SyncContextSettings{
		Subscriber:    DefaultChangeSubscriberSettings(),
		MutationQueue: DefaultMutationQueueSettings(),
		Pager:         DefaultCursorPagerSettings(),
		Cache:         DefaultRecordCacheSettings(),
		Visibility:    DefaultVisibilityFilterSettings(),
	}
}

type SyncContextSettings struct {
	Subscriber    *ChangeSubscriberSettings
	MutationQueue *MutationQueueSettings
	Pager         *CursorPagerSettings
	Cache         *RecordCacheSettings
	Visibility    *VisibilityFilterSettings
}

// the synchronization context. created once at startup and passed by
// reference to consumers; there is no ambient singleton. Close tears down
// every observed scope. Per-scope in-memory state is discarded on teardown
// while cache entries persist for the next cold start.
type SyncContext struct {
	ctx    context.Context
	cancel context.CancelFunc

	viewerId Id
	remote   RemoteStore

	cache        *RecordCache
	visibility   *VisibilityFilter
	connectivity *ConnectivityMonitor
	subscriber   *ChangeSubscriber
	mutations    *MutationQueue
	pager        *CursorPager

	settings *SyncContextSettings

	stateLock sync.Mutex
	// scope -> observed view
	scopeViews map[Scope]*ScopeView
}

func NewSyncContextWithDefaults(ctx context.Context, viewerId Id, remote RemoteStore, local LocalStore) *SyncContext {
	return NewSyncContext(ctx, viewerId, remote, local, DefaultSyncContextSettings())
}

func NewSyncContext(ctx context.Context, viewerId Id, remote RemoteStore, local LocalStore, settings *SyncContextSettings) *SyncContext {
	cancelCtx, cancel := context.WithCancel(ctx)

	syncContext := &SyncContext{
		ctx:        cancelCtx,
		cancel:     cancel,
		viewerId:   viewerId,
		remote:     remote,
		settings:   settings,
		scopeViews: map[Scope]*ScopeView{},
	}
	syncContext.cache = NewRecordCache(viewerId, local, settings.Cache)
	syncContext.visibility = NewVisibilityFilter(remote, settings.Visibility)
	syncContext.connectivity = NewConnectivityMonitor()
	syncContext.subscriber = NewChangeSubscriber(
		cancelCtx,
		viewerId,
		remote,
		syncContext.visibility,
		syncContext.cache,
		syncContext.connectivity,
		settings.Subscriber,
	)
	syncContext.mutations = NewMutationQueue(
		cancelCtx,
		remote,
		syncContext.connectivity,
		syncContext.forwardEntries,
		settings.MutationQueue,
	)
	syncContext.pager = NewCursorPager(
		cancelCtx,
		viewerId,
		remote,
		syncContext.visibility,
		syncContext.forwardPage,
		syncContext.forwardError,
		settings.Pager,
	)
	return syncContext
}

func (self *SyncContext) ViewerId() Id {
	return self.viewerId
}

func (self *SyncContext) Connectivity() *ConnectivityMonitor {
	return self.connectivity
}

func (self *SyncContext) Visibility() *VisibilityFilter {
	return self.visibility
}

// Observe returns the reactive view of a scope, creating its subscription
// and cursor lazily on first observation. Each call must be balanced by one
// Close on the returned view.
func (self *SyncContext) Observe(scope Scope) *ScopeView {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	scopeView, ok := self.scopeViews[scope]
	if ok {
		scopeView.addRef()
		return scopeView
	}

	scopeView = newScopeView(self, scope)
	self.scopeViews[scope] = scopeView
	scopeView.start()
	return scopeView
}

func (self *SyncContext) scopeView(scope Scope) *ScopeView {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.scopeViews[scope]
}

// drop the scope when its last observer closes
func (self *SyncContext) releaseScopeView(scopeView *ScopeView) {
	self.stateLock.Lock()
	if self.scopeViews[scopeView.scope] == scopeView {
		delete(self.scopeViews, scopeView.scope)
	}
	self.stateLock.Unlock()

	self.subscriber.Close(scopeView.scope)
	scopeView.cancel()
}

// Submit registers an optimistic entry for the scope and returns the temp id
// the consumer can use to track it.
func (self *SyncContext) Submit(scope Scope, payload Payload) Id {
	return self.mutations.Submit(scope, payload)
}

// SubmitPatch optimistically toggles a reaction on an existing record.
func (self *SyncContext) SubmitPatch(scope Scope, patch RecordPatch) Id {
	return self.mutations.SubmitPatch(scope, patch)
}

func (self *SyncContext) Retry(tempId Id) bool {
	return self.mutations.Retry(tempId)
}

func (self *SyncContext) Discard(tempId Id) bool {
	return self.mutations.Discard(tempId)
}

func (self *SyncContext) LoadMore(scope Scope) {
	self.pager.LoadMore(scope)
}

// Refresh resets the scope's cursor and reopens its change subscription.
// The current merged content stays in place until new data arrives.
func (self *SyncContext) Refresh(scope Scope) {
	self.pager.Refresh(scope)

	scopeView := self.scopeView(scope)
	if scopeView == nil {
		return
	}
	self.subscriber.Close(scope)
	scopeView.resetPages()
	self.subscriber.Open(scope, self.forwardBatch, self.forwardError)
}

func (self *SyncContext) Close() {
	self.stateLock.Lock()
	scopeViews := make([]*ScopeView, 0, len(self.scopeViews))
	for _, scopeView := range self.scopeViews {
		scopeViews = append(scopeViews, scopeView)
	}
	self.scopeViews = map[Scope]*ScopeView{}
	self.stateLock.Unlock()

	for _, scopeView := range scopeViews {
		self.subscriber.Close(scopeView.scope)
		scopeView.cancel()
	}
	self.mutations.Close()
	self.cancel()
}

// routing from the components into the per-scope dispatchers.
// deliveries for unobserved scopes are discarded.

func (self *SyncContext) forwardBatch(scope Scope, batch *ChangeBatch) {
	if scopeView := self.scopeView(scope); scopeView != nil {
		scopeView.deliverBatch(batch)
	}
}

func (self *SyncContext) forwardError(scope Scope, err error, terminal bool) {
	if scopeView := self.scopeView(scope); scopeView != nil {
		scopeView.deliverError(err, terminal)
	}
}

func (self *SyncContext) forwardEntries(scope Scope, entries []*OptimisticEntry) {
	if scopeView := self.scopeView(scope); scopeView != nil {
		scopeView.deliverEntries(entries)
	}
}

func (self *SyncContext) forwardPage(scope Scope, page *Page, hasMore bool) {
	if scopeView := self.scopeView(scope); scopeView != nil {
		scopeView.deliverPage(page, hasMore)
	}
}

// the view state pushed to consumers. Entries is the single ordered,
// duplicate-free sequence for the scope.
type ViewState struct {
	Entries []*ViewEntry
	// true until the first live batch or terminal error
	IsLoading bool
	// attaches to the view rather than crossing the consumer boundary.
	// the last good content stays renderable alongside it
	Error      error
	ErrorClass ErrorClass
	// serving stale data
	IsFromCache bool
	HasMore     bool
	// whether a remote participant is typing in this scope
	Typing bool
}

type ViewStateFunction func(state ViewState)

// the reactive view of one scope. all updates are serialized through the
// scope's dispatcher goroutine, so callbacks never run concurrently for one
// scope.
type ScopeView struct {
	syncContext *SyncContext
	scope       Scope

	ctx       context.Context
	cancelCtx context.CancelFunc

	// coalescing dispatcher wakeup
	update chan struct{}

	stateLock sync.Mutex
	refs      int

	// latest change-stream batch, replaced per delivery
	streamRecords []*Record
	// cumulative paged history, deduplicated on append
	pageRecords []*Record
	// cold-start snapshot, used only until the first stream batch
	cacheRecords []*Record
	sawBatch     bool
	sawServer    bool
	degraded     bool
	hasMore      bool
	viewErr      error
	viewErrClass ErrorClass
	terminal     bool
	optimistic   []*OptimisticEntry
	typing       *typingState

	state ViewState

	stateCallbacks *CallbackList[ViewStateFunction]
	monitor        *Monitor
}

func newScopeView(syncContext *SyncContext, scope Scope) *ScopeView {
	ctx, cancelCtx := context.WithCancel(syncContext.ctx)
	return &ScopeView{
		syncContext: syncContext,
		scope:       scope,
		ctx:         ctx,
		cancelCtx:   cancelCtx,
		update:      make(chan struct{}, 1),
		refs:        1,
		hasMore:     true,
		typing:      newTypingState(),
		state: ViewState{
			Entries:   []*ViewEntry{},
			IsLoading: true,
			HasMore:   true,
		},
		stateCallbacks: NewCallbackList[ViewStateFunction](),
		monitor:        NewMonitor(),
	}
}

func (self *ScopeView) start() {
	// instant cold-start snapshot, before any network round trip. the
	// snapshot passes the visibility filter on every recomputation, so a
	// record cached in a prior session never outlives the viewer's
	// current allow list
	cacheRecords := self.syncContext.cache.Read(self.scope)
	self.stateLock.Lock()
	self.cacheRecords = cacheRecords
	self.stateLock.Unlock()

	go func() {
		// bring the allow list current for the cached render. best effort,
		// offline keeps the conservative empty list
		self.syncContext.visibility.RefreshAllowList(self.ctx, self.syncContext.viewerId)
		self.poke()
	}()

	self.syncContext.subscriber.Open(
		self.scope,
		self.syncContext.forwardBatch,
		self.syncContext.forwardError,
	)
	go self.run()
	self.poke()
}

func (self *ScopeView) Scope() Scope {
	return self.scope
}

func (self *ScopeView) addRef() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.refs += 1
}

// Close releases one observation. When no observer remains the subscription
// is canceled and in-flight results for the scope are discarded.
func (self *ScopeView) Close() {
	self.stateLock.Lock()
	self.refs -= 1
	done := self.refs <= 0
	self.stateLock.Unlock()

	if done {
		self.typing.stop()
		self.syncContext.releaseScopeView(self)
	}
}

func (self *ScopeView) cancel() {
	self.cancelCtx()
}

// State returns the latest published view state.
func (self *ScopeView) State() ViewState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.state
}

// AddStateCallback registers a callback invoked on the scope dispatcher for
// each recomputation. The returned function removes it.
func (self *ScopeView) AddStateCallback(stateCallback ViewStateFunction) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

// NotifyChannel closes on the next state change. Re-acquire after each use.
func (self *ScopeView) NotifyChannel() <-chan struct{} {
	return self.monitor.NotifyChannel()
}

func (self *ScopeView) poke() {
	select {
	case self.update <- struct{}{}:
	default:
		// an update is already queued
	}
}

func (self *ScopeView) deliverBatch(batch *ChangeBatch) {
	self.stateLock.Lock()
	self.streamRecords = batch.Records
	self.sawBatch = true
	if batch.Provenance == ProvenanceFromServer {
		self.sawServer = true
		self.degraded = false
		if !self.terminal {
			self.viewErr = nil
			self.viewErrClass = ""
		}
	}
	self.stateLock.Unlock()

	if batch.Provenance == ProvenanceFromServer {
		// settle optimistic entries against their echoes in the same update
		self.syncContext.mutations.ObserveServerRecords(self.scope, batch.Records)
	}
	self.poke()
}

func (self *ScopeView) deliverEntries(entries []*OptimisticEntry) {
	self.stateLock.Lock()
	self.optimistic = entries
	self.stateLock.Unlock()
	self.poke()
}

func (self *ScopeView) deliverPage(page *Page, hasMore bool) {
	self.stateLock.Lock()
	self.pageRecords = dedupAppend(self.pageRecords, page.Records)
	self.hasMore = hasMore
	if page.Provenance == ProvenanceFromCache {
		self.degraded = true
	}
	self.stateLock.Unlock()
	self.poke()
}

func (self *ScopeView) deliverError(err error, terminal bool) {
	self.stateLock.Lock()
	self.viewErr = err
	self.viewErrClass = ClassifyError(err)
	if terminal {
		self.terminal = true
	} else {
		// keep serving the last good view, marked stale
		self.degraded = true
	}
	self.stateLock.Unlock()
	self.poke()
}

func (self *ScopeView) deliverTyping() {
	self.poke()
}

func (self *ScopeView) resetPages() {
	self.stateLock.Lock()
	self.pageRecords = nil
	self.hasMore = true
	self.stateLock.Unlock()
	self.poke()
}

func (self *ScopeView) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.update:
		}

		state := self.recompute()
		for _, stateCallback := range self.stateCallbacks.Get() {
			stateCallback(state)
		}
		self.monitor.NotifyAll()
	}
}

// the cache snapshot feeds the merge only until the first stream batch
// arrives, refiltered against the current allow list on every pass.
func (self *ScopeView) recompute() ViewState {
	self.stateLock.Lock()
	var confirmed []*Record
	if self.sawBatch {
		confirmed = slices.Clone(self.streamRecords)
	} else {
		confirmed = self.syncContext.visibility.filterRecords(self.syncContext.viewerId, self.cacheRecords)
	}
	confirmed = dedupAppend(confirmed, self.pageRecords)

	rows := make([]*OptimisticEntry, 0, len(self.optimistic))
	patches := []*RecordPatch{}
	for _, entry := range self.optimistic {
		if entry.IsPatch() {
			if entry.Status != OptimisticStatusFailed {
				patches = append(patches, entry.Patch)
			}
			continue
		}
		rows = append(rows, entry)
	}

	state := ViewState{
		Entries:     MergeRecords(confirmed, rows, patches),
		IsLoading:   !self.sawBatch && !self.terminal,
		Error:       self.viewErr,
		ErrorClass:  self.viewErrClass,
		IsFromCache: !self.sawServer || self.degraded,
		HasMore:     self.hasMore,
		Typing:      self.typing.active(),
	}
	self.state = state
	self.stateLock.Unlock()

	glog.V(2).Infof("[view]%s n=%d loading=%t stale=%t\n", self.scope, len(state.Entries), state.IsLoading, state.IsFromCache)
	return state
}
