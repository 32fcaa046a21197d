package syncview

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

func DefaultCursorPagerSettings() *CursorPagerSettings {
	return &CursorPagerSettings{
		PageSize: 20,
	}
}

type CursorPagerSettings struct {
	PageSize int
}

// hasMore is false once the scope's history is exhausted
type PageForwardFunction func(scope Scope, page *Page, hasMore bool)

type cursorState struct {
	// id + created time of the oldest record fetched so far
	lastSeen  *CursorPosition
	exhausted bool
	inFlight  bool
}

// tracks one forward-only pagination cursor per scope.
// loads prefer the network and fall back to a cache-only query on transient
// failure, with fallback pages tagged with cache provenance.
type CursorPager struct {
	ctx        context.Context
	viewerId   Id
	remote     RemoteStore
	visibility *VisibilityFilter
	settings   *CursorPagerSettings

	forwardPage  PageForwardFunction
	forwardError ErrorForwardFunction

	stateLock sync.Mutex
	// scope -> cursor
	cursors map[Scope]*cursorState
}

func NewCursorPager(
	ctx context.Context,
	viewerId Id,
	remote RemoteStore,
	visibility *VisibilityFilter,
	forwardPage PageForwardFunction,
	forwardError ErrorForwardFunction,
	settings *CursorPagerSettings,
) *CursorPager {
	return &CursorPager{
		ctx:          ctx,
		viewerId:     viewerId,
		remote:       remote,
		visibility:   visibility,
		settings:     settings,
		forwardPage:  forwardPage,
		forwardError: forwardError,
		cursors:      map[Scope]*cursorState{},
	}
}

func (self *CursorPager) cursor(scope Scope) *cursorState {
	// must be called with stateLock held
	cursor, ok := self.cursors[scope]
	if !ok {
		cursor = &cursorState{}
		self.cursors[scope] = cursor
	}
	return cursor
}

// LoadMore requests the next page strictly after the cursor.
// No-op while a load is in flight or after exhaustion.
func (self *CursorPager) LoadMore(scope Scope) {
	self.stateLock.Lock()
	cursor := self.cursor(scope)
	if cursor.inFlight || cursor.exhausted {
		self.stateLock.Unlock()
		return
	}
	cursor.inFlight = true
	after := cursor.lastSeen
	self.stateLock.Unlock()

	go self.load(scope, after)
}

func (self *CursorPager) load(scope Scope, after *CursorPosition) {
	pageSize := self.settings.PageSize

	page, err := self.remote.QueryPage(self.ctx, scope, after, pageSize, QuerySourceNetwork)
	if err != nil && ClassifyError(err) == ErrorClassTransient {
		// cache-only fallback, tagged with its provenance
		glog.Infof("[page]%s network error, cache fallback = %s\n", scope, err)
		page, err = self.remote.QueryPage(self.ctx, scope, after, pageSize, QuerySourceCache)
		if page != nil {
			page.Provenance = ProvenanceFromCache
		}
	}

	self.stateLock.Lock()
	cursor := self.cursor(scope)
	cursor.inFlight = false
	if err != nil {
		self.stateLock.Unlock()
		glog.Infof("[page]%s load error = %s\n", scope, err)
		self.forwardError(scope, err, !isRetryable(err))
		return
	}

	// the cursor advances monotonically to the oldest record of the page
	if 0 < len(page.Records) {
		last := page.Records[len(page.Records)-1]
		cursor.lastSeen = &CursorPosition{
			RecordId:  last.Id,
			CreatedAt: last.CreatedAt,
		}
	}
	if len(page.Records) < pageSize {
		cursor.exhausted = true
	}
	hasMore := !cursor.exhausted
	self.stateLock.Unlock()

	filtered := &Page{
		Records:    self.visibility.filterRecords(self.viewerId, page.Records),
		Provenance: page.Provenance,
	}
	glog.V(2).Infof("[page]%s<- n=%d/%d %s hasMore=%t\n", scope, len(filtered.Records), len(page.Records), page.Provenance, hasMore)
	self.forwardPage(scope, filtered, hasMore)
}

// Refresh resets the scope's cursor and exhaustion.
func (self *CursorPager) Refresh(scope Scope) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.cursors, scope)
}

func (self *CursorPager) Exhausted(scope Scope) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	cursor, ok := self.cursors[scope]
	if !ok {
		return false
	}
	return cursor.exhausted
}
