package syncview

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

func DefaultVisibilityFilterSettings() *VisibilityFilterSettings {
	return &VisibilityFilterSettings{
		AllowListTtl: 10 * time.Minute,
	}
}

type VisibilityFilterSettings struct {
	// allow lists are refreshed on a ttl rather than per record,
	// to bound relationship query cost
	AllowListTtl time.Duration
}

type allowListSnapshot struct {
	allowedIds  map[Id]bool
	refreshTime time.Time
}

// computes, per viewer, which records are accessible.
// the allow list is the only cross-scope shared mutable state;
// it is read as a ttl-guarded snapshot, never as a live structure.
type VisibilityFilter struct {
	remote   RemoteStore
	settings *VisibilityFilterSettings

	stateLock sync.Mutex
	// viewer id -> snapshot
	viewerAllowLists map[Id]*allowListSnapshot
	// viewer id -> in-flight refresh. concurrent refreshes coalesce
	viewerRefreshes map[Id]*allowListRefresh
}

type allowListRefresh struct {
	done chan struct{}
	err  error
}

func NewVisibilityFilterWithDefaults(remote RemoteStore) *VisibilityFilter {
	return NewVisibilityFilter(remote, DefaultVisibilityFilterSettings())
}

func NewVisibilityFilter(remote RemoteStore, settings *VisibilityFilterSettings) *VisibilityFilter {
	return &VisibilityFilter{
		remote:           remote,
		settings:         settings,
		viewerAllowLists: map[Id]*allowListSnapshot{},
		viewerRefreshes:  map[Id]*allowListRefresh{},
	}
}

// the viewer always sees their own records. public records are visible to
// all. restricted records require the author in the viewer's allow list.
func (self *VisibilityFilter) IsVisible(viewerId Id, record *Record) bool {
	if record.AuthorId == viewerId {
		return true
	}
	switch record.Visibility {
	case VisibilityPublic:
		return true
	case VisibilityRestricted:
		return self.allowList(viewerId)[record.AuthorId]
	default:
		// owner only
		return false
	}
}

func (self *VisibilityFilter) allowList(viewerId Id) map[Id]bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	snapshot, ok := self.viewerAllowLists[viewerId]
	if !ok {
		return nil
	}
	return snapshot.allowedIds
}

// re-queries the relationship source unless the current snapshot is inside
// its ttl. at most one refresh is in flight per viewer; callers that arrive
// while one is running wait on it instead of starting another.
func (self *VisibilityFilter) RefreshAllowList(ctx context.Context, viewerId Id) error {
	self.stateLock.Lock()
	if snapshot, ok := self.viewerAllowLists[viewerId]; ok {
		if time.Since(snapshot.refreshTime) < self.settings.AllowListTtl {
			self.stateLock.Unlock()
			return nil
		}
	}
	if refresh, ok := self.viewerRefreshes[viewerId]; ok {
		self.stateLock.Unlock()
		select {
		case <-refresh.done:
			return refresh.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	refresh := &allowListRefresh{
		done: make(chan struct{}),
	}
	self.viewerRefreshes[viewerId] = refresh
	self.stateLock.Unlock()

	allowedIds, err := self.remote.LookupAllowList(ctx, viewerId)

	self.stateLock.Lock()
	delete(self.viewerRefreshes, viewerId)
	if err == nil {
		self.viewerAllowLists[viewerId] = &allowListSnapshot{
			allowedIds:  allowedIds,
			refreshTime: time.Now(),
		}
	}
	self.stateLock.Unlock()

	if err != nil {
		glog.Infof("[vis]allow list refresh error %s = %s\n", viewerId, err)
	} else {
		glog.V(2).Infof("[vis]allow list %s n=%d\n", viewerId, len(allowedIds))
	}
	refresh.err = err
	close(refresh.done)
	return err
}

// drops the snapshot so the next refresh requeries regardless of ttl
func (self *VisibilityFilter) InvalidateAllowList(viewerId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.viewerAllowLists, viewerId)
}

func (self *VisibilityFilter) filterRecords(viewerId Id, records []*Record) []*Record {
	out := make([]*Record, 0, len(records))
	for _, record := range records {
		if self.IsVisible(viewerId, record) {
			out = append(out, record)
		}
	}
	return out
}
