package syncview

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

func DefaultChangeSubscriberSettings() *ChangeSubscriberSettings {
	return &ChangeSubscriberSettings{
		FeedBatchSize: 20,
		// 0 lets the store apply its server default
		ConversationBatchSize: 0,
		ReopenTimeout:         1 * time.Second,
	}
}

type ChangeSubscriberSettings struct {
	FeedBatchSize         int
	ConversationBatchSize int
	// pause before reopening a feed after a transient delivery error
	ReopenTimeout time.Duration
}

// called on the subscriber goroutine for each filtered batch, in feed order
type BatchForwardFunction func(scope Scope, batch *ChangeBatch)

// terminal means the scope stays in error until the caller resolves it
type ErrorForwardFunction func(scope Scope, err error, terminal bool)

// opens exactly one live subscription per observed scope, filters incoming
// records through the visibility filter, and forwards batches with their
// provenance. server batches additionally overwrite the scope's cache entry.
type ChangeSubscriber struct {
	ctx          context.Context
	viewerId     Id
	remote       RemoteStore
	visibility   *VisibilityFilter
	cache        *RecordCache
	connectivity *ConnectivityMonitor

	settings *ChangeSubscriberSettings

	stateLock sync.Mutex
	// scope -> active subscription
	subscriptions map[Scope]*Subscription
}

func NewChangeSubscriber(
	ctx context.Context,
	viewerId Id,
	remote RemoteStore,
	visibility *VisibilityFilter,
	cache *RecordCache,
	connectivity *ConnectivityMonitor,
	settings *ChangeSubscriberSettings,
) *ChangeSubscriber {
	return &ChangeSubscriber{
		ctx:           ctx,
		viewerId:      viewerId,
		remote:        remote,
		visibility:    visibility,
		cache:         cache,
		connectivity:  connectivity,
		settings:      settings,
		subscriptions: map[Scope]*Subscription{},
	}
}

func (self *ChangeSubscriber) batchSize(scope Scope) int {
	if scope.IsFeed() {
		return self.settings.FeedBatchSize
	}
	return self.settings.ConversationBatchSize
}

// Open is idempotent: reopening a scope while a handle is active returns the
// existing handle.
func (self *ChangeSubscriber) Open(scope Scope, forwardBatch BatchForwardFunction, forwardError ErrorForwardFunction) *Subscription {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if subscription, ok := self.subscriptions[scope]; ok {
		return subscription
	}

	subscriptionCtx, subscriptionCancel := context.WithCancel(self.ctx)
	subscription := &Subscription{
		scope:  scope,
		ctx:    subscriptionCtx,
		cancel: subscriptionCancel,
	}
	self.subscriptions[scope] = subscription
	go func() {
		self.run(subscription, forwardBatch, forwardError)
		subscription.cancel()

		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		// clean up
		if subscription == self.subscriptions[scope] {
			delete(self.subscriptions, scope)
		}
	}()
	return subscription
}

func (self *ChangeSubscriber) Close(scope Scope) {
	self.stateLock.Lock()
	subscription, ok := self.subscriptions[scope]
	if ok {
		delete(self.subscriptions, scope)
	}
	self.stateLock.Unlock()

	if ok {
		subscription.cancel()
	}
}

func (self *ChangeSubscriber) run(subscription *Subscription, forwardBatch BatchForwardFunction, forwardError ErrorForwardFunction) {
	scope := subscription.scope
	for {
		if !self.connectivity.WaitOnline(subscription.ctx) {
			return
		}

		feed, err := self.remote.QueryChanges(subscription.ctx, scope, self.batchSize(scope))
		if err != nil {
			if !self.delivered(subscription, scope, err, forwardError) {
				return
			}
			continue
		}

		for batch := range feed.Batches() {
			// ttl-guarded, coalesced. usually a no-op
			self.visibility.RefreshAllowList(subscription.ctx, self.viewerId)

			filtered := &ChangeBatch{
				Records:    self.visibility.filterRecords(self.viewerId, batch.Records),
				Provenance: batch.Provenance,
			}
			glog.V(2).Infof("[sub]%s<- n=%d/%d %s\n", scope, len(filtered.Records), len(batch.Records), batch.Provenance)

			if batch.Provenance == ProvenanceFromServer {
				// never rewrite the cache from an already-cached view
				self.cache.Write(scope, filtered.Records)
			}
			forwardBatch(scope, filtered)
		}
		feed.Close()

		if err := feed.Err(); err != nil {
			if !self.delivered(subscription, scope, err, forwardError) {
				return
			}
			continue
		}

		// feed ended without error, e.g. store shutdown. reopen
		select {
		case <-subscription.ctx.Done():
			return
		case <-time.After(self.settings.ReopenTimeout):
		}
	}
}

// classifies a delivery error and forwards the signal.
// returns false when the subscription should stop.
func (self *ChangeSubscriber) delivered(subscription *Subscription, scope Scope, err error, forwardError ErrorForwardFunction) bool {
	select {
	case <-subscription.ctx.Done():
		return false
	default:
	}

	if !isRetryable(err) {
		glog.Infof("[sub]%s terminal error = %s\n", scope, err)
		forwardError(scope, err, true)
		return false
	}

	// degraded: the last good batch stays in effect, serving stale data
	glog.Infof("[sub]%s delivery error = %s\n", scope, err)
	forwardError(scope, err, false)

	select {
	case <-subscription.ctx.Done():
		return false
	case <-time.After(self.settings.ReopenTimeout):
		return true
	}
}

// a live subscription handle
type Subscription struct {
	scope  Scope
	ctx    context.Context
	cancel context.CancelFunc
}

func (self *Subscription) Scope() Scope {
	return self.scope
}

func (self *Subscription) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Subscription) Close() {
	self.cancel()
}
