package syncview

import (
	"context"
	"sync"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update, so Get can be iterated without the lock
type CallbackList[T any] struct {
	stateLock      sync.Mutex
	nextCallbackId int
	callbackIds    []int
	callbacks      []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		nextCallbackId: 0,
		callbackIds:    []int{},
		callbacks:      []T{},
	}
}

func (self *CallbackList[T]) Add(callback T) int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbackIds = append(slices.Clone(self.callbackIds), callbackId)
	self.callbacks = append(slices.Clone(self.callbacks), callback)
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	self.callbackIds = slices.Delete(slices.Clone(self.callbackIds), i, i+1)
	self.callbacks = slices.Delete(slices.Clone(self.callbacks), i, i+1)
}

func (self *CallbackList[T]) Get() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.callbacks
}

func (self *CallbackList[T]) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.callbacks)
}

// broadcast edge. the notify channel is closed and replaced on each event.
type Monitor struct {
	stateLock sync.Mutex
	update    chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() <-chan struct{} {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.update
}

func (self *Monitor) NotifyAll() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	close(self.update)
	self.update = make(chan struct{})
}

// connectivity signal shared by the subscriber retry loops
type ConnectivityMonitor struct {
	stateLock sync.Mutex
	online    bool
	monitor   *Monitor
}

func NewConnectivityMonitor() *ConnectivityMonitor {
	return &ConnectivityMonitor{
		online:  true,
		monitor: NewMonitor(),
	}
}

func (self *ConnectivityMonitor) Online() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.online
}

func (self *ConnectivityMonitor) SetOnline(online bool) {
	self.stateLock.Lock()
	changed := self.online != online
	self.online = online
	self.stateLock.Unlock()

	if changed {
		self.monitor.NotifyAll()
	}
}

// blocks until online or the context ends. returns false on context end.
func (self *ConnectivityMonitor) WaitOnline(ctx context.Context) bool {
	for {
		self.stateLock.Lock()
		online := self.online
		notify := self.monitor.NotifyChannel()
		self.stateLock.Unlock()

		if online {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-notify:
		}
	}
}

// sequences close after a time with no messages.
// this coordinates the idle shutdown with adding messages to the sequence channels.
type IdleCondition struct {
	stateLock       sync.Mutex
	modId           int
	updateOpenCount int
	closed          bool
}

func NewIdleCondition() *IdleCondition {
	return &IdleCondition{
		modId:           0,
		updateOpenCount: 0,
		closed:          false,
	}
}

func (self *IdleCondition) Checkpoint() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.modId
}

func (self *IdleCondition) Close(checkpointId int) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.modId != checkpointId {
		return false
	}
	if 0 < self.updateOpenCount {
		return false
	}
	self.closed = true
	return true
}

func (self *IdleCondition) UpdateOpen() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return false
	}
	self.modId += 1
	self.updateOpenCount += 1
	return true
}

func (self *IdleCondition) UpdateClose() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.updateOpenCount -= 1
}
