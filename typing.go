package syncview

import (
	"sync"
	"time"
)

// typing announcements clear themselves after this long without renewal
const DefaultTypingTtl = 6 * time.Second

// per-scope typing/presence signal. the timer handle is owned here and
// stopped on scope teardown, never left to run ambiently.
type typingState struct {
	stateLock sync.Mutex
	isActive  bool
	timer     *time.Timer
	stopped   bool
}

func newTypingState() *typingState {
	return &typingState{}
}

func (self *typingState) set(active bool, ttl time.Duration, expired func()) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.stopped {
		return
	}
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
	self.isActive = active
	if active {
		self.timer = time.AfterFunc(ttl, func() {
			self.stateLock.Lock()
			self.isActive = false
			self.timer = nil
			stopped := self.stopped
			self.stateLock.Unlock()
			if !stopped {
				expired()
			}
		})
	}
}

func (self *typingState) active() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.isActive
}

func (self *typingState) stop() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.stopped = true
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
	self.isActive = false
}

// SetTyping marks a remote participant as typing in this scope. The signal
// expires on its own after DefaultTypingTtl unless renewed.
func (self *ScopeView) SetTyping(active bool) {
	self.typing.set(active, DefaultTypingTtl, self.deliverTyping)
	self.poke()
}
