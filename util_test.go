package syncview

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func(int)]()

	counts := map[string]int{}
	var countsLock sync.Mutex
	count := func(key string) func(int) {
		return func(int) {
			countsLock.Lock()
			defer countsLock.Unlock()
			counts[key] += 1
		}
	}

	callbackIdA := callbacks.Add(count("a"))
	callbacks.Add(count("b"))

	for _, callback := range callbacks.Get() {
		callback(0)
	}
	assert.Equal(t, 1, counts["a"])
	assert.Equal(t, 1, counts["b"])

	callbacks.Remove(callbackIdA)
	for _, callback := range callbacks.Get() {
		callback(0)
	}
	assert.Equal(t, 1, counts["a"])
	assert.Equal(t, 2, counts["b"])

	// removing twice is a no-op
	callbacks.Remove(callbackIdA)
	assert.Equal(t, 1, len(callbacks.Get()))
}

func TestMonitorNotify(t *testing.T) {
	monitor := NewMonitor()

	notify := monitor.NotifyChannel()
	select {
	case <-notify:
		t.Fatal("No notify expected yet")
	default:
	}

	monitor.NotifyAll()
	select {
	case <-notify:
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for notify")
	}

	// each notify channel fires once
	next := monitor.NotifyChannel()
	select {
	case <-next:
		t.Fatal("No notify expected on the fresh channel")
	default:
	}
}

func TestConnectivityWaitOnline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connectivity := NewConnectivityMonitor()
	assert.Equal(t, true, connectivity.Online())
	assert.Equal(t, true, connectivity.WaitOnline(ctx))

	connectivity.SetOnline(false)
	assert.Equal(t, false, connectivity.Online())

	online := make(chan bool)
	go func() {
		online <- connectivity.WaitOnline(ctx)
	}()

	select {
	case <-online:
		t.Fatal("WaitOnline returned while offline")
	case <-time.After(100 * time.Millisecond):
	}

	connectivity.SetOnline(true)
	select {
	case result := <-online:
		assert.Equal(t, true, result)
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for online")
	}
}

func TestConnectivityWaitCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	connectivity := NewConnectivityMonitor()
	connectivity.SetOnline(false)

	online := make(chan bool)
	go func() {
		online <- connectivity.WaitOnline(ctx)
	}()

	cancel()
	select {
	case result := <-online:
		assert.Equal(t, false, result)
	case <-time.After(5 * time.Second):
		t.Fatal("Timeout waiting for cancel")
	}
}

func TestIdleCondition(t *testing.T) {
	idleCondition := NewIdleCondition()

	// an open update blocks the close
	checkpointId := idleCondition.Checkpoint()
	assert.Equal(t, true, idleCondition.UpdateOpen())
	assert.Equal(t, false, idleCondition.Close(checkpointId))
	idleCondition.UpdateClose()

	// updates between checkpoints block the close
	checkpointId = idleCondition.Checkpoint()
	assert.Equal(t, true, idleCondition.UpdateOpen())
	idleCondition.UpdateClose()
	assert.Equal(t, false, idleCondition.Close(checkpointId))

	// quiet since the checkpoint closes
	checkpointId = idleCondition.Checkpoint()
	assert.Equal(t, true, idleCondition.Close(checkpointId))

	// closed condition rejects new updates
	assert.Equal(t, false, idleCondition.UpdateOpen())
}
