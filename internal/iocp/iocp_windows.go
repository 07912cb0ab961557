//go:build windows
// +build windows

// File: internal/iocp/iocp_windows.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Process-wide I/O completion port dispatcher. Socket backends subscribe
// their handle, receive a completion key, and get every finished overlapped
// operation delivered through Callback.OnCompletion.

package iocp

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"
)

// Callback receives completions for one subscribed handle.
//
// qty is the byte count reported by the kernel, ov the overlapped record of
// the finished operation (nil for a wake posted without one), and err the
// operation's failure, if any. Deliveries for a single subscriber are
// serialized: the dispatcher runs one delivery goroutine, so a callback
// never races another callback for the same handle, only foreground calls.
type Callback interface {
	OnCompletion(qty uint32, ov *windows.Overlapped, err error)
}

// Dispatcher wraps one completion port shared by every socket in the
// process.
type Dispatcher struct {
	port windows.Handle
	subs sync.Map // completion key -> Callback
	keys atomic.Uintptr
}

var (
	once     sync.Once
	instance *Dispatcher
)

// Get returns the process-wide dispatcher, creating it on first use.
func Get() *Dispatcher {
	once.Do(func() {
		port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
		if err != nil {
			logrus.WithError(err).Fatal("iocp: failed to create completion port")
		}
		instance = &Dispatcher{port: port}
		go instance.run()
	})
	return instance
}

// Subscribe associates h with the completion port and returns the key under
// which completions for h will be delivered to cb.
func (d *Dispatcher) Subscribe(h windows.Handle, cb Callback) (uintptr, error) {
	key := d.keys.Add(1)
	d.subs.Store(key, cb)
	if _, err := windows.CreateIoCompletionPort(h, d.port, key, 0); err != nil {
		d.subs.Delete(key)
		return 0, fmt.Errorf("iocp: associate handle: %w", err)
	}
	return key, nil
}

// Unsubscribe drops the subscription. Outstanding completions already
// queued for the key are discarded on delivery.
func (d *Dispatcher) Unsubscribe(key uintptr) {
	d.subs.Delete(key)
}

// Post enqueues a synthetic zero-byte completion for the key. ov may be
// nil; the subscriber distinguishes synthetic wakes by it.
func (d *Dispatcher) Post(key uintptr, ov *windows.Overlapped) error {
	if err := windows.PostQueuedCompletionStatus(d.port, 0, key, ov); err != nil {
		return fmt.Errorf("iocp: post completion: %w", err)
	}
	return nil
}

// run delivers completions until the port is torn down with the process.
// A single goroutine keeps per-subscriber deliveries serialized.
func (d *Dispatcher) run() {
	for {
		var qty uint32
		var key uintptr
		var ov *windows.Overlapped
		err := windows.GetQueuedCompletionStatus(d.port, &qty, &key, &ov, windows.INFINITE)
		if ov == nil && key == 0 {
			if err != nil {
				// Port-level failure: the port was closed or the wait
				// itself broke. Nothing left to deliver.
				logrus.WithError(err).Debug("iocp: dispatcher exiting")
				return
			}
			continue
		}
		val, ok := d.subs.Load(key)
		if !ok {
			continue
		}
		val.(Callback).OnCompletion(qty, ov, err)
	}
}
