package connector

import (
	"errors"
	"net"
	"time"

	"github.com/coredrift/pgcore/protocol"
)

// notificationListener polls the transport for server-pushed bytes between
// user requests and dispatches them as side effects, per spec.md §5's
// asynchronous notification listener description.
//
// The spec describes a zero-length read posted against the raw stream to
// detect available bytes without consuming them, gated by a per-connector
// semaphore. Go's net.Conn has no portable zero-length-read-for-
// availability primitive (a zero-byte Read returns immediately without
// indicating anything), so this listener instead polls with a short read
// deadline and a full message decode under the same semaphore
// NotificationBlock uses — functionally equivalent (side-effect messages
// get dispatched promptly without stalling a concurrent request) but
// polling rather than edge-triggered.
type notificationListener struct {
	c        *Connector
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

func (c *Connector) startNotificationListener() {
	l := &notificationListener{
		c:        c,
		interval: 50 * time.Millisecond,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.listener = l
	go l.run()
}

func (c *Connector) stopNotificationListener() {
	if c.listener == nil {
		return
	}
	close(c.listener.stop)
	<-c.listener.done
	c.listener = nil
}

func (l *notificationListener) run() {
	defer close(l.done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if !l.poll() {
				return
			}
		}
	}
}

// poll acquires the notification semaphore, drains whatever messages are
// immediately available, and releases. It returns false if the connector
// broke while polling, so run() can stop.
func (l *notificationListener) poll() bool {
	c := l.c

	c.notifyDepthMu.Lock()
	if c.notifyDepth > 0 {
		// A NotificationBlock is held by a foreground operation; back off
		// this tick rather than blocking the listener goroutine on the
		// semaphore.
		c.notifyDepthMu.Unlock()
		return true
	}
	c.notifyDepthMu.Unlock()

	if !c.notifySem.TryLock() {
		return true
	}
	defer c.notifySem.Unlock()

	if c.state == Closed || c.state == Broken || c.transportConn == nil {
		return false
	}

	return c.drainAvailableAsync()
}

// drainAvailableAsync decodes and dispatches messages for as long as the
// stream has bytes ready within a short deadline, per the Open Question
// resolution in spec.md §9 ("the listener loop only dispatches side-effect
// messages ... and raises a protocol error if a synchronous message
// arrives unexpectedly"). Caller must already hold notifySem.
func (c *Connector) drainAvailableAsync() bool {
	_ = c.transportConn.SetReadDeadline(time.Now().Add(2 * time.Millisecond))
	defer c.transportConn.SetReadDeadline(time.Time{})

	for {
		msg, err := c.dec.Decode()
		if err != nil {
			if isTimeoutError(err) {
				return true
			}
			c.transition(Broken)
			return false
		}

		switch m := msg.(type) {
		case *protocol.ParameterStatus:
			c.applyParameterStatus(m)
		case *protocol.NoticeResponse, *protocol.NotificationResponse:
			c.dispatchAsync(msg)
		default:
			// A synchronous message arriving while no foreground operation
			// holds the semaphore means something desynced the stream.
			c.transition(Broken)
			return false
		}

		_ = c.transportConn.SetReadDeadline(time.Now().Add(2 * time.Millisecond))
	}
}

func isTimeoutError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// NotificationBlock is a reentrant scope (via a depth counter) that holds
// the notification semaphore for the duration of a foreground request,
// preventing the listener from interleaving reads with it. Acquire via
// Connector.AcquireNotificationBlock; always Release.
type NotificationBlock struct {
	c *Connector
}

// AcquireNotificationBlock acquires the notification semaphore if not
// already held by an outer scope on this goroutine's call chain,
// incrementing the reentrancy depth either way (spec.md §5).
func (c *Connector) AcquireNotificationBlock() *NotificationBlock {
	c.notifyDepthMu.Lock()
	if c.notifyDepth == 0 {
		c.notifyDepthMu.Unlock()
		c.notifySem.Lock()
		c.notifyDepthMu.Lock()
	}
	c.notifyDepth++
	c.notifyDepthMu.Unlock()
	return &NotificationBlock{c: c}
}

// Release decrements the reentrancy depth, and on reaching zero drains any
// bytes still buffered on the stream before releasing the semaphore so no
// async message is stranded (spec.md §5).
func (b *NotificationBlock) Release() {
	c := b.c
	c.notifyDepthMu.Lock()
	c.notifyDepth--
	reachedZero := c.notifyDepth == 0
	c.notifyDepthMu.Unlock()

	if reachedZero {
		if c.transportConn != nil && c.state != Closed && c.state != Broken {
			c.drainAvailableAsync()
		}
		c.notifySem.Unlock()
	}
}
