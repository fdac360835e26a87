package stream

import (
	"io"
	"sync"
)

const readChunkSize = 32 * 1024

// Consumer is one attached receiver of a stream's transcoded output.
// Read from Chunks until it is closed, then check Err for the reason.
type Consumer struct {
	ch chan []byte

	mu      sync.Mutex
	err     error
	closed  bool
	dropped int
}

func newConsumer(buf int) *Consumer {
	if buf <= 0 {
		buf = 1
	}
	return &Consumer{ch: make(chan []byte, buf)}
}

// Chunks delivers transcoded output. The channel is closed when the
// consumer is detached or the source ends.
func (c *Consumer) Chunks() <-chan []byte { return c.ch }

// Err reports why the consumer was closed. Nil means a normal detach.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Dropped returns the number of chunks discarded because this consumer
// fell behind its buffer.
func (c *Consumer) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *Consumer) close(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	c.mu.Unlock()
	close(c.ch)
}

func (c *Consumer) noteDrop() {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
}

// Relay pumps one process output stream to every attached consumer. Each
// consumer has a bounded chunk buffer; when a consumer falls behind, its
// oldest buffered chunk is dropped so the read loop and the other
// consumers never stall (live-stream semantics, no replay for late
// joiners).
type Relay struct {
	mu        sync.Mutex
	consumers map[*Consumer]struct{}
	bufSize   int
	closed    bool
	err       error

	// onFirstData fires once, on the first bytes read from the source.
	onFirstData func()
	// onEmpty fires whenever the consumer set becomes empty.
	onEmpty func()
}

// NewRelay returns a relay whose consumers buffer up to bufSize chunks.
func NewRelay(bufSize int) *Relay {
	return &Relay{
		consumers: make(map[*Consumer]struct{}),
		bufSize:   bufSize,
	}
}

// Attach registers a new consumer. A consumer attached after the source
// has ended is returned already closed with the relay's error.
func (r *Relay) Attach() *Consumer {
	c := newConsumer(r.bufSize)
	r.mu.Lock()
	if r.closed {
		err := r.err
		r.mu.Unlock()
		c.close(err)
		return c
	}
	r.consumers[c] = struct{}{}
	r.mu.Unlock()
	return c
}

// Detach removes a consumer without disturbing the source or the other
// consumers. Detaching an unknown or already-closed consumer is a no-op.
func (r *Relay) Detach(c *Consumer) {
	r.mu.Lock()
	if _, ok := r.consumers[c]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.consumers, c)
	c.close(nil)
	empty := len(r.consumers) == 0 && !r.closed
	cb := r.onEmpty
	r.mu.Unlock()

	if empty && cb != nil {
		cb()
	}
}

// Len returns the number of attached consumers.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.consumers)
}

// Run reads from src until EOF or error, broadcasting to all consumers.
// It is the only reader of src and runs in its own goroutine for the
// lifetime of the process.
func (r *Relay) Run(src io.Reader) {
	buf := make([]byte, readChunkSize)
	first := true
	for {
		n, err := src.Read(buf)
		if n > 0 {
			// Readiness fires before delivery, so no consumer ever sees
			// data from a handle that is still Starting.
			if first {
				first = false
				if r.onFirstData != nil {
					r.onFirstData()
				}
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			r.broadcast(chunk)
		}
		if err != nil {
			if err == io.EOF {
				err = ErrProcessExited
			}
			r.CloseWithError(err)
			return
		}
	}
}

// CloseWithError closes every attached consumer with the given error and
// rejects future attaches. Idempotent; the first error wins.
func (r *Relay) CloseWithError(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.err = err
	for c := range r.consumers {
		delete(r.consumers, c)
		c.close(err)
	}
	r.mu.Unlock()
}

func (r *Relay) broadcast(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.consumers {
		select {
		case c.ch <- chunk:
			continue
		default:
		}
		// Buffer full: drop the oldest chunk and retry once, never
		// blocking. If a concurrent read refills the freed slot before
		// the retry, the new chunk is the one lost instead; either way
		// the loss is counted.
		select {
		case <-c.ch:
			c.noteDrop()
		default:
		}
		select {
		case c.ch <- chunk:
		default:
			c.noteDrop()
		}
	}
}
