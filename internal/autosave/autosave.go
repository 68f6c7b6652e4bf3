// Package autosave debounces form snapshots into persistence calls.
//
// Every edit resets a quiescence timer. When the timer elapses the pending
// snapshot is serialized and compared with the last successfully persisted
// serialization; identical snapshots are not sent. Cancel drops a pending
// edit without persisting it: an unsaved edit inside the window is lost when
// the owning form is torn down. Call Flush first to keep it instead.
package autosave

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// DefaultWindow is the quiescence period used when none is configured.
const DefaultWindow = 1500 * time.Millisecond

// ErrClosed is returned for edits after Cancel.
var ErrClosed = errors.New("autosave: coordinator closed")

// PersistFunc stores one canonical snapshot.
type PersistFunc func(ctx context.Context, payload []byte) error

type Option func(*Coordinator)

// WithErrorHandler receives persistence failures from timer-driven saves.
func WithErrorHandler(fn func(error)) Option {
	return func(c *Coordinator) { c.onError = fn }
}

// WithContext sets the context passed to persist calls.
func WithContext(ctx context.Context) Option {
	return func(c *Coordinator) { c.ctx = ctx }
}

// Coordinator owns the debounce timer for one form.
type Coordinator struct {
	window  time.Duration
	persist PersistFunc
	onError func(error)
	ctx     context.Context

	mu        sync.Mutex
	timer     *time.Timer
	gen       uint64
	pending   []byte
	lastSaved []byte
	closed    bool
	saves     int

	// serializes persist calls so comparisons see the latest saved marker
	saveMu sync.Mutex
}

func New(window time.Duration, persist PersistFunc, opts ...Option) *Coordinator {
	if window <= 0 {
		window = DefaultWindow
	}
	c := &Coordinator{window: window, persist: persist, ctx: context.Background()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Canonical returns the serialization used for change detection.
func Canonical(snapshot any) ([]byte, error) {
	return json.Marshal(snapshot)
}

// MarkPersisted records snapshot as already stored, typically the form
// state loaded from the backend.
func (c *Coordinator) MarkPersisted(snapshot any) error {
	data, err := Canonical(snapshot)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.lastSaved = data
	c.mu.Unlock()
	return nil
}

// Edit replaces the pending snapshot and restarts the quiescence timer.
func (c *Coordinator) Edit(snapshot any) error {
	data, err := Canonical(snapshot)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.pending = data
	c.gen++
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.window, func() { c.fire(gen) })
	return nil
}

// Pending reports whether an edit is waiting for the timer.
func (c *Coordinator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// Saves returns the number of successful persist calls.
func (c *Coordinator) Saves() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saves
}

// Flush persists a pending edit now instead of waiting for the timer.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	data := c.pending
	c.pending = nil
	c.mu.Unlock()
	if data == nil {
		return nil
	}
	return c.save(ctx, data)
}

// Cancel stops the timer and discards any pending edit. Further edits fail
// with ErrClosed. A persist call already running is not interrupted.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = nil
	c.closed = true
}

func (c *Coordinator) fire(gen uint64) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	data := c.pending
	c.pending = nil
	c.timer = nil
	c.mu.Unlock()
	if data == nil {
		return
	}
	if err := c.save(c.ctx, data); err != nil && c.onError != nil {
		c.onError(err)
	}
}

func (c *Coordinator) save(ctx context.Context, data []byte) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	c.mu.Lock()
	same := c.lastSaved != nil && bytes.Equal(data, c.lastSaved)
	c.mu.Unlock()
	if same {
		return nil
	}
	if err := c.persist(ctx, data); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastSaved = data
	c.saves++
	c.mu.Unlock()
	return nil
}
