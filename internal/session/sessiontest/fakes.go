// Package sessiontest has in-memory stand-ins for the request channel, the
// realtime channel and timers, for driving a session in tests.
package sessiontest

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/DoyleJ11/crashlane-client/internal/round"
	"github.com/DoyleJ11/crashlane-client/internal/session"
	"github.com/DoyleJ11/crashlane-client/pkg/types"
)

var ErrConnClosed = errors.New("conn closed")

// PostFunc answers a posted intent.
type PostFunc func(ctx context.Context, intent types.Intent) (types.PostResponse, error)

// Requester answers requests from canned values.
type Requester struct {
	mu sync.Mutex

	Info     types.GameInfo
	JoinData types.JoinData

	postFunc   PostFunc
	token      string
	joinErrs   []error
	joins      int
	keepAlives int
	posts      []types.Intent
}

func (r *Requester) SetToken(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.token = token
}

func (r *Requester) Token() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

func (r *Requester) GameInfo(ctx context.Context, instanceID string) (types.GameInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Info, nil
}

// FailJoins makes the next joins fail with the given errors, in order.
func (r *Requester) FailJoins(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joinErrs = append(r.joinErrs, errs...)
}

func (r *Requester) Join(ctx context.Context, instanceID string) (types.JoinData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joins++
	if len(r.joinErrs) > 0 {
		err := r.joinErrs[0]
		r.joinErrs = r.joinErrs[1:]
		return types.JoinData{}, err
	}
	return r.JoinData, nil
}

func (r *Requester) Joins() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joins
}

// SetPostFunc replaces the Post answer. Without one every intent succeeds.
func (r *Requester) SetPostFunc(fn PostFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.postFunc = fn
}

func (r *Requester) Post(ctx context.Context, instanceID string, intent types.Intent) (types.PostResponse, error) {
	r.mu.Lock()
	r.posts = append(r.posts, intent)
	fn := r.postFunc
	r.mu.Unlock()
	if fn == nil {
		return types.PostResponse{IsSuccess: true, ResponseData: []byte(`{"success":true}`)}, nil
	}
	return fn(ctx, intent)
}

func (r *Requester) Posts() []types.Intent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Intent(nil), r.posts...)
}

func (r *Requester) KeepAlive(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keepAlives++
	return nil
}

func (r *Requester) KeepAlives() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keepAlives
}

// Conn is the client end of a fake channel. The test plays the server
// through Push and Written.
type Conn struct {
	in      chan []byte
	Written chan []byte

	once   sync.Once
	closed chan struct{}
}

func NewConn() *Conn {
	return &Conn{
		in:      make(chan []byte, 32),
		Written: make(chan []byte, 32),
		closed:  make(chan struct{}),
	}
}

// Push delivers a frame to the reader.
func (c *Conn) Push(b []byte) {
	select {
	case c.in <- b:
	case <-c.closed:
	}
}

func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Write(ctx context.Context, b []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.Written <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *Conn) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Dialer hands out a new Conn per dial and publishes it on Conns.
type Dialer struct {
	Conns chan *Conn

	mu    sync.Mutex
	errs  []error
	dials int
}

func NewDialer() *Dialer {
	return &Dialer{Conns: make(chan *Conn, 16)}
}

// FailDials makes the next dials fail, in order.
func (d *Dialer) FailDials(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, errs...)
}

func (d *Dialer) Dial(ctx context.Context, url string) (session.Conn, error) {
	d.mu.Lock()
	d.dials++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()

	c := NewConn()
	d.Conns <- c
	return c, nil
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Timer is a callback scheduled on a Clock. It only runs when fired.
type Timer struct {
	D time.Duration

	mu      sync.Mutex
	f       func()
	stopped bool
	fired   bool
}

func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Fire runs the callback, even after Stop, the way a timer that raced its
// Stop would.
func (t *Timer) Fire() {
	t.mu.Lock()
	t.fired = true
	f := t.f
	t.mu.Unlock()
	f()
}

func (t *Timer) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Timer) active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.stopped && !t.fired
}

// Clock records scheduled callbacks instead of running them.
type Clock struct {
	mu     sync.Mutex
	timers []*Timer
}

func (c *Clock) AfterFunc(d time.Duration, f func()) session.Stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &Timer{D: d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// All lists every timer ever scheduled, oldest first.
func (c *Clock) All() []*Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Timer(nil), c.timers...)
}

// Pending lists timers neither stopped nor fired.
func (c *Clock) Pending() []*Timer {
	var out []*Timer
	for _, t := range c.All() {
		if t.active() {
			out = append(out, t)
		}
	}
	return out
}

// History collects saved rounds.
type History struct {
	mu      sync.Mutex
	entries []round.HistoryEntry
}

func (h *History) SaveRound(ctx context.Context, instanceID string, e round.HistoryEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, e)
	return nil
}

func (h *History) Entries() []round.HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]round.HistoryEntry(nil), h.entries...)
}
