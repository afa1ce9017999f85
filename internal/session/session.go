package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/DoyleJ11/crashlane-client/internal/dispatch"
	"github.com/DoyleJ11/crashlane-client/internal/ledger"
	"github.com/DoyleJ11/crashlane-client/internal/notify"
	"github.com/DoyleJ11/crashlane-client/internal/round"
	"github.com/DoyleJ11/crashlane-client/internal/store"
	"github.com/DoyleJ11/crashlane-client/pkg/types"
)

var ErrClosed = errors.New("session closed")
var ErrSessionTerminated = errors.New("session terminated")
var ErrNotJoined = errors.New("session not joined")
var ErrBetRejected = errors.New("bet rejected")

type LinkState string

const (
	LinkIdle         LinkState = "idle"
	LinkConnecting   LinkState = "connecting"
	LinkConnected    LinkState = "connected"
	LinkReconnecting LinkState = "reconnecting"
	LinkTerminated   LinkState = "terminated"
)

// Requester is the request channel.
type Requester interface {
	SetToken(token string)
	GameInfo(ctx context.Context, instanceID string) (types.GameInfo, error)
	Join(ctx context.Context, instanceID string) (types.JoinData, error)
	Post(ctx context.Context, instanceID string, intent types.Intent) (types.PostResponse, error)
	KeepAlive(ctx context.Context, instanceID string) error
}

type TokenStore interface {
	SaveToken(ctx context.Context, instanceID, token string) error
	LoadToken(ctx context.Context, instanceID string) (string, error)
}

type HistoryStore interface {
	SaveRound(ctx context.Context, instanceID string, e round.HistoryEntry) error
}

// Stopper cancels a scheduled callback; *time.Timer satisfies it.
type Stopper interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Stopper

func realAfterFunc(d time.Duration, f func()) Stopper { return time.AfterFunc(d, f) }

type Config struct {
	InstanceID string
	WSURL      string
	LobbyURL   string
	Lang       string
	// Embedded is true when a parent frame can take refresh requests.
	Embedded          bool
	GracePeriod       time.Duration
	KeepAliveInterval time.Duration
}

const (
	defaultGracePeriod = 2 * time.Second
	defaultBackoff     = 3 * time.Second
	storeTimeout       = 5 * time.Second
	writeTimeout       = 3 * time.Second
)

type Option func(*Session)

func WithLogger(l *zap.Logger) Option { return func(s *Session) { s.log = l } }

func WithTokenStore(ts TokenStore) Option { return func(s *Session) { s.tokens = ts } }

func WithHistoryStore(hs HistoryStore) Option { return func(s *Session) { s.history = hs } }

// WithBackoff sets the delay policy between rejoin attempts.
func WithBackoff(b backoff.BackOff) Option { return func(s *Session) { s.backoff = b } }

func WithAfterFunc(f AfterFunc) Option { return func(s *Session) { s.afterFunc = f } }

func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(s *Session) { s.dispatchOpts = append(s.dispatchOpts, opts...) }
}

// View is what readers get from the session.
type View struct {
	Version     int               `json:"version"`
	Link        LinkState         `json:"link"`
	Expired     bool              `json:"expired"`
	Subscribers int               `json:"subscribers"`
	State       dispatch.Snapshot `json:"state"`
}

// Session owns one game instance: its channel, its state and the loop that
// serialises every mutation.
type Session struct {
	cfg       Config
	req       Requester
	dialer    Dialer
	tokens    TokenStore
	history   HistoryStore
	log       *zap.Logger
	backoff   backoff.BackOff
	afterFunc AfterFunc

	dispatchOpts []dispatch.Option

	inbox  chan msg
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error

	// stopped is set once shutdown starts draining the inbox.
	stopMu  sync.RWMutex
	stopped bool

	// loop owned
	d          *dispatch.Dispatcher
	subs       *notify.Broadcaster
	version    int
	link       LinkState
	expired    bool
	joined     bool
	loaded     bool
	token      string
	conn       Conn
	connGen    int
	attempts   int
	graceGen   int
	grace      Stopper
	retry      Stopper
	keepAlive  *time.Ticker
	keepAliveC <-chan time.Time
}

func New(parent context.Context, cfg Config, req Requester, dialer Dialer, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(parent)
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	s := &Session{
		cfg:       cfg,
		req:       req,
		dialer:    dialer,
		log:       zap.NewNop(),
		backoff:   backoff.NewConstantBackOff(defaultBackoff),
		afterFunc: realAfterFunc,
		inbox:     make(chan msg, 64),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		subs:      notify.NewBroadcaster(),
		link:      LinkIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("instance_id", cfg.InstanceID))
	s.d = dispatch.New(dispatch.NewState(cfg.InstanceID), notify.EmitterFunc(s.notice), s.log, s.dispatchOpts...)

	go s.loop()
	return s
}

func (s *Session) InstanceID() string { return s.cfg.InstanceID }

// SetAuth stores the token for every later request and channel join and
// persists it for resumption.
func (s *Session) SetAuth(token string) {
	s.post(setAuth{token: token})
}

// LoadAuth restores a persisted token. It reports false when none exists.
func (s *Session) LoadAuth(ctx context.Context) (bool, error) {
	if s.tokens == nil {
		return false, nil
	}
	tok, err := s.tokens.LoadToken(ctx, s.cfg.InstanceID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil || tok == "" {
		return false, err
	}
	s.SetAuth(tok)
	return true, nil
}

// Start announces loading to the parent frame, fetches game info, joins and
// opens the channel.
func (s *Session) Start(ctx context.Context) error {
	s.post(parent{msg: notify.ParentMessage{Type: notify.ParentProgress, Progress: 95}})
	if _, err := s.FetchGameInfo().Wait(ctx); err != nil {
		return err
	}
	if _, err := s.JoinGame().Wait(ctx); err != nil {
		return err
	}
	s.OpenChannel()
	return nil
}

func (s *Session) FetchGameInfo() *Future[types.GameInfo] {
	f := newFuture[types.GameInfo]()
	if !s.post(fetchInfo{fut: f}) {
		f.fail(ErrClosed)
	}
	return f
}

// JoinGame performs the join handshake. A failure is terminal: the player
// is sent back to the lobby.
func (s *Session) JoinGame() *Future[types.JoinData] {
	f := newFuture[types.JoinData]()
	if !s.post(joinGame{fut: f}) {
		f.fail(ErrClosed)
	}
	return f
}

// OpenChannel opens the realtime channel unless one is open or opening.
func (s *Session) OpenChannel() {
	s.post(openChannel{})
}

// Send submits a player intent tagged with this instance.
func (s *Session) Send(intent types.Intent) *Future[types.PostResponse] {
	f := newFuture[types.PostResponse]()
	if !s.post(sendIntent{intent: intent, fut: f}) {
		f.fail(ErrClosed)
	}
	return f
}

// PlaceBet validates a bet, records it optimistically and submits it. The
// future resolves with the bet as recorded after the response.
func (s *Session) PlaceBet(req dispatch.BetRequest) *Future[ledger.Bet] {
	f := newFuture[ledger.Bet]()
	if !s.post(placeBet{req: req, fut: f}) {
		f.fail(ErrClosed)
	}
	return f
}

func (s *Session) Step(fields map[string]any) *Future[types.PostResponse] {
	return s.Send(types.Intent{Type: types.IntentStep, Fields: fields})
}

func (s *Session) CashOut(fields map[string]any) *Future[types.PostResponse] {
	return s.Send(types.Intent{Type: types.IntentCashOut, Fields: fields})
}

func (s *Session) View(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if !s.post(getView{reply: reply}) {
		return View{}, ErrClosed
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return View{}, ctx.Err()
	case <-s.done:
		return View{}, ErrClosed
	}
}

// Subscribe registers an outbox for updates. The current snapshot is sent
// right away. A full outbox is dropped and closed.
func (s *Session) Subscribe(id string, outbox chan notify.Update) {
	if !s.post(subscribe{id: id, outbox: outbox}) {
		close(outbox)
	}
}

func (s *Session) Unsubscribe(id string) {
	s.post(unsubscribe{id: id})
}

// Close stops the loop and releases the channel.
func (s *Session) Close() error {
	s.cancel()
	<-s.done
	return s.err
}

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) post(m msg) bool {
	s.stopMu.RLock()
	defer s.stopMu.RUnlock()
	if s.stopped {
		return false
	}
	select {
	case <-s.ctx.Done():
		return false
	default:
	}
	select {
	case s.inbox <- m:
		return true
	case <-s.ctx.Done():
		return false
	}
}
