package hub

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/crashlane-client/internal/session"
)

type HubMsg interface{ isHubMsg() }

// Factory builds the session for one game instance.
type Factory func(ctx context.Context, instanceID string) *session.Session

type EnsureSession struct {
	InstanceID string
	Reply      chan *session.Session
}

type GetSession struct {
	InstanceID string
	Reply      chan *session.Session // nil when absent
}

type ListSessions struct {
	Reply chan []string
}

// RemoveSession drops the entry only while it still points at Session.
type RemoveSession struct {
	InstanceID string
	Session    *session.Session
}

type ShutdownHub struct {
	Reply chan error
}

func (EnsureSession) isHubMsg() {}
func (GetSession) isHubMsg()    {}
func (ListSessions) isHubMsg()  {}
func (RemoveSession) isHubMsg() {}
func (ShutdownHub) isHubMsg()   {}

// Hub owns the session of every game instance this process plays.
type Hub struct {
	inbox    chan HubMsg
	sessions map[string]*session.Session
	factory  Factory
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewHub(parent context.Context, factory Factory, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	if log == nil {
		log = zap.NewNop()
	}
	h := &Hub{
		inbox:    make(chan HubMsg, 64),
		sessions: make(map[string]*session.Session),
		factory:  factory,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Get asks the loop for a session. It returns nil when the instance is
// unknown or the hub has stopped.
func (h *Hub) Get(ctx context.Context, instanceID string) *session.Session {
	reply := make(chan *session.Session, 1)
	select {
	case h.inbox <- GetSession{InstanceID: instanceID, Reply: reply}:
	case <-ctx.Done():
		return nil
	case <-h.ctx.Done():
		return nil
	}
	select {
	case s := <-reply:
		return s
	case <-ctx.Done():
		return nil
	}
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			if err := h.closeAll(); err != nil {
				h.log.Warn("closing sessions", zap.Error(err))
			}
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case EnsureSession:
				if s := h.sessions[msg.InstanceID]; s != nil {
					msg.Reply <- s
					break
				}
				s := h.factory(h.ctx, msg.InstanceID)
				h.sessions[msg.InstanceID] = s
				go h.watch(msg.InstanceID, s)
				msg.Reply <- s

			case GetSession:
				msg.Reply <- h.sessions[msg.InstanceID]

			case ListSessions:
				ids := make([]string, 0, len(h.sessions))
				for id := range h.sessions {
					ids = append(ids, id)
				}
				msg.Reply <- ids

			case RemoveSession:
				if h.sessions[msg.InstanceID] == msg.Session {
					delete(h.sessions, msg.InstanceID)
				}

			case ShutdownHub:
				err := h.closeAll()
				h.cancel()
				if msg.Reply != nil {
					msg.Reply <- err
				}
				return
			}
		}
	}
}

// watch removes a session once its loop ends.
func (h *Hub) watch(id string, s *session.Session) {
	select {
	case <-s.Done():
	case <-h.ctx.Done():
		return
	}
	select {
	case h.inbox <- RemoveSession{InstanceID: id, Session: s}:
	case <-h.ctx.Done():
	}
}

func (h *Hub) closeAll() error {
	var g errgroup.Group
	for id, s := range h.sessions {
		id, s := id, s
		g.Go(func() error {
			if err := s.Close(); err != nil {
				h.log.Warn("session close", zap.String("instance_id", id), zap.Error(err))
				return err
			}
			return nil
		})
	}
	err := g.Wait()
	clear(h.sessions)
	return err
}
