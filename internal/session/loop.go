package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/crashlane-client/internal/dispatch"
	"github.com/DoyleJ11/crashlane-client/internal/ledger"
	"github.com/DoyleJ11/crashlane-client/internal/metrics"
	"github.com/DoyleJ11/crashlane-client/internal/notify"
	"github.com/DoyleJ11/crashlane-client/internal/round"
	"github.com/DoyleJ11/crashlane-client/pkg/types"
)

type msg interface{ isSessionMsg() }

type setAuth struct{ token string }

type parent struct{ msg notify.ParentMessage }

type fetchInfo struct{ fut *Future[types.GameInfo] }

type infoDone struct {
	info types.GameInfo
	err  error
	fut  *Future[types.GameInfo]
}

type joinGame struct{ fut *Future[types.JoinData] }

type joinDone struct {
	data types.JoinData
	err  error
	fut  *Future[types.JoinData]
}

type openChannel struct{}

type dialed struct {
	gen  int
	conn Conn
	err  error
}

type frame struct {
	gen int
	raw []byte
}

type closed struct {
	gen int
	err error
}

type rejoinTick struct{}

type rejoinDone struct {
	data types.JoinData
	err  error
}

type graceFired struct{ gen int }

type sendIntent struct {
	intent types.Intent
	fut    *Future[types.PostResponse]
}

type sendDone struct {
	resp types.PostResponse
	err  error
	fut  *Future[types.PostResponse]
}

type placeBet struct {
	req dispatch.BetRequest
	fut *Future[ledger.Bet]
}

type placeDone struct {
	bet  ledger.Bet
	resp types.PostResponse
	err  error
	fut  *Future[ledger.Bet]
}

type getView struct{ reply chan View }

type subscribe struct {
	id     string
	outbox chan notify.Update
}

type unsubscribe struct{ id string }

func (setAuth) isSessionMsg()     {}
func (parent) isSessionMsg()      {}
func (fetchInfo) isSessionMsg()   {}
func (infoDone) isSessionMsg()    {}
func (joinGame) isSessionMsg()    {}
func (joinDone) isSessionMsg()    {}
func (openChannel) isSessionMsg() {}
func (dialed) isSessionMsg()      {}
func (frame) isSessionMsg()       {}
func (closed) isSessionMsg()      {}
func (rejoinTick) isSessionMsg()  {}
func (rejoinDone) isSessionMsg()  {}
func (graceFired) isSessionMsg()  {}
func (sendIntent) isSessionMsg()  {}
func (sendDone) isSessionMsg()    {}
func (placeBet) isSessionMsg()    {}
func (placeDone) isSessionMsg()   {}
func (getView) isSessionMsg()     {}
func (subscribe) isSessionMsg()   {}
func (unsubscribe) isSessionMsg() {}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.err = s.shutdown()
			return

		case <-s.keepAliveC:
			s.sendKeepAlive()

		case m := <-s.inbox:
			s.handle(m)
		}
	}
}

func (s *Session) handle(m msg) {
	id := s.cfg.InstanceID

	switch m := m.(type) {
	case setAuth:
		s.token = m.token
		s.req.SetToken(m.token)
		if s.tokens != nil {
			go func(tok string) {
				ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
				defer cancel()
				if err := s.tokens.SaveToken(ctx, id, tok); err != nil {
					s.log.Warn("persist token", zap.Error(err))
				}
			}(m.token)
		}

	case parent:
		p := m.msg
		s.subs.Send(notify.Update{Kind: notify.UpdateParent, Parent: &p})

	case fetchInfo:
		go func() {
			info, err := s.req.GameInfo(s.ctx, id)
			if !s.post(infoDone{info: info, err: err, fut: m.fut}) {
				m.fut.fail(ErrClosed)
			}
		}()

	case infoDone:
		if m.err != nil {
			s.log.Warn("game info failed", zap.Error(m.err))
			s.notice(notify.Notification{Kind: notify.KindRequestFailed, Text: m.err.Error()})
			m.fut.fail(fmt.Errorf("game info: %w", m.err))
			return
		}
		s.runEffects(s.d.ApplyGameInfo(m.info))
		s.publish()
		m.fut.resolve(m.info, nil)

	case joinGame:
		if s.link == LinkTerminated {
			m.fut.fail(ErrSessionTerminated)
			return
		}
		go func() {
			data, err := s.req.Join(s.ctx, id)
			if !s.post(joinDone{data: data, err: err, fut: m.fut}) {
				m.fut.fail(ErrClosed)
			}
		}()

	case joinDone:
		if m.err != nil {
			s.log.Warn("join failed", zap.Error(m.err))
			s.terminate()
			m.fut.fail(fmt.Errorf("join: %w", m.err))
			return
		}
		s.applyJoin(m.data)
		m.fut.resolve(m.data, nil)

	case openChannel:
		if s.link == LinkTerminated || s.expired {
			return
		}
		if s.conn != nil || s.link == LinkConnecting || s.link == LinkReconnecting {
			return
		}
		s.link = LinkConnecting
		s.dial()

	case dialed:
		if m.gen != s.connGen || s.link == LinkTerminated {
			if m.conn != nil {
				_ = m.conn.Close()
			}
			return
		}
		if m.err != nil {
			s.log.Warn("channel dial failed", zap.Error(m.err))
			s.onClosed()
			return
		}
		s.conn = m.conn
		go s.readLoop(m.gen, m.conn)

	case frame:
		if m.gen != s.connGen {
			metrics.PayloadsDropped.WithLabelValues(metrics.ReasonStale).Inc()
			return
		}
		s.applyFrame(m.raw)

	case closed:
		if m.gen != s.connGen {
			return
		}
		s.log.Info("channel closed", zap.Error(m.err))
		s.dropConn()
		s.onClosed()

	case rejoinTick:
		s.retry = nil
		s.rejoin()

	case rejoinDone:
		if s.link != LinkReconnecting {
			return
		}
		if m.err != nil {
			s.log.Warn("rejoin failed", zap.Error(m.err))
			s.scheduleRejoin()
			return
		}
		s.applyJoin(m.data)
		s.dial()

	case graceFired:
		if m.gen != s.graceGen {
			return
		}
		s.grace = nil
		s.runEffects(s.d.ApplyGrace())
		s.publish()

	case sendIntent:
		if !s.joined {
			m.fut.fail(ErrNotJoined)
			return
		}
		go func() {
			resp, err := s.req.Post(s.ctx, id, m.intent)
			if !s.post(sendDone{resp: resp, err: err, fut: m.fut}) {
				m.fut.fail(ErrClosed)
			}
		}()

	case sendDone:
		if m.err != nil {
			s.notice(notify.Notification{Kind: notify.KindRequestFailed, Text: m.err.Error()})
			m.fut.fail(m.err)
			return
		}
		s.runEffects(s.d.ApplyResponse(m.resp))
		s.publish()
		m.fut.resolve(m.resp, nil)

	case placeBet:
		s.placeBet(m)

	case placeDone:
		s.placeDone(m)

	case getView:
		m.reply <- s.view()

	case subscribe:
		s.subs.Join(m.id, m.outbox)
		s.subs.SendTo(m.id, s.snapshotUpdate())

	case unsubscribe:
		s.subs.Leave(m.id)
	}
}

func (s *Session) applyJoin(data types.JoinData) {
	s.joined = true
	s.runEffects(s.d.ApplyJoin(data, s.cfg.Lang))
	if s.keepAlive == nil && s.cfg.KeepAliveInterval > 0 {
		s.keepAlive = time.NewTicker(s.cfg.KeepAliveInterval)
		s.keepAliveC = s.keepAlive.C
	}
	s.publish()
}

func (s *Session) dial() {
	s.connGen++
	gen := s.connGen
	go func() {
		conn, err := s.dialer.Dial(s.ctx, s.cfg.WSURL)
		if !s.post(dialed{gen: gen, conn: conn, err: err}) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (s *Session) readLoop(gen int, conn Conn) {
	for {
		b, err := conn.Read(s.ctx)
		if err != nil {
			s.post(closed{gen: gen, err: err})
			return
		}
		if !s.post(frame{gen: gen, raw: b}) {
			return
		}
	}
}

func (s *Session) applyFrame(raw []byte) {
	in, err := dispatch.DecodeFrame(raw)
	if err != nil {
		s.log.Warn("dropping malformed frame", zap.Error(err))
		metrics.FramesReceived.WithLabelValues(metrics.ReasonMalformed).Inc()
		metrics.PayloadsDropped.WithLabelValues(metrics.ReasonMalformed).Inc()
		return
	}
	metrics.FramesReceived.WithLabelValues(dispatch.Label(in)).Inc()

	switch in.(type) {
	case dispatch.Ready:
		s.onReady()
		return
	case dispatch.Unsubbed, dispatch.Expire:
		s.expired = true
	}
	s.runEffects(s.d.Apply(in))
	s.publish()
}

func (s *Session) onReady() {
	hello, err := json.Marshal(types.NewInitFrame(s.cfg.InstanceID, s.token))
	if err != nil {
		s.log.Error("encode init", zap.Error(err))
		return
	}
	conn := s.conn
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
		defer cancel()
		if err := conn.Write(ctx, hello); err != nil {
			s.log.Warn("send init", zap.Error(err))
		}
	}()

	if s.link != LinkConnected {
		metrics.SessionsConnected.Inc()
	}
	s.link = LinkConnected
	s.attempts = 0
	s.backoff.Reset()
	if !s.loaded {
		s.loaded = true
		p := notify.ParentMessage{Type: notify.ParentProgress, Progress: 100}
		s.subs.Send(notify.Update{Kind: notify.UpdateParent, Parent: &p})
	}
	s.publish()
}

func (s *Session) dropConn() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.link == LinkConnected {
		metrics.SessionsConnected.Dec()
	}
}

// onClosed decides between reconnecting and staying down.
func (s *Session) onClosed() {
	if s.expired || s.link == LinkTerminated {
		s.link = LinkTerminated
		s.log.Info("session ended, not reconnecting")
		s.publish()
		return
	}
	s.link = LinkReconnecting
	s.notice(notify.Notification{Kind: notify.KindReconnecting})
	s.publish()
	s.scheduleRejoin()
}

// scheduleRejoin retries immediately the first time, then on the backoff.
func (s *Session) scheduleRejoin() {
	delay := time.Duration(0)
	if s.attempts > 0 {
		delay = s.backoff.NextBackOff()
		if delay == backoff.Stop {
			delay = defaultBackoff
		}
	}
	s.attempts++
	if delay == 0 {
		s.rejoin()
		return
	}
	s.retry = s.afterFunc(delay, func() { s.post(rejoinTick{}) })
}

func (s *Session) rejoin() {
	if s.link != LinkReconnecting {
		return
	}
	metrics.ReconnectAttempts.Inc()
	go func() {
		data, err := s.req.Join(s.ctx, s.cfg.InstanceID)
		s.post(rejoinDone{data: data, err: err})
	}()
}

func (s *Session) runEffects(effects []round.Effect) {
	for _, e := range effects {
		switch e.Type {
		case round.EffStartGrace:
			s.graceGen++
			gen := s.graceGen
			if s.grace != nil {
				s.grace.Stop()
			}
			s.grace = s.afterFunc(s.cfg.GracePeriod, func() { s.post(graceFired{gen: gen}) })

		case round.EffHistoryAdded:
			if s.history == nil || e.Entry == nil {
				continue
			}
			entry := *e.Entry
			go func() {
				ctx, cancel := context.WithTimeout(s.ctx, storeTimeout)
				defer cancel()
				if err := s.history.SaveRound(ctx, s.cfg.InstanceID, entry); err != nil {
					s.log.Warn("persist round", zap.String("round_id", entry.RoundID), zap.Error(err))
				}
			}()

		case round.EffExpireSession:
			s.expired = true

		case round.EffTerminate:
			s.terminate()
		}
	}
}

// terminate ends the session for good and sends the player away.
func (s *Session) terminate() {
	if s.link == LinkTerminated {
		return
	}
	s.dropConn()
	s.link = LinkTerminated
	s.connGen++
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}

	switch {
	case s.cfg.LobbyURL != "":
		s.subs.Send(notify.Update{Kind: notify.UpdateRedirect, URL: s.cfg.LobbyURL})
	case s.cfg.Embedded:
		p := notify.ParentMessage{Type: notify.ParentRefresh}
		s.subs.Send(notify.Update{Kind: notify.UpdateParent, Parent: &p})
	default:
		s.subs.Send(notify.Update{Kind: notify.UpdateReload})
	}
	s.publish()
}

func (s *Session) placeBet(m placeBet) {
	if !s.joined {
		m.fut.fail(ErrNotJoined)
		return
	}
	bet, err := s.d.Prepare(m.req)
	if err != nil {
		m.fut.fail(err)
		return
	}
	s.publish()

	intent := types.Intent{Type: types.IntentBet, Fields: map[string]any{
		"uuid":      bet.UUID,
		"amount":    bet.Amount,
		"betInfo":   bet.BetInfo,
		"timestamp": bet.Timestamp,
	}}
	go func() {
		resp, err := s.req.Post(s.ctx, s.cfg.InstanceID, intent)
		if !s.post(placeDone{bet: bet, resp: resp, err: err, fut: m.fut}) {
			m.fut.fail(ErrClosed)
		}
	}()
}

func (s *Session) placeDone(m placeDone) {
	if m.err != nil {
		s.d.ApplyRequestError(m.err)
		s.publish()
		m.fut.fail(m.err)
		return
	}
	s.runEffects(s.d.ApplyPlacement(m.bet, m.resp))
	s.publish()

	data, ok := m.resp.Data()
	if !m.resp.IsSuccess || !ok || !data.Success {
		if data.Error == "" {
			m.fut.fail(ErrBetRejected)
		} else {
			m.fut.fail(fmt.Errorf("%w: %s", ErrBetRejected, data.Error))
		}
		return
	}
	for _, b := range s.d.State().Bets.Bets() {
		if b.UUID == m.bet.UUID {
			m.fut.resolve(b, nil)
			return
		}
	}
	m.fut.resolve(m.bet, nil)
}

func (s *Session) sendKeepAlive() {
	go func() {
		if err := s.req.KeepAlive(s.ctx, s.cfg.InstanceID); err != nil && s.ctx.Err() == nil {
			s.log.Debug("keep alive failed", zap.Error(err))
		}
	}()
}

func (s *Session) notice(n notify.Notification) {
	s.subs.Send(notify.Update{Kind: notify.UpdateNotice, Notification: &n})
}

func (s *Session) view() View {
	return View{
		Version:     s.version,
		Link:        s.link,
		Expired:     s.expired,
		Subscribers: s.subs.Len(),
		State:       s.d.State().Snapshot(),
	}
}

func (s *Session) snapshotUpdate() notify.Update {
	return notify.Update{Kind: notify.UpdateSnapshot, Version: s.version, State: s.view()}
}

func (s *Session) publish() {
	s.version++
	if s.subs.Len() == 0 {
		return
	}
	s.subs.Send(s.snapshotUpdate())
}

func (s *Session) shutdown() error {
	var err error
	if s.grace != nil {
		s.grace.Stop()
	}
	if s.retry != nil {
		s.retry.Stop()
	}
	if s.keepAlive != nil {
		s.keepAlive.Stop()
	}
	if s.conn != nil {
		err = multierr.Append(err, s.conn.Close())
		s.conn = nil
		if s.link == LinkConnected {
			metrics.SessionsConnected.Dec()
		}
	}
	s.subs.Close()

	// Posts past this point are refused, so the drain below sees every
	// message that made it in.
	s.stopMu.Lock()
	s.stopped = true
	s.stopMu.Unlock()

	for {
		select {
		case m := <-s.inbox:
			failPending(m)
		default:
			return err
		}
	}
}

func failPending(m msg) {
	switch m := m.(type) {
	case fetchInfo:
		m.fut.fail(ErrClosed)
	case infoDone:
		m.fut.fail(ErrClosed)
	case joinGame:
		m.fut.fail(ErrClosed)
	case joinDone:
		m.fut.fail(ErrClosed)
	case sendIntent:
		m.fut.fail(ErrClosed)
	case sendDone:
		m.fut.fail(ErrClosed)
	case placeBet:
		m.fut.fail(ErrClosed)
	case placeDone:
		m.fut.fail(ErrClosed)
	case dialed:
		if m.conn != nil {
			_ = m.conn.Close()
		}
	case subscribe:
		close(m.outbox)
	}
}
