package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/DoyleJ11/crashlane-client/internal/dispatch"
	"github.com/DoyleJ11/crashlane-client/internal/ledger"
	"github.com/DoyleJ11/crashlane-client/internal/notify"
	"github.com/DoyleJ11/crashlane-client/internal/session"
	"github.com/DoyleJ11/crashlane-client/internal/session/sessiontest"
	"github.com/DoyleJ11/crashlane-client/internal/store"
	"github.com/DoyleJ11/crashlane-client/pkg/types"
)

const (
	instance = "inst-1"
	within   = 2 * time.Second
	retry    = 3 * time.Second
)

var readyFrame = []byte(`{"type":"ready"}`)

type rig struct {
	s       *session.Session
	req     *sessiontest.Requester
	dialer  *sessiontest.Dialer
	clock   *sessiontest.Clock
	history *sessiontest.History
	out     chan notify.Update
}

func newRig(t *testing.T, cfg session.Config) *rig {
	t.Helper()
	if cfg.InstanceID == "" {
		cfg.InstanceID = instance
	}
	r := &rig{
		req: &sessiontest.Requester{
			JoinData: types.JoinData{UserData: types.UserData{CurrencySign: "$", LocaleID: "en-US"}},
		},
		dialer:  sessiontest.NewDialer(),
		clock:   &sessiontest.Clock{},
		history: &sessiontest.History{},
		out:     make(chan notify.Update, 256),
	}
	r.s = session.New(context.Background(), cfg, r.req, r.dialer,
		session.WithAfterFunc(r.clock.AfterFunc),
		session.WithBackoff(backoff.NewConstantBackOff(retry)),
		session.WithHistoryStore(r.history),
	)
	t.Cleanup(func() { _ = r.s.Close() })
	r.s.Subscribe("test", r.out)
	return r
}

// connect authenticates, starts, and completes the ready handshake. It
// returns the channel and the init frame the session wrote on it.
func (r *rig) connect(t *testing.T) (*sessiontest.Conn, []byte) {
	t.Helper()
	r.s.SetAuth("tok")
	require.NoError(t, r.s.Start(ctx(t)))
	conn := recvConn(t, r.dialer)
	conn.Push(readyFrame)
	hello := recvBytes(t, conn.Written)
	r.waitLink(t, session.LinkConnected)
	return conn, hello
}

func (r *rig) view(t *testing.T) session.View {
	t.Helper()
	v, err := r.s.View(ctx(t))
	require.NoError(t, err)
	return v
}

// peek is view for polling closures, which must not fail the test.
func (r *rig) peek() session.View {
	v, _ := r.s.View(context.Background())
	return v
}

func (r *rig) waitLink(t *testing.T, want session.LinkState) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, err := r.s.View(context.Background())
		return err == nil && v.Link == want
	}, within, 5*time.Millisecond, "link never became %s", want)
}

func (r *rig) openRound(t *testing.T, conn *sessiontest.Conn, id string) {
	t.Helper()
	conn.Push(message(t, map[string]any{"type": "balance", "balance": 1000}))
	conn.Push(message(t, map[string]any{"type": "status", "status": "opened", "round_id": id, "round_length": 15}))
	require.Eventually(t, func() bool {
		v, err := r.s.View(context.Background())
		return err == nil && v.State.AcceptingBets && v.State.Round.ID == id
	}, within, 5*time.Millisecond)
}

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), within)
	t.Cleanup(cancel)
	return c
}

func message(t *testing.T, payload any) []byte {
	t.Helper()
	msg, err := json.Marshal(payload)
	require.NoError(t, err)
	return directive(t, types.DirectivePayload, string(msg))
}

func directive(t *testing.T, code types.DirectiveType, msg string) []byte {
	t.Helper()
	b, err := json.Marshal(types.Frame{
		Type:       types.FrameMessage,
		InstanceID: instance,
		Data:       &types.FrameData{Type: code, Message: msg},
	})
	require.NoError(t, err)
	return b
}

func postOK(t *testing.T, bets ...types.WireBet) types.PostResponse {
	t.Helper()
	b, err := json.Marshal(types.PostData{Success: true, RegisteredBets: bets})
	require.NoError(t, err)
	return types.PostResponse{IsSuccess: true, ResponseData: b}
}

func recvConn(t *testing.T, d *sessiontest.Dialer) *sessiontest.Conn {
	t.Helper()
	select {
	case c := <-d.Conns:
		return c
	case <-time.After(within):
		t.Fatalf("timed out waiting for a dial")
		return nil // unreachable
	}
}

func recvNoConn(t *testing.T, d *sessiontest.Dialer, wait time.Duration) {
	t.Helper()
	select {
	case <-d.Conns:
		t.Fatalf("unexpected dial")
	case <-time.After(wait):
	}
}

func recvBytes(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(within):
		t.Fatalf("timed out waiting for a write")
		return nil // unreachable
	}
}

// awaitUpdate skips updates until one matches.
func awaitUpdate(t *testing.T, ch <-chan notify.Update, match func(notify.Update) bool) notify.Update {
	t.Helper()
	deadline := time.After(within)
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				t.Fatalf("outbox closed unexpectedly")
			}
			if match(u) {
				return u
			}
		case <-deadline:
			t.Fatalf("timed out waiting for update")
			return notify.Update{} // unreachable
		}
	}
}

func isParent(typ string, progress int) func(notify.Update) bool {
	return func(u notify.Update) bool {
		return u.Kind == notify.UpdateParent && u.Parent != nil &&
			u.Parent.Type == typ && u.Parent.Progress == progress
	}
}

func isNotice(kind string) func(notify.Update) bool {
	return func(u notify.Update) bool {
		return u.Kind == notify.UpdateNotice && u.Notification != nil && u.Notification.Kind == kind
	}
}

func TestStart_ReportsProgressAndSendsInit(t *testing.T) {
	r := newRig(t, session.Config{})
	_, hello := r.connect(t)

	var got types.InitFrame
	require.NoError(t, json.Unmarshal(hello, &got))
	assert.Equal(t, types.FrameInit, got.Type)
	assert.Equal(t, instance, got.InstanceID)
	assert.Equal(t, "tok", got.SessionToken)
	assert.Equal(t, "tok", r.req.Token())

	awaitUpdate(t, r.out, isParent(notify.ParentProgress, 95))
	awaitUpdate(t, r.out, isParent(notify.ParentProgress, 100))

	v := r.view(t)
	assert.Equal(t, "$", v.State.User.CurrencySign)
	assert.Equal(t, 1, v.Subscribers)
}

func TestOpenChannel_IsIdempotent(t *testing.T) {
	r := newRig(t, session.Config{})
	r.connect(t)

	r.s.OpenChannel()
	r.s.OpenChannel()
	r.view(t)

	recvNoConn(t, r.dialer, 50*time.Millisecond)
	assert.Equal(t, 1, r.dialer.Dials())
}

func TestReconnect_ImmediateAfterUnexpectedClose(t *testing.T) {
	r := newRig(t, session.Config{})
	conn, _ := r.connect(t)

	conn.Close()
	awaitUpdate(t, r.out, isNotice(notify.KindReconnecting))

	next := recvConn(t, r.dialer)
	assert.Equal(t, 2, r.req.Joins())
	assert.Empty(t, r.clock.Pending(), "first attempt must not wait")

	next.Push(readyFrame)
	recvBytes(t, next.Written)
	r.waitLink(t, session.LinkConnected)
}

func TestReconnect_KeepsBetsWithoutDuplicates(t *testing.T) {
	r := newRig(t, session.Config{})
	conn, _ := r.connect(t)
	r.openRound(t, conn, "R1")

	r.req.SetPostFunc(func(_ context.Context, in types.Intent) (types.PostResponse, error) {
		return postOK(t, types.WireBet{
			UUID:       in.Fields["uuid"].(string),
			RoundBetID: 42,
			Amount:     10,
			Timestamp:  in.Fields["timestamp"].(int64),
		}), nil
	})
	bet, err := r.s.PlaceBet(dispatch.BetRequest{Type: "lane", ID: "1", Amount: 10}).Wait(ctx(t))
	require.NoError(t, err)
	registered := map[string]any{"uuid": bet.UUID, "roundBetId": 42, "amount": 10}
	conn.Push(message(t, map[string]any{"type": "bets_registered", "bets": []map[string]any{registered}}))

	conn.Close()
	next := recvConn(t, r.dialer)
	next.Push(readyFrame)
	recvBytes(t, next.Written)
	r.waitLink(t, session.LinkConnected)
	assert.Equal(t, 2, r.req.Joins())

	next.Push(message(t, map[string]any{"type": "current_status", "status": "closed", "round_id": "R1"}))
	next.Push(message(t, map[string]any{"type": "bets", "bets": []map[string]any{registered}}))
	next.Push(message(t, map[string]any{"type": "balance", "balance": 990}))
	require.Eventually(t, func() bool { return r.peek().State.User.Balance == 990 }, within, 5*time.Millisecond)

	v := r.view(t)
	assert.Equal(t, "closed", string(v.State.Round.State))
	assert.Equal(t, "R1", v.State.Round.ID)
	require.Len(t, v.State.Bets, 1)
	assert.Equal(t, bet.UUID, v.State.Bets[0].UUID)
	assert.Equal(t, ledger.StateAccepted, v.State.Bets[0].State)
	assert.Equal(t, 10.0, v.State.Bets[0].Amount)
}

func TestReconnect_BacksOffAfterFailedRejoin(t *testing.T) {
	r := newRig(t, session.Config{})
	conn, _ := r.connect(t)

	down := errors.New("down")
	r.req.FailJoins(down, down)
	conn.Close()

	// immediate attempt fails, the next waits on the backoff
	require.Eventually(t, func() bool { return len(r.clock.Pending()) == 1 }, within, 5*time.Millisecond)
	first := r.clock.Pending()[0]
	assert.Equal(t, retry, first.D)
	assert.Equal(t, 2, r.req.Joins())
	r.waitLink(t, session.LinkReconnecting)

	first.Fire()
	require.Eventually(t, func() bool { return len(r.clock.All()) == 2 && len(r.clock.Pending()) == 1 }, within, 5*time.Millisecond)
	second := r.clock.Pending()[0]
	assert.Equal(t, retry, second.D)
	assert.Equal(t, 3, r.req.Joins())

	second.Fire()
	next := recvConn(t, r.dialer)
	assert.Equal(t, 4, r.req.Joins())
	next.Push(readyFrame)
	r.waitLink(t, session.LinkConnected)
}

func TestReconnect_FailedDialRetries(t *testing.T) {
	r := newRig(t, session.Config{})
	conn, _ := r.connect(t)

	r.dialer.FailDials(errors.New("refused"))
	conn.Close()

	require.Eventually(t, func() bool { return len(r.clock.Pending()) == 1 }, within, 5*time.Millisecond)
	r.clock.Pending()[0].Fire()

	next := recvConn(t, r.dialer)
	next.Push(readyFrame)
	r.waitLink(t, session.LinkConnected)
	assert.Equal(t, 3, r.dialer.Dials())
}

func TestNoReconnect_AfterExpiry(t *testing.T) {
	cases := []struct {
		name  string
		frame string
	}{
		{"expire", `{"type":"expire"}`},
		{"unsubbed", `{"type":"unsubbed"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t, session.Config{})
			conn, _ := r.connect(t)

			conn.Push([]byte(tc.frame))
			conn.Close()
			r.waitLink(t, session.LinkTerminated)

			v := r.view(t)
			assert.True(t, v.Expired)
			assert.True(t, v.State.Round.Disabled || v.State.Round.State == "paused")
			recvNoConn(t, r.dialer, 50*time.Millisecond)
			assert.Equal(t, 1, r.req.Joins())
			assert.Empty(t, r.clock.Pending())
		})
	}
}

func TestGrace_SupersededTimerIsIgnored(t *testing.T) {
	r := newRig(t, session.Config{GracePeriod: time.Second})
	conn, _ := r.connect(t)

	r.openRound(t, conn, "R1")
	conn.Push(message(t, map[string]any{"type": "statistics", "hot": []int{3, 7}}))
	conn.Push(message(t, map[string]any{"type": "status", "status": "opened", "round_id": "R2", "round_length": 15}))

	require.Eventually(t, func() bool { return len(r.clock.All()) == 2 }, within, 5*time.Millisecond)
	timers := r.clock.All()
	stale, live := timers[0], timers[1]
	assert.Equal(t, time.Second, live.D)
	assert.True(t, stale.Stopped())

	stale.Fire()
	assert.NotEmpty(t, r.view(t).State.Round.Statistics)

	live.Fire()
	assert.Empty(t, r.view(t).State.Round.Statistics)
}

func TestPlaceBet_ResponseBeforeRegistration(t *testing.T) {
	r := newRig(t, session.Config{})
	conn, _ := r.connect(t)
	r.openRound(t, conn, "R1")

	r.req.SetPostFunc(func(_ context.Context, in types.Intent) (types.PostResponse, error) {
		return postOK(t, types.WireBet{
			UUID:       in.Fields["uuid"].(string),
			RoundBetID: 7,
			Amount:     10,
			Timestamp:  in.Fields["timestamp"].(int64),
		}), nil
	})

	bet, err := r.s.PlaceBet(dispatch.BetRequest{Type: "lane", ID: "1", Amount: 10}).Wait(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, ledger.StateAccepted, bet.State)
	assert.Equal(t, int64(7), bet.RoundBetID)

	posts := r.req.Posts()
	require.Len(t, posts, 1)
	assert.Equal(t, types.IntentBet, posts[0].Type)
	assert.Equal(t, 10.0, posts[0].Fields["amount"])

	conn.Push(message(t, map[string]any{
		"type": "bets_registered",
		"bets": []map[string]any{{"uuid": bet.UUID, "roundBetId": 7, "amount": 10}},
	}))
	conn.Push(message(t, map[string]any{"type": "balance", "balance": 990}))
	require.Eventually(t, func() bool { return r.peek().State.User.Balance == 990 }, within, 5*time.Millisecond)

	bets := r.view(t).State.Bets
	require.Len(t, bets, 1)
	assert.Equal(t, ledger.StateAccepted, bets[0].State)
}

func TestPlaceBet_RegistrationBeforeResponse(t *testing.T) {
	r := newRig(t, session.Config{})
	conn, _ := r.connect(t)
	r.openRound(t, conn, "R1")

	posted := make(chan types.Intent, 1)
	release := make(chan struct{})
	r.req.SetPostFunc(func(c context.Context, in types.Intent) (types.PostResponse, error) {
		posted <- in
		select {
		case <-release:
		case <-c.Done():
			return types.PostResponse{}, c.Err()
		}
		return postOK(t, types.WireBet{UUID: in.Fields["uuid"].(string), RoundBetID: 9, Amount: 5}), nil
	})

	fut := r.s.PlaceBet(dispatch.BetRequest{Type: "lane", ID: "2", Amount: 5})
	var in types.Intent
	select {
	case in = <-posted:
	case <-time.After(within):
		t.Fatalf("bet never posted")
	}

	conn.Push(message(t, map[string]any{
		"type": "bets_registered",
		"bets": []map[string]any{{"uuid": in.Fields["uuid"], "roundBetId": 9, "amount": 5}},
	}))
	require.Eventually(t, func() bool {
		bets := r.peek().State.Bets
		return len(bets) == 1 && bets[0].State == ledger.StateAccepted
	}, within, 5*time.Millisecond)

	close(release)
	bet, err := fut.Wait(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, int64(9), bet.RoundBetID)

	bets := r.view(t).State.Bets
	require.Len(t, bets, 1)
	assert.Equal(t, 5.0, bets[0].Amount)
}

func TestPlaceBet_RejectedByServer(t *testing.T) {
	r := newRig(t, session.Config{})
	conn, _ := r.connect(t)
	r.openRound(t, conn, "R1")

	r.req.SetPostFunc(func(context.Context, types.Intent) (types.PostResponse, error) {
		return types.PostResponse{IsSuccess: true, ResponseData: []byte(`{"success":false,"error":"limit"}`)}, nil
	})

	_, err := r.s.PlaceBet(dispatch.BetRequest{Type: "lane", ID: "1", Amount: 10}).Wait(ctx(t))
	require.ErrorIs(t, err, session.ErrBetRejected)
	assert.Contains(t, err.Error(), "limit")

	u := awaitUpdate(t, r.out, isNotice(notify.KindBetRejected))
	assert.Equal(t, "limit", u.Notification.Text)
	assert.Empty(t, r.view(t).State.Bets)
}

func TestPlaceBet_Preconditions(t *testing.T) {
	r := newRig(t, session.Config{})

	_, err := r.s.PlaceBet(dispatch.BetRequest{Type: "lane", ID: "1", Amount: 1}).Wait(ctx(t))
	assert.ErrorIs(t, err, session.ErrNotJoined)

	r.connect(t)
	_, err = r.s.PlaceBet(dispatch.BetRequest{Type: "lane", ID: "1", Amount: 1}).Wait(ctx(t))
	assert.ErrorIs(t, err, dispatch.ErrNotAccepting)
	assert.Empty(t, r.req.Posts())
}

func TestJoinFailure_SendsPlayerAway(t *testing.T) {
	cases := []struct {
		name  string
		cfg   session.Config
		match func(notify.Update) bool
	}{
		{
			name: "lobby",
			cfg:  session.Config{LobbyURL: "https://lobby.example"},
			match: func(u notify.Update) bool {
				return u.Kind == notify.UpdateRedirect && u.URL == "https://lobby.example"
			},
		},
		{
			name:  "embedded",
			cfg:   session.Config{Embedded: true},
			match: isParent(notify.ParentRefresh, 0),
		},
		{
			name:  "standalone",
			cfg:   session.Config{},
			match: func(u notify.Update) bool { return u.Kind == notify.UpdateReload },
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t, tc.cfg)
			r.req.FailJoins(errors.New("forbidden"))

			err := r.s.Start(ctx(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "forbidden")

			awaitUpdate(t, r.out, tc.match)
			assert.Equal(t, session.LinkTerminated, r.view(t).Link)

			_, err = r.s.JoinGame().Wait(ctx(t))
			assert.ErrorIs(t, err, session.ErrSessionTerminated)
			r.s.OpenChannel()
			r.view(t)
			assert.Zero(t, r.dialer.Dials())
		})
	}
}

func TestShutdownDirective_Terminates(t *testing.T) {
	r := newRig(t, session.Config{LobbyURL: "https://lobby.example"})
	conn, _ := r.connect(t)

	conn.Push(directive(t, types.DirectiveShutdown, ""))
	awaitUpdate(t, r.out, func(u notify.Update) bool { return u.Kind == notify.UpdateRedirect })
	r.waitLink(t, session.LinkTerminated)
	assert.True(t, conn.IsClosed())

	r.s.OpenChannel()
	r.view(t)
	recvNoConn(t, r.dialer, 50*time.Millisecond)
}

func TestPausedResponse_PausesUntilNextStatus(t *testing.T) {
	r := newRig(t, session.Config{})
	conn, _ := r.connect(t)
	r.openRound(t, conn, "R1")

	r.req.SetPostFunc(func(context.Context, types.Intent) (types.PostResponse, error) {
		return types.PostResponse{IsSuccess: false, ResponseData: []byte(`100`)}, nil
	})
	resp, err := r.s.Step(map[string]any{"lane": 2}).Wait(ctx(t))
	require.NoError(t, err)
	assert.False(t, resp.IsSuccess)

	v := r.view(t)
	assert.Equal(t, "paused", string(v.State.Round.State))
	assert.False(t, v.State.AcceptingBets)
	conn.Push(message(t, map[string]any{"type": "status", "status": "opened", "round_id": "R2"}))
	require.Eventually(t, func() bool {
		v := r.peek()
		return v.State.AcceptingBets && v.State.Round.ID == "R2"
	}, within, 5*time.Millisecond)
}

func TestResult_PersistsHistory(t *testing.T) {
	r := newRig(t, session.Config{})
	conn, _ := r.connect(t)
	r.openRound(t, conn, "R1")

	conn.Push(message(t, map[string]any{"type": "status", "status": "result", "round_id": "R1", "result": "2.5"}))
	require.Eventually(t, func() bool { return len(r.history.Entries()) == 1 }, within, 5*time.Millisecond)
	assert.Equal(t, "R1", r.history.Entries()[0].RoundID)
	assert.Len(t, r.view(t).State.Round.History, 1)
}

func TestKeepAlive_Ticks(t *testing.T) {
	r := newRig(t, session.Config{KeepAliveInterval: 10 * time.Millisecond})
	r.connect(t)

	require.Eventually(t, func() bool { return r.req.KeepAlives() >= 2 }, within, 5*time.Millisecond)
}

func TestClose_FailsPendingAndLaterRequests(t *testing.T) {
	r := newRig(t, session.Config{})
	conn, _ := r.connect(t)

	r.req.SetPostFunc(func(c context.Context, _ types.Intent) (types.PostResponse, error) {
		<-c.Done()
		return types.PostResponse{}, c.Err()
	})
	pending := r.s.CashOut(nil)

	require.NoError(t, r.s.Close())

	_, err := pending.Wait(ctx(t))
	assert.ErrorIs(t, err, session.ErrClosed)
	_, err = r.s.Send(types.Intent{Type: types.IntentStep}).Wait(ctx(t))
	assert.ErrorIs(t, err, session.ErrClosed)
	_, err = r.s.View(ctx(t))
	assert.ErrorIs(t, err, session.ErrClosed)
	assert.True(t, conn.IsClosed())

	for range r.out {
	}
}

func TestClose_RacingRequestsAllResolve(t *testing.T) {
	r := newRig(t, session.Config{})
	r.connect(t)

	const n = 64
	futs := make(chan *session.Future[types.PostResponse], n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			futs <- r.s.Send(types.Intent{Type: types.IntentStep})
		}()
	}
	require.NoError(t, r.s.Close())
	wg.Wait()
	close(futs)

	for f := range futs {
		select {
		case <-f.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("request never resolved after close")
		}
	}

	for range r.out {
	}
}

func TestAuth_PersistsAndRestores(t *testing.T) {
	st, err := store.Open(store.DriverSQLite, "file::memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	req := &sessiontest.Requester{}
	first := session.New(context.Background(), session.Config{InstanceID: instance}, req, sessiontest.NewDialer(),
		session.WithTokenStore(st))
	t.Cleanup(func() { _ = first.Close() })

	ok, err := first.LoadAuth(ctx(t))
	require.NoError(t, err)
	assert.False(t, ok)

	first.SetAuth("tok-9")
	require.Eventually(t, func() bool {
		tok, err := st.LoadToken(context.Background(), instance)
		return err == nil && tok == "tok-9"
	}, within, 5*time.Millisecond)

	other := &sessiontest.Requester{}
	second := session.New(context.Background(), session.Config{InstanceID: instance}, other, sessiontest.NewDialer(),
		session.WithTokenStore(st))
	t.Cleanup(func() { _ = second.Close() })

	ok, err = second.LoadAuth(ctx(t))
	require.NoError(t, err)
	assert.True(t, ok)
	require.Eventually(t, func() bool { return other.Token() == "tok-9" }, within, 5*time.Millisecond)
}
