package round

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/crashlane-client/internal/ledger"
)

func status(st State, id string) Event {
	return Event{Type: EvtStatus, Status: st, RoundID: id}
}

func hasEffect(effects []Effect, typ EffectType) bool {
	for _, e := range effects {
		if e.Type == typ {
			return true
		}
	}
	return false
}

func mustApply(t *testing.T, s Round, ev Event) ([]Effect, Round) {
	t.Helper()
	effects, next, err := Apply(s, ev)
	require.NoError(t, err)
	return effects, next
}

func joined(t *testing.T) Round {
	t.Helper()
	_, r := mustApply(t, New(), Event{Type: EvtJoined})
	return r
}

func TestJoin_ClosesAndDisables(t *testing.T) {
	r := joined(t)
	assert.Equal(t, StateClosed, r.State)
	assert.True(t, r.Disabled)
	assert.False(t, r.AcceptingBets())
}

func TestOpened_ClearsBetsStartsGrace(t *testing.T) {
	r := joined(t)
	ev := status(StateOpened, "R1")
	ev.RoundLength = 15

	effects, r := mustApply(t, r, ev)

	assert.True(t, hasEffect(effects, EffClearBets))
	assert.True(t, hasEffect(effects, EffStartGrace))
	assert.False(t, hasEffect(effects, EffHistoryAdded), "no previous round to record")
	assert.Equal(t, "R1", r.ID)
	assert.Equal(t, 15, r.RoundLength)
	assert.True(t, r.AcceptingBets())
}

func TestClosedAndDrawing_ResetRoundLength(t *testing.T) {
	r := joined(t)
	ev := status(StateOpened, "R1")
	ev.RoundLength = 15
	ev.DisableTime = 4
	_, r = mustApply(t, r, ev)

	effects, r := mustApply(t, r, status(StateClosed, "R1"))
	assert.True(t, hasEffect(effects, EffDropPending))
	assert.Zero(t, r.RoundLength)
	assert.Zero(t, r.DisableTime)

	ev = status(StateDrawing, "R1")
	ev.Result = json.RawMessage(`"1.5"`)
	_, r = mustApply(t, r, ev)
	assert.Equal(t, StateDrawing, r.State)
	assert.JSONEq(t, `"1.5"`, string(r.Result))
}

func TestResult_PayoutPreviewAndHistory(t *testing.T) {
	r := joined(t)
	_, r = mustApply(t, r, status(StateOpened, "R1"))

	ev := status(StateResult, "R1")
	ev.Result = json.RawMessage(`"2"`)
	ev.Bets = []ledger.Bet{{UUID: "u1", RoundBetID: 42, Amount: 10, State: ledger.StateAccepted}}

	effects, r := mustApply(t, r, ev)

	var preview *Effect
	for i := range effects {
		if effects[i].Type == EffPayoutPreview {
			preview = &effects[i]
		}
	}
	require.NotNil(t, preview)
	assert.Equal(t, 20.0, preview.Payout)
	assert.Equal(t, 2.0, preview.Multiplier)
	require.Len(t, r.History, 1)
	assert.Equal(t, "R1", r.History[0].RoundID)

	// The next open must not record R1 a second time.
	effects, r = mustApply(t, r, status(StateOpened, "R2"))
	assert.False(t, hasEffect(effects, EffHistoryAdded))
	assert.Len(t, r.History, 1)
	assert.JSONEq(t, `"2"`, string(r.LastResult))
	assert.Nil(t, r.Result)
}

func TestZeroResult_NoPreviewNoHistory(t *testing.T) {
	_, r := mustApply(t, joined(t), status(StateOpened, "R1"))
	ev := status(StateResult, "R1")
	ev.Result = json.RawMessage(`0`)
	ev.Bets = []ledger.Bet{{UUID: "u1", Amount: 10}}

	effects, r := mustApply(t, r, ev)
	assert.False(t, hasEffect(effects, EffPayoutPreview))
	assert.Empty(t, r.History)
}

func TestHistory_CappedAtNineOldestDropped(t *testing.T) {
	r := joined(t)
	for i := 1; i <= 12; i++ {
		id := fmt.Sprintf("R%d", i)
		_, r = mustApply(t, r, status(StateOpened, id))
		ev := status(StateResult, id)
		ev.Result = json.RawMessage(`"3"`)
		_, r = mustApply(t, r, ev)
	}
	require.Len(t, r.History, HistoryCap)
	assert.Equal(t, "R4", r.History[0].RoundID)
	assert.Equal(t, "R12", r.History[HistoryCap-1].RoundID)
}

func TestOpened_RecordsUnfinishedPreviousRound(t *testing.T) {
	_, r := mustApply(t, joined(t), status(StateOpened, "R1"))
	bets := []ledger.Bet{{UUID: "u1", Amount: 3}}

	ev := status(StateOpened, "R2")
	ev.Bets = bets
	effects, r := mustApply(t, r, ev)

	assert.True(t, hasEffect(effects, EffHistoryAdded))
	require.Len(t, r.History, 1)
	assert.Equal(t, "R1", r.History[0].RoundID)
	assert.Equal(t, bets, r.History[0].Bets)
}

func TestCancelled_ClearsBetsWithNotice(t *testing.T) {
	_, r := mustApply(t, joined(t), status(StateOpened, "R1"))
	effects, r := mustApply(t, r, status(StateCancelled, "R1"))

	assert.True(t, hasEffect(effects, EffVoidBets))
	assert.True(t, hasEffect(effects, EffNotice))
	assert.Equal(t, StateCancelled, r.State)

	// reopened keeps the id and starts a fresh betting window
	effects, r = mustApply(t, r, status(StateReopened, "R1"))
	assert.True(t, hasEffect(effects, EffStartGrace))
	assert.Equal(t, "R1", r.ID)
	assert.Empty(t, r.History)
}

func TestStaleStatus_Rejected(t *testing.T) {
	_, r := mustApply(t, joined(t), status(StateOpened, "R1"))
	_, r = mustApply(t, r, status(StateDrawing, "R1"))

	_, _, err := Apply(r, status(StateClosed, "R1"))
	assert.True(t, errors.Is(err, ErrStaleStatus))
}

func TestNewRoundWithoutOpen_SupersedesPrevious(t *testing.T) {
	_, r := mustApply(t, joined(t), status(StateOpened, "R1"))
	_, r = mustApply(t, r, status(StateDrawing, "R1"))

	effects, r := mustApply(t, r, status(StateClosed, "R2"))
	assert.True(t, hasEffect(effects, EffClearBets))
	assert.Equal(t, "R2", r.ID)
	assert.Equal(t, StateClosed, r.State)
}

func TestSuspension(t *testing.T) {
	cases := []struct {
		name       string
		ev         EventType
		wantExpire bool
	}{
		{name: "unsubbed", ev: EvtUnsubbed},
		{name: "expire", ev: EvtExpire, wantExpire: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, r := mustApply(t, joined(t), status(StateOpened, "R1"))
			effects, r := mustApply(t, r, Event{Type: tc.ev})

			assert.Equal(t, StatePaused, r.State)
			assert.Zero(t, r.DisableTime)
			assert.Equal(t, tc.wantExpire, hasEffect(effects, EffExpireSession))

			_, _, err := Apply(r, status(StateOpened, "R2"))
			assert.ErrorIs(t, err, ErrSuspended)

			_, r = mustApply(t, r, Event{Type: EvtEnable})
			assert.Equal(t, StateClosed, r.State)
			assert.False(t, r.Disabled)

			_, r = mustApply(t, r, status(StateOpened, "R2"))
			assert.Equal(t, StateOpened, r.State)
		})
	}
}

func TestRequestPause_LiftedByNextStatus(t *testing.T) {
	_, r := mustApply(t, joined(t), status(StateOpened, "R1"))
	effects, r := mustApply(t, r, Event{Type: EvtPause})

	assert.True(t, hasEffect(effects, EffNotice))
	assert.Equal(t, StatePaused, r.State)
	assert.False(t, r.AcceptingBets())
	assert.False(t, r.Suspended())

	_, r = mustApply(t, r, status(StateOpened, "R2"))
	assert.Equal(t, StateOpened, r.State)
	assert.Equal(t, "R2", r.ID)
	assert.False(t, r.LocalPause)
	assert.True(t, r.AcceptingBets())
}

func TestRequestPause_KeepsServerSuspension(t *testing.T) {
	_, r := mustApply(t, joined(t), status(StateOpened, "R1"))
	_, r = mustApply(t, r, Event{Type: EvtUnsubbed})
	_, r = mustApply(t, r, Event{Type: EvtPause})

	assert.True(t, r.Suspended())
	_, _, err := Apply(r, status(StateOpened, "R2"))
	assert.ErrorIs(t, err, ErrSuspended)
}

func TestClosedAfterResult_StartsNextCycle(t *testing.T) {
	_, r := mustApply(t, joined(t), status(StateOpened, "R1"))
	_, r = mustApply(t, r, status(StateClosed, ""))
	_, r = mustApply(t, r, status(StateDrawing, ""))
	ev := status(StateResult, "")
	ev.Result = json.RawMessage(`"2"`)
	_, r = mustApply(t, r, ev)
	require.Equal(t, StateResult, r.State)

	r.RoundLength = 30
	effects, r := mustApply(t, r, status(StateClosed, ""))
	assert.Equal(t, StateClosed, r.State)
	assert.Zero(t, r.RoundLength)
	assert.True(t, hasEffect(effects, EffDropPending))
	assert.Len(t, r.History, 1)
}

func TestTerminate_LeavesStateUntouched(t *testing.T) {
	_, r := mustApply(t, joined(t), status(StateOpened, "R1"))
	effects, next := mustApply(t, r, Event{Type: EvtTerminate})
	assert.True(t, hasEffect(effects, EffTerminate))
	assert.Equal(t, r.State, next.State)
}

func TestGrace_ClearsPanels(t *testing.T) {
	r := joined(t)
	r.LastResult = json.RawMessage(`"2"`)
	r.Statistics = json.RawMessage(`{"hot":[1]}`)

	_, r = mustApply(t, r, Event{Type: EvtGrace})
	assert.Nil(t, r.LastResult)
	assert.Nil(t, r.Statistics)
}

func TestUnknownStatus(t *testing.T) {
	_, _, err := Apply(joined(t), status(State("exploded"), "R1"))
	assert.ErrorIs(t, err, ErrUnknownStatus)
}

func TestMultiplier(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
		ok   bool
	}{
		{`"2"`, 2, true},
		{`2.5`, 2.5, true},
		{`"3-5"`, 0, false},
		{`null`, 0, false},
	}
	for _, tc := range cases {
		got, ok := Multiplier(json.RawMessage(tc.raw))
		assert.Equal(t, tc.ok, ok, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}
