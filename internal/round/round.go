package round

import (
	"encoding/json"
	"errors"
	"slices"
	"strconv"

	"github.com/DoyleJ11/crashlane-client/internal/ledger"
	"github.com/DoyleJ11/crashlane-client/pkg/types"
)

var ErrUnknownStatus = errors.New("unknown round status")
var ErrSuspended = errors.New("round suspended")
var ErrStaleStatus = errors.New("stale round status")
var ErrUnsupportedEvent = errors.New("unsupported event")

type State string

const (
	StateClosed        State = "closed"
	StateOpened        State = "opened"
	StateDrawing       State = "drawing"
	StateResult        State = "result"
	StateCancelled     State = "cancelled"
	StateReopened      State = "reopened"
	StateDrawCompleted State = "drawCompleted"
	StateInit          State = "init"
	StatePaused        State = "paused"
	StateDisabled      State = "disabled"
)

// HistoryCap bounds Round.History.
const HistoryCap = 9

// Notices surfaced to the player.
const (
	NoticeVoid          = "Round cancelled, bets refunded"
	NoticeExpired       = "Session expired"
	NoticeMultisession  = "Multisession not available"
	NoticeRequestPaused = "Game paused"
)

// rank orders the states of one round cycle.
var rank = map[State]int{
	StateOpened:        1,
	StateReopened:      1,
	StateClosed:        2,
	StateDrawing:       3,
	StateResult:        4,
	StateDrawCompleted: 4,
}

type Config struct {
	Limits        json.RawMessage `json:"limits,omitempty"`
	Odds          json.RawMessage `json:"odds,omitempty"`
	Steps         json.RawMessage `json:"steps,omitempty"`
	Probabilities json.RawMessage `json:"probabilities,omitempty"`
}

type HistoryEntry struct {
	RoundID string          `json:"round_id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Bets    []ledger.Bet    `json:"bets,omitempty"`
	Payout  float64         `json:"payout,omitempty"`
}

type Round struct {
	ID            string          `json:"round_id"`
	State         State           `json:"state"`
	RoundLength   int             `json:"round_length"`
	DisableTime   int             `json:"disable_time"`
	Result        json.RawMessage `json:"result,omitempty"`
	LastResult    json.RawMessage `json:"last_result,omitempty"`
	Multiplier    float64         `json:"multiplier,omitempty"`
	History       []HistoryEntry  `json:"history"`
	Disabled      bool            `json:"disabled"`
	DisableReason string          `json:"disable_reason,omitempty"`
	Config        Config          `json:"config"`
	Statistics    json.RawMessage `json:"statistics,omitempty"`
	Dealer        string          `json:"dealer,omitempty"`
	// LocalPause marks a pause raised by a request response rather than
	// the server; the next status push lifts it.
	LocalPause    bool            `json:"local_pause,omitempty"`
	Recorded      bool            `json:"-"`
}

type EventType string

const (
	EvtGameInfo  EventType = "GameInfo"
	EvtJoined    EventType = "Joined"
	EvtStatus    EventType = "Status"
	EvtUnsubbed  EventType = "Unsubbed"
	EvtExpire    EventType = "Expire"
	EvtEnable    EventType = "Enable"
	EvtTerminate EventType = "Terminate"
	EvtPause     EventType = "Pause"
	EvtGrace     EventType = "GraceExpired"
)

type Event struct {
	Type        EventType
	Status      State
	RoundID     string
	RoundLength int
	DisableTime int
	Result      json.RawMessage
	Config      *Config
	// Bets is the ledger content when the event arrives.
	Bets []ledger.Bet
}

type EffectType string

const (
	EffClearBets     EffectType = "ClearBets"
	EffVoidBets      EffectType = "VoidBets"
	EffDropPending   EffectType = "DropPending"
	EffStartGrace    EffectType = "StartGrace"
	EffPayoutPreview EffectType = "PayoutPreview"
	EffHistoryAdded  EffectType = "HistoryAdded"
	EffNotice        EffectType = "Notice"
	EffExpireSession EffectType = "ExpireSession"
	EffTerminate     EffectType = "Terminate"
	EffClearedPanels EffectType = "ClearedPanels"
)

type Effect struct {
	Type       EffectType
	Notice     string
	Fatal      bool
	Stake      float64
	Multiplier float64
	Payout     float64
	Entry      *HistoryEntry
}

func New() Round {
	return Round{State: StateInit}
}

// Suspended reports whether the server must lift the round with Enable.
func (r Round) Suspended() bool {
	return !r.LocalPause && (r.State == StatePaused || r.State == StateDisabled)
}

// AcceptingBets reports whether a placement may be attempted.
func (r Round) AcceptingBets() bool {
	return !r.Disabled && (r.State == StateOpened || r.State == StateReopened)
}

func Apply(s Round, ev Event) ([]Effect, Round, error) {
	next := s
	next.History = slices.Clone(s.History)

	switch ev.Type {
	case EvtGameInfo:
		next.State = StateInit
		return nil, next, nil

	case EvtJoined:
		next.State = StateClosed
		next.Disabled = true
		next.RoundLength = 0
		return nil, next, nil

	case EvtStatus:
		return applyStatus(next, ev)

	case EvtUnsubbed:
		next.State = StatePaused
		next.LocalPause = false
		next.Disabled = true
		next.DisableReason = NoticeExpired
		next.DisableTime = 0
		return []Effect{{Type: EffNotice, Notice: NoticeExpired, Fatal: true}}, next, nil

	case EvtExpire:
		next.State = StatePaused
		next.LocalPause = false
		next.DisableReason = NoticeMultisession
		next.DisableTime = 0
		return []Effect{
			{Type: EffExpireSession},
			{Type: EffNotice, Notice: NoticeMultisession, Fatal: true},
		}, next, nil

	case EvtPause:
		if next.Suspended() {
			return nil, next, nil
		}
		next.State = StatePaused
		next.LocalPause = true
		next.DisableTime = 0
		return []Effect{{Type: EffNotice, Notice: NoticeRequestPaused}}, next, nil

	case EvtEnable:
		next.State = StateClosed
		next.LocalPause = false
		next.Disabled = false
		next.DisableReason = ""
		return nil, next, nil

	case EvtTerminate:
		return []Effect{{Type: EffTerminate}}, s, nil

	case EvtGrace:
		next.LastResult = nil
		next.Statistics = nil
		return []Effect{{Type: EffClearedPanels}}, next, nil

	default:
		return nil, s, ErrUnsupportedEvent
	}
}

func applyStatus(next Round, ev Event) ([]Effect, Round, error) {
	switch ev.Status {
	case StatePaused, StateDisabled:
		next.State = ev.Status
		next.LocalPause = false
		next.Disabled = true
		next.DisableTime = ev.DisableTime
		return nil, next, nil
	case StateCancelled:
	default:
		if _, ok := rank[ev.Status]; !ok {
			return nil, next, ErrUnknownStatus
		}
	}
	if next.Suspended() {
		return nil, next, ErrSuspended
	}
	next.LocalPause = false

	sameRound := ev.RoundID != "" && ev.RoundID == next.ID
	newRound := ev.RoundID != "" && ev.RoundID != next.ID
	opening := ev.Status == StateOpened || ev.Status == StateReopened
	if !newRound && !opening && ev.Status != StateCancelled && !wraps(next.State, ev.Status) && rank[ev.Status] < rank[next.State] {
		return nil, next, ErrStaleStatus
	}

	var effects []Effect

	switch {
	case newRound || (opening && !sameRound):
		if entry, ok := closeOut(&next, ev.Bets); ok {
			effects = append(effects, Effect{Type: EffHistoryAdded, Entry: entry})
		}
		effects = append(effects, Effect{Type: EffClearBets})
		next.ID = ev.RoundID
		next.Recorded = false
		next.LastResult = next.Result
		next.Result = nil
		next.Multiplier = 0
	case opening:
		// reopened after a cancel keeps the round id
		effects = append(effects, Effect{Type: EffClearBets})
		next.Result = nil
	}
	if ev.Config != nil {
		next.Config = *ev.Config
	}
	next.State = ev.Status

	switch ev.Status {
	case StateOpened, StateReopened:
		next.Disabled = false
		next.DisableReason = ""
		next.RoundLength = ev.RoundLength
		next.DisableTime = ev.DisableTime
		effects = append(effects, Effect{Type: EffStartGrace})

	case StateClosed:
		next.RoundLength = 0
		next.DisableTime = 0
		effects = append(effects, Effect{Type: EffDropPending})

	case StateDrawing:
		next.RoundLength = 0
		next.DisableTime = 0
		if !types.IsNull(ev.Result) {
			next.Result = ev.Result
		}

	case StateResult, StateDrawCompleted:
		if !types.IsNull(ev.Result) {
			next.Result = ev.Result
		}
		if !HasResult(next.Result) {
			break
		}
		stake := total(ev.Bets)
		if m, ok := Multiplier(next.Result); ok && stake > 0 {
			effects = append(effects, Effect{
				Type:       EffPayoutPreview,
				Stake:      stake,
				Multiplier: m,
				Payout:     stake * m,
			})
		}
		if entry, ok := closeOut(&next, ev.Bets); ok {
			effects = append(effects, Effect{Type: EffHistoryAdded, Entry: entry})
		}

	case StateCancelled:
		next.Result = nil
		effects = append(effects,
			Effect{Type: EffVoidBets},
			Effect{Type: EffNotice, Notice: NoticeVoid},
		)
	}

	return effects, next, nil
}

// wraps reports whether status to begins a new cycle after from.
func wraps(from, to State) bool {
	return to == StateClosed && (from == StateResult || from == StateDrawCompleted)
}

// closeOut appends the history entry of the current round once.
func closeOut(r *Round, bets []ledger.Bet) (*HistoryEntry, bool) {
	if r.ID == "" || r.Recorded {
		return nil, false
	}
	entry := HistoryEntry{RoundID: r.ID, Result: r.Result, Bets: slices.Clone(bets)}
	if m, ok := Multiplier(r.Result); ok {
		entry.Payout = total(bets) * m
	}
	r.History = push(r.History, entry)
	r.Recorded = true
	return &entry, true
}

func push(h []HistoryEntry, e HistoryEntry) []HistoryEntry {
	h = append(h, e)
	if len(h) > HistoryCap {
		h = slices.Clone(h[len(h)-HistoryCap:])
	}
	return h
}

// SeedHistory fills an empty history from a server history message.
func SeedHistory(r Round, items []types.HistoryItem) Round {
	if len(r.History) > 0 {
		return r
	}
	for _, it := range items {
		r.History = push(r.History, HistoryEntry{RoundID: it.RoundID, Result: it.Result})
	}
	return r
}

// HasResult reports a non-null, non-zero result.
func HasResult(raw json.RawMessage) bool {
	if types.IsNull(raw) {
		return false
	}
	if m, ok := Multiplier(raw); ok {
		return m != 0
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s != "" && s != "0"
	}
	return true
}

// Multiplier reads a numeric result given as a JSON number or numeric string.
func Multiplier(raw json.RawMessage) (float64, bool) {
	if types.IsNull(raw) {
		return 0, false
	}
	var f float64
	if json.Unmarshal(raw, &f) == nil {
		return f, true
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func total(bets []ledger.Bet) float64 {
	var sum float64
	for _, b := range bets {
		sum += b.Amount
	}
	return sum
}
