package ledger

import (
	"bytes"
	"encoding/json"
	"slices"
	"strconv"

	"github.com/DoyleJ11/crashlane-client/internal/limits"
	"github.com/DoyleJ11/crashlane-client/pkg/types"
)

type State string

const (
	StatePending  State = "pending"
	StateAccepted State = "accepted"
	StateCanceled State = "canceled"
)

// Bet is one wager of the current round. Before the server assigns a
// RoundBetID a bet is identified by UUID alone, afterwards by the pair.
type Bet struct {
	ID         string          `json:"id,omitempty"`
	UUID       string          `json:"uuid,omitempty"`
	RoundBetID int64           `json:"roundBetId,omitempty"`
	Amount     float64         `json:"amount"`
	BetInfo    json.RawMessage `json:"betInfo,omitempty"`
	State      State           `json:"state"`
	Timestamp  int64           `json:"timestamp,omitempty"`
}

type outcome struct {
	Type string          `json:"type"`
	ID   json.RawMessage `json:"id"`
}

// Outcome reads the staked-on descriptor out of BetInfo.
func (b Bet) Outcome() (typ, id string) {
	var o outcome
	if types.IsNull(b.BetInfo) || json.Unmarshal(b.BetInfo, &o) != nil {
		return "", ""
	}
	id = string(o.ID)
	var s string
	if json.Unmarshal(o.ID, &s) == nil {
		id = s
	}
	return o.Type, id
}

func (b Bet) matches(uuid string, roundBetID int64) bool {
	if b.RoundBetID != 0 && roundBetID != 0 {
		if b.RoundBetID != roundBetID {
			return false
		}
		return b.UUID == "" || uuid == "" || b.UUID == uuid
	}
	return uuid != "" && b.UUID == uuid
}

func FromWire(w types.WireBet, st State) Bet {
	return Bet{
		ID:         w.ID,
		UUID:       w.UUID,
		RoundBetID: w.RoundBetID,
		Amount:     w.Amount,
		BetInfo:    w.BetInfo,
		State:      st,
		Timestamp:  w.Timestamp,
	}
}

// Ledger holds the bets of the current round. It is not safe for concurrent
// use; the session loop is its only writer.
type Ledger struct {
	bets []Bet
}

func New() *Ledger {
	return &Ledger{}
}

func (l *Ledger) Bets() []Bet {
	return slices.Clone(l.bets)
}

func (l *Ledger) Len() int { return len(l.bets) }

func (l *Ledger) Total() float64 {
	var sum float64
	for _, b := range l.bets {
		sum += b.Amount
	}
	return sum
}

func (l *Ledger) indexOf(uuid string, roundBetID int64) int {
	return slices.IndexFunc(l.bets, func(b Bet) bool { return b.matches(uuid, roundBetID) })
}

// find locates a reported bet. Bets reported with neither uuid nor
// roundBetId fall back to (timestamp, amount, betInfo).
func (l *Ledger) find(w types.WireBet) int {
	if w.UUID != "" || w.RoundBetID != 0 {
		return l.indexOf(w.UUID, w.RoundBetID)
	}
	return slices.IndexFunc(l.bets, func(b Bet) bool {
		return b.UUID == "" && b.RoundBetID == 0 &&
			b.Timestamp == w.Timestamp && b.Amount == w.Amount &&
			bytes.Equal(b.BetInfo, w.BetInfo)
	})
}

// Place appends a locally originated bet as pending.
func (l *Ledger) Place(b Bet) Bet {
	b.State = StatePending
	b.RoundBetID = 0
	l.bets = append(l.bets, b)
	return b
}

// Append records bets the client did not originate. A bet already present
// under the same identity is left alone.
func (l *Ledger) Append(in []types.WireBet) int {
	n := 0
	for _, w := range in {
		if l.find(w) >= 0 {
			continue
		}
		l.bets = append(l.bets, FromWire(w, StateAccepted))
		n++
	}
	l.prune()
	return n
}

// Register confirms bets: a match is marked accepted, anything else appended.
func (l *Ledger) Register(in []types.WireBet) int {
	for _, w := range in {
		l.accept(w, -1)
	}
	l.prune()
	return len(in)
}

// MergeResponse applies the registeredBets of a placement response. Bets are
// matched by identity first, then by the placement timestamp, so applying
// the same response twice, or after Register, changes nothing.
func (l *Ledger) MergeResponse(in []types.WireBet) int {
	for _, w := range in {
		byTime := -1
		if w.Timestamp != 0 {
			byTime = slices.IndexFunc(l.bets, func(b Bet) bool {
				return b.State == StatePending && b.RoundBetID == 0 && b.Timestamp == w.Timestamp
			})
		}
		l.accept(w, byTime)
	}
	l.prune()
	return len(in)
}

func (l *Ledger) accept(w types.WireBet, fallback int) {
	i := l.find(w)
	if i < 0 {
		i = fallback
	}
	if i < 0 {
		l.bets = append(l.bets, FromWire(w, StateAccepted))
		return
	}
	b := &l.bets[i]
	b.State = StateAccepted
	if w.RoundBetID != 0 {
		b.RoundBetID = w.RoundBetID
	}
	if b.UUID == "" {
		b.UUID = w.UUID
	}
	if b.ID == "" {
		b.ID = w.ID
	}
	if len(w.BetInfo) > 0 {
		b.BetInfo = w.BetInfo
	}
	if w.Amount > 0 {
		b.Amount = w.Amount
	}
}

// Cancel applies reported cancellations. A bet whose amount is strictly
// larger than the canceled amount at three significant digits is reduced,
// otherwise it is removed. A cancellation without an amount removes the bet.
// Removed bets are returned with StateCanceled.
func (l *Ledger) Cancel(in []types.WireBet) []Bet {
	var removed []Bet
	for _, w := range in {
		i := l.indexOf(w.UUID, w.RoundBetID)
		if i < 0 {
			continue
		}
		b := &l.bets[i]
		if w.Amount > 0 && sig3(b.Amount) > sig3(w.Amount) {
			b.Amount = max(b.Amount-w.Amount, 0)
			if b.Amount > 0 {
				continue
			}
		}
		gone := *b
		gone.State = StateCanceled
		removed = append(removed, gone)
		l.bets = slices.Delete(l.bets, i, i+1)
	}
	l.prune()
	return removed
}

// Remove drops a single bet by identity, used when the server rejects a
// placement outright.
func (l *Ledger) Remove(uuid string, roundBetID int64) (Bet, bool) {
	i := l.indexOf(uuid, roundBetID)
	if i < 0 {
		return Bet{}, false
	}
	b := l.bets[i]
	b.State = StateCanceled
	l.bets = slices.Delete(l.bets, i, i+1)
	return b, true
}

// DropPending removes bets that were never confirmed.
func (l *Ledger) DropPending() []Bet {
	var dropped []Bet
	l.bets = slices.DeleteFunc(l.bets, func(b Bet) bool {
		if b.State == StatePending {
			dropped = append(dropped, b)
			return true
		}
		return false
	})
	return dropped
}

// Clear empties the ledger and returns what it held.
func (l *Ledger) Clear() []Bet {
	prev := l.bets
	l.bets = nil
	return prev
}

// Split returns limit views of accepted and pending bets.
func (l *Ledger) Split() (existing, pending []limits.Bet) {
	for _, b := range l.bets {
		typ, id := b.Outcome()
		lb := limits.Bet{Type: typ, ID: id, Amount: b.Amount}
		if b.State == StatePending {
			pending = append(pending, lb)
		} else {
			existing = append(existing, lb)
		}
	}
	return existing, pending
}

// prune keeps the collection free of non-positive amounts.
func (l *Ledger) prune() {
	l.bets = slices.DeleteFunc(l.bets, func(b Bet) bool { return b.Amount <= 0 })
}

func sig3(x float64) float64 {
	v, _ := strconv.ParseFloat(strconv.FormatFloat(x, 'g', 3, 64), 64)
	return v
}
