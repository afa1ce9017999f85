package limits

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/DoyleJ11/crashlane-client/pkg/types"
)

var ErrInvalidAmount = errors.New("invalid bet amount")
var ErrTableLimit = errors.New("table limit exceeded")
var ErrPositionMax = errors.New("position limit exceeded")
var ErrPositionMin = errors.New("bet below position minimum")
var ErrInsufficientBalance = errors.New("insufficient balance")

type Reason string

const (
	ReasonNone                Reason = ""
	ReasonInvalidAmount       Reason = "invalid_amount"
	ReasonTableLimit          Reason = "table_limit"
	ReasonPositionMax         Reason = "position_max"
	ReasonPositionMin         Reason = "position_min"
	ReasonInsufficientBalance Reason = "insufficient_balance"
)

var reasonErrs = map[Reason]error{
	ReasonInvalidAmount:       ErrInvalidAmount,
	ReasonTableLimit:          ErrTableLimit,
	ReasonPositionMax:         ErrPositionMax,
	ReasonPositionMin:         ErrPositionMin,
	ReasonInsufficientBalance: ErrInsufficientBalance,
}

// Range bounds the stake on one outcome. Zero Max means no ceiling.
type Range struct {
	Min float64 `json:"Min"`
	Max float64 `json:"Max"`
}

// Limits is the server supplied limit table. Zero TableLimit means no ceiling.
// Outcomes overrides Min/Max per outcome type.
type Limits struct {
	TableLimit float64          `json:"TableLimit"`
	Min        float64          `json:"Min"`
	Max        float64          `json:"Max"`
	Outcomes   map[string]Range `json:"Outcomes,omitempty"`
}

// Parse decodes the limits blob of a round configuration. An absent blob
// yields the zero Limits, which accepts any positive stake.
func Parse(raw json.RawMessage) (Limits, error) {
	var l Limits
	if types.IsNull(raw) {
		return l, nil
	}
	if err := json.Unmarshal(raw, &l); err != nil {
		return Limits{}, fmt.Errorf("parse limits: %w", err)
	}
	return l, nil
}

func (l Limits) rangeFor(typ string) Range {
	if r, ok := l.Outcomes[typ]; ok {
		return r
	}
	return Range{Min: l.Min, Max: l.Max}
}

// Bet is the part of a wager the validator looks at.
type Bet struct {
	Type   string
	ID     string
	Amount float64
}

func (b Bet) samePosition(o Bet) bool { return b.Type == o.Type && b.ID == o.ID }

type Result struct {
	Valid  bool
	Reason Reason
}

// Err maps the reason to its sentinel error, nil when valid.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	return reasonErrs[r.Reason]
}

type options struct {
	balance    float64
	hasBalance bool
}

type Option func(*options)

// WithBalance enables the balance check.
func WithBalance(balance float64) Option {
	return func(o *options) {
		o.balance = balance
		o.hasBalance = true
	}
}

// Validate checks a proposed bet against the limits given the bets already
// held this round. The first violated rule wins. Inputs are never modified.
func Validate(bet Bet, lim Limits, existing, pending []Bet, opts ...Option) Result {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if bet.Amount <= 0 {
		return reject(ReasonInvalidAmount)
	}

	total := bet.Amount
	position := bet.Amount
	for _, held := range [][]Bet{existing, pending} {
		for _, b := range held {
			total += b.Amount
			if b.samePosition(bet) {
				position += b.Amount
			}
		}
	}

	if lim.TableLimit > 0 && total > lim.TableLimit {
		return reject(ReasonTableLimit)
	}

	r := lim.rangeFor(bet.Type)
	if r.Max > 0 && position > r.Max {
		return reject(ReasonPositionMax)
	}
	if bet.Amount < r.Min {
		return reject(ReasonPositionMin)
	}

	// Stakes already held were debited when they were accepted.
	if o.hasBalance && bet.Amount > o.balance {
		return reject(ReasonInsufficientBalance)
	}

	return Result{Valid: true}
}

func reject(r Reason) Result { return Result{Reason: r} }
