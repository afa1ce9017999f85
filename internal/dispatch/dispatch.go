package dispatch

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/message"

	"github.com/DoyleJ11/crashlane-client/internal/ledger"
	"github.com/DoyleJ11/crashlane-client/internal/limits"
	"github.com/DoyleJ11/crashlane-client/internal/metrics"
	"github.com/DoyleJ11/crashlane-client/internal/notify"
	"github.com/DoyleJ11/crashlane-client/internal/round"
	"github.com/DoyleJ11/crashlane-client/pkg/types"
)

var ErrNotAccepting = errors.New("round is not accepting bets")

const betFailedText = "Bet failed"

// Dispatcher applies decoded inbound frames and local intents to a State.
// It is not safe for concurrent use; one session loop owns it.
type Dispatcher struct {
	st   *State
	emit notify.Emitter
	log  *zap.Logger
	now  func() time.Time
}

type Option func(*Dispatcher)

// WithClock replaces time.Now for placement timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func New(st *State, emit notify.Emitter, log *zap.Logger, opts ...Option) *Dispatcher {
	if emit == nil {
		emit = notify.EmitterFunc(func(notify.Notification) {})
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{st: st, emit: emit, log: log, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) State() *State { return d.st }

// Apply routes one inbound frame. Effects are returned so the owner can run
// timers and persistence; ledger effects have already been applied.
func (d *Dispatcher) Apply(in Inbound) []round.Effect {
	switch v := in.(type) {
	case Ready:
		return nil
	case Unsubbed:
		return d.transition(round.Event{Type: round.EvtUnsubbed})
	case Expire:
		return d.transition(round.Event{Type: round.EvtExpire})
	case Directive:
		switch v.Code {
		case types.DirectiveShutdown, types.DirectiveRestart, types.DirectiveDisable:
			return d.transition(round.Event{Type: round.EvtTerminate})
		case types.DirectiveEnable, types.DirectiveInitialize:
			return d.transition(round.Event{Type: round.EvtEnable})
		}
		d.log.Debug("ignoring directive", zap.Int("code", int(v.Code)))
		metrics.PayloadsDropped.WithLabelValues(metrics.ReasonUnknown).Inc()
		return nil
	case Message:
		return d.applyPayload(v.Payload)
	case Ignored:
		d.log.Debug("ignoring frame", zap.String("type", v.Type))
		metrics.PayloadsDropped.WithLabelValues(metrics.ReasonUnknown).Inc()
	}
	return nil
}

// ApplyGameInfo seeds stream and title data and enters the init state.
func (d *Dispatcher) ApplyGameInfo(info types.GameInfo) []round.Effect {
	g := &d.st.Game
	g.Title = info.Title
	g.Type = info.GameType
	g.StreamConfig = info.StreamConfig
	g.StreamKind, g.StreamURL = info.Stream()
	return d.transition(round.Event{Type: round.EvtGameInfo})
}

// ApplyJoin seeds account data from a join response and closes the round
// until the server pushes a status.
func (d *Dispatcher) ApplyJoin(data types.JoinData, lang string) []round.Effect {
	u := data.UserData
	d.st.User.CurrencySign = u.CurrencySign
	d.st.User.CurrencyName = u.CurrencyName
	d.st.User.CurrencyMultiplier = u.CurrencyMultiplier
	d.st.User.LocaleID = u.LocaleID
	d.st.User.Locale = locale(u.LocaleID, lang)
	for k, v := range defaultFeatures {
		d.st.Features[k] = v
	}
	for k, v := range u.GameFeatures {
		d.st.Features[k] = v
	}
	return d.transition(round.Event{Type: round.EvtJoined})
}

// ApplyGrace clears the result and statistics panels of the previous round.
func (d *Dispatcher) ApplyGrace() []round.Effect {
	return d.transition(round.Event{Type: round.EvtGrace})
}

// BetRequest is a placement intent from presentation.
type BetRequest struct {
	Type   string  `json:"type"`
	ID     string  `json:"id"`
	Amount float64 `json:"amount"`
}

// Prepare validates a placement and, when valid, records it as pending.
func (d *Dispatcher) Prepare(req BetRequest) (ledger.Bet, error) {
	if !d.st.Round.AcceptingBets() {
		return ledger.Bet{}, ErrNotAccepting
	}
	lim, err := limits.Parse(d.st.Round.Config.Limits)
	if err != nil {
		d.log.Warn("unreadable limits", zap.Error(err))
	}
	var opts []limits.Option
	if d.st.User.HasBalance {
		opts = append(opts, limits.WithBalance(d.st.User.Balance))
	}
	existing, pending := d.st.Bets.Split()
	res := limits.Validate(
		limits.Bet{Type: req.Type, ID: req.ID, Amount: req.Amount},
		lim, existing, pending, opts...,
	)
	if !res.Valid {
		d.emit.Emit(notify.Notification{Kind: notify.KindBetRejected, Text: string(res.Reason)})
		return ledger.Bet{}, res.Err()
	}

	info, _ := json.Marshal(struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}{req.Type, req.ID})
	b := d.st.Bets.Place(ledger.Bet{
		UUID:      uuid.NewString(),
		Amount:    req.Amount,
		BetInfo:   info,
		Timestamp: d.now().UnixMilli(),
	})
	metrics.BetsReconciled.WithLabelValues("place").Inc()
	return b, nil
}

// ApplyPlacement reconciles the response to a placement. A rejected
// placement is removed from the ledger; the paused code also suspends the
// round.
func (d *Dispatcher) ApplyPlacement(b ledger.Bet, resp types.PostResponse) []round.Effect {
	data, ok := resp.Data()
	if resp.IsSuccess && ok && data.Success {
		n := d.st.Bets.MergeResponse(data.RegisteredBets)
		metrics.BetsReconciled.WithLabelValues("merge").Add(float64(n))
		return nil
	}

	if _, removed := d.st.Bets.Remove(b.UUID, b.RoundBetID); removed {
		metrics.BetsReconciled.WithLabelValues("reject").Inc()
	}
	text := data.Error
	if text == "" {
		text = betFailedText
	}
	d.emit.Emit(notify.Notification{Kind: notify.KindBetRejected, Text: text})
	return d.ApplyResponse(resp)
}

// ApplyResponse pauses the round when a request reports the paused code.
// The next status push lifts it.
func (d *Dispatcher) ApplyResponse(resp types.PostResponse) []round.Effect {
	if resp.IsSuccess {
		return nil
	}
	if code, ok := resp.Code(); ok && code == types.ResponseCodePaused {
		return d.transition(round.Event{Type: round.EvtPause})
	}
	return nil
}

// ApplyRequestError reports a placement that never got an answer. The bet
// stays pending until a confirmation or the closed status decides it.
func (d *Dispatcher) ApplyRequestError(err error) {
	d.emit.Emit(notify.Notification{Kind: notify.KindRequestFailed, Text: err.Error()})
}

func (d *Dispatcher) applyPayload(p types.Payload) []round.Effect {
	kind := payloadKind(p)
	metrics.PayloadsDispatched.WithLabelValues(kind).Inc()

	switch v := p.(type) {
	case *types.UserPayload:
		u := &d.st.User
		u.ID, u.Nick, u.Avatar, u.Balance = v.ID, v.Nick, v.Avatar, v.Balance
		u.HasBalance = true
		d.forward(notify.KindUser, v)

	case *types.BalancePayload:
		d.st.User.Balance = v.Balance
		d.st.User.HasBalance = true
		d.forward(notify.KindBalance, v)

	case *types.StatusPayload:
		ev := round.Event{
			Type:        round.EvtStatus,
			Status:      round.State(v.Status),
			RoundID:     v.RoundID,
			RoundLength: v.RoundLength,
			DisableTime: v.DisableTime,
			Result:      v.Result,
		}
		if cfg := (round.Config{Limits: v.Limits, Odds: v.Odds, Steps: v.Steps, Probabilities: v.Probabilities}); hasConfig(cfg) {
			ev.Config = &cfg
		}
		return d.transition(ev)

	case *types.CrashUpdatePayload:
		d.st.Round.Multiplier = v.Multiplier
		d.forward(notify.KindCrashUpdate, v)

	case *types.BetsPayload:
		d.applyBets(v)

	case *types.HistoryPayload:
		d.st.Round = round.SeedHistory(d.st.Round, v.History)
		d.forward(notify.KindHistory, v)

	case *types.DealerPayload:
		d.st.Round.Dealer = v.Name
		d.forward(notify.KindDealer, v)

	case *types.PassThrough:
		switch v.Kind {
		case types.PayloadPot:
			d.st.Pot = v.Raw
		case types.PayloadStatistics:
			d.st.Round.Statistics = v.Raw
		}
		d.emit.Emit(notify.Notification{Kind: v.Kind, Data: v.Raw})

	case *types.Unknown:
		d.log.Debug("ignoring payload", zap.String("type", v.Kind))
		metrics.PayloadsDropped.WithLabelValues(metrics.ReasonUnknown).Inc()
	}
	return nil
}

func (d *Dispatcher) applyBets(v *types.BetsPayload) {
	var n int
	switch v.Kind {
	case types.PayloadBets:
		n = d.st.Bets.Append(v.Bets)
	case types.PayloadBetsRegistered:
		n = d.st.Bets.Register(v.Bets)
	case types.PayloadBetsCanceled:
		n = len(d.st.Bets.Cancel(v.Bets))
	case types.PayloadBetsFailed:
		n = len(d.st.Bets.Cancel(v.Bets))
		text := v.Error
		if text == "" {
			text = betFailedText
		}
		d.emit.Emit(notify.Notification{Kind: notify.KindBetFailed, Text: text})
	}
	metrics.BetsReconciled.WithLabelValues(v.Kind).Add(float64(n))
}

func (d *Dispatcher) transition(ev round.Event) []round.Effect {
	ev.Bets = d.st.Bets.Bets()
	effects, next, err := round.Apply(d.st.Round, ev)
	if err != nil {
		d.log.Debug("round event rejected",
			zap.String("event", string(ev.Type)),
			zap.String("status", string(ev.Status)),
			zap.String("round_id", ev.RoundID),
			zap.Error(err))
		metrics.PayloadsDropped.WithLabelValues(metrics.ReasonRejected).Inc()
		return nil
	}
	d.st.Round = next

	for _, e := range effects {
		switch e.Type {
		case round.EffClearBets:
			d.st.PrevRoundBets = d.st.Bets.Clear()
		case round.EffVoidBets:
			d.st.Bets.Clear()
		case round.EffDropPending:
			if dropped := d.st.Bets.DropPending(); len(dropped) > 0 {
				metrics.BetsReconciled.WithLabelValues("drop_pending").Add(float64(len(dropped)))
			}
		case round.EffPayoutPreview:
			d.emitPayout(e)
		case round.EffNotice:
			d.emit.Emit(notify.Notification{Kind: notify.KindNotice, Text: e.Notice, Fatal: e.Fatal})
		}
	}
	return effects
}

func (d *Dispatcher) emitPayout(e round.Effect) {
	u := d.st.User
	p := message.NewPrinter(u.Locale)
	data, _ := json.Marshal(struct {
		Stake      float64 `json:"stake"`
		Multiplier float64 `json:"multiplier"`
		Payout     float64 `json:"payout"`
	}{e.Stake, e.Multiplier, e.Payout})
	d.emit.Emit(notify.Notification{
		Kind: notify.KindPayout,
		Text: p.Sprintf("%s%.2f", u.CurrencySign, e.Payout),
		Data: data,
	})
}

func (d *Dispatcher) forward(kind string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		d.log.Warn("forward payload", zap.String("kind", kind), zap.Error(err))
		return
	}
	d.emit.Emit(notify.Notification{Kind: kind, Data: data})
}

func hasConfig(c round.Config) bool {
	return !types.IsNull(c.Limits) || !types.IsNull(c.Odds) ||
		!types.IsNull(c.Steps) || !types.IsNull(c.Probabilities)
}

func payloadKind(p types.Payload) string {
	switch v := p.(type) {
	case *types.UserPayload:
		return types.PayloadUser
	case *types.BalancePayload:
		return types.PayloadBalance
	case *types.StatusPayload:
		if v.Current {
			return types.PayloadCurrentStatus
		}
		return types.PayloadStatus
	case *types.CrashUpdatePayload:
		return types.PayloadCrashUpdate
	case *types.BetsPayload:
		return v.Kind
	case *types.HistoryPayload:
		return types.PayloadHistory
	case *types.DealerPayload:
		return types.PayloadCurrentDealer
	case *types.PassThrough:
		return v.Kind
	}
	return "unknown"
}
