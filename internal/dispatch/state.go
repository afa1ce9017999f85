package dispatch

import (
	"encoding/json"
	"maps"

	"golang.org/x/text/language"

	"github.com/DoyleJ11/crashlane-client/internal/ledger"
	"github.com/DoyleJ11/crashlane-client/internal/round"
)

type User struct {
	ID                 string       `json:"id,omitempty"`
	Nick               string       `json:"nick,omitempty"`
	Avatar             string       `json:"avatar,omitempty"`
	Balance            float64      `json:"balance"`
	HasBalance         bool         `json:"has_balance"`
	CurrencyName       string       `json:"currency_name,omitempty"`
	CurrencySign       string       `json:"currency_sign,omitempty"`
	CurrencyMultiplier float64      `json:"currency_multiplier,omitempty"`
	LocaleID           string       `json:"locale_id,omitempty"`
	Locale             language.Tag `json:"locale"`
}

type Game struct {
	InstanceID   string          `json:"instance_id"`
	Title        string          `json:"title,omitempty"`
	Type         string          `json:"type,omitempty"`
	StreamKind   string          `json:"stream_kind,omitempty"`
	StreamURL    string          `json:"stream_url,omitempty"`
	StreamConfig json.RawMessage `json:"stream_config,omitempty"`
}

// Default feature flags applied before the join response overrides them.
var defaultFeatures = map[string]any{
	"hasCloseButton": true,
	"hasChat":        false,
}

// State is everything the core knows about one game instance. It is owned by
// a single loop; presentation only ever sees Snapshot copies.
type State struct {
	Game          Game
	User          User
	Features      map[string]any
	Round         round.Round
	Bets          *ledger.Ledger
	PrevRoundBets []ledger.Bet
	Pot           json.RawMessage
}

func NewState(instanceID string) *State {
	return &State{
		Game:     Game{InstanceID: instanceID},
		User:     User{Locale: language.English},
		Features: maps.Clone(defaultFeatures),
		Round:    round.New(),
		Bets:     ledger.New(),
	}
}

type Snapshot struct {
	Game          Game            `json:"game"`
	User          User            `json:"user"`
	Features      map[string]any  `json:"features"`
	Round         round.Round     `json:"round"`
	Bets          []ledger.Bet    `json:"bets"`
	PrevRoundBets []ledger.Bet    `json:"prev_round_bets,omitempty"`
	Pot           json.RawMessage `json:"pot,omitempty"`
	AcceptingBets bool            `json:"accepting_bets"`
}

// Snapshot returns a deep enough copy to hand to another goroutine.
func (s *State) Snapshot() Snapshot {
	r := s.Round
	r.History = append([]round.HistoryEntry(nil), s.Round.History...)
	return Snapshot{
		Game:          s.Game,
		User:          s.User,
		Features:      maps.Clone(s.Features),
		Round:         r,
		Bets:          s.Bets.Bets(),
		PrevRoundBets: append([]ledger.Bet(nil), s.PrevRoundBets...),
		Pot:           s.Pot,
		AcceptingBets: r.AcceptingBets(),
	}
}

// locale resolves the player's locale, falling back to the session language.
func locale(id, fallback string) language.Tag {
	if id != "" {
		if tag, err := language.Parse(id); err == nil {
			return tag
		}
	}
	if fallback != "" {
		return language.Make(fallback)
	}
	return language.English
}
