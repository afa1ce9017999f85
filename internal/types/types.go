package types

import (
	"github.com/DoyleJ11/crashlane-client/internal/ledger"
	"github.com/DoyleJ11/crashlane-client/internal/notify"
)

// ClientMessage is what the presentation layer sends over its socket.
type ClientMessage struct {
	Type    string         `json:"type"` // "bet" | "step" | "cash_out"
	BetType string         `json:"bet_type,omitempty"`
	ID      string         `json:"id,omitempty"`
	Amount  float64        `json:"amount,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

type ServerMessage struct {
	Type   string         `json:"type"` // "Update" | "BetResult" | "Response" | "Error"
	Update *notify.Update `json:"update,omitempty"`
	Bet    *ledger.Bet    `json:"bet,omitempty"`
	OK     bool           `json:"ok,omitempty"`
	Error  string         `json:"error,omitempty"`
}
