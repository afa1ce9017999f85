package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Payload type tags carried inside a message frame.
const (
	PayloadUser           = "user"
	PayloadBalance        = "balance"
	PayloadStatus         = "status"
	PayloadCurrentStatus  = "current_status"
	PayloadCrashUpdate    = "crash_update"
	PayloadBets           = "bets"
	PayloadPot            = "pot"
	PayloadBetsRegistered = "bets_registered"
	PayloadBetsCanceled   = "bets_canceled"
	PayloadBetsCancelled  = "bets_cancelled"
	PayloadBetsFailed     = "bets_failed"
	PayloadChat           = "chat"
	PayloadChatHistory    = "chatHistory"
	PayloadStatistics     = "statistics"
	PayloadWin            = "win"
	PayloadHistory        = "history"
	PayloadCurrentDealer  = "current_dealer"
	PayloadAutoplayEnd    = "autoplay_end"
	PayloadPopup          = "popup"
)

var ErrEmptyPayload = errors.New("empty payload")

// Payload is the sum of every known inbound payload plus Unknown.
type Payload interface{ isPayload() }

// WireBet is a bet as reported by the server or sent with a placement.
type WireBet struct {
	ID         string          `json:"id,omitempty"`
	UUID       string          `json:"uuid,omitempty"`
	RoundBetID int64           `json:"roundBetId,omitempty"`
	Amount     float64         `json:"amount"`
	BetInfo    json.RawMessage `json:"betInfo,omitempty"`
	Timestamp  int64           `json:"timestamp,omitempty"`
}

type UserPayload struct {
	ID      string  `json:"id"`
	Nick    string  `json:"nick"`
	Avatar  string  `json:"avatar"`
	Balance float64 `json:"balance"`
}

type BalancePayload struct {
	Balance float64 `json:"balance"`
}

type StatusPayload struct {
	Current       bool            `json:"-"`
	Status        RoundStatus     `json:"status"`
	RoundID       string          `json:"round_id,omitempty"`
	RoundLength   int             `json:"round_length,omitempty"`
	DisableTime   int             `json:"disable_time,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Limits        json.RawMessage `json:"limits,omitempty"`
	Odds          json.RawMessage `json:"odds,omitempty"`
	Steps         json.RawMessage `json:"steps,omitempty"`
	Probabilities json.RawMessage `json:"probabilities,omitempty"`
}

type CrashUpdatePayload struct {
	Multiplier float64 `json:"multiplier"`
	Elapsed    int64   `json:"elapsed,omitempty"`
}

// BetsPayload backs bets, bets_registered, bets_canceled and bets_failed.
type BetsPayload struct {
	Kind  string    `json:"-"`
	Bets  []WireBet `json:"bets"`
	Error string    `json:"error,omitempty"`
}

type HistoryItem struct {
	RoundID string          `json:"round_id"`
	Result  json.RawMessage `json:"result"`
}

type HistoryPayload struct {
	History []HistoryItem `json:"history"`
}

type DealerPayload struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// PassThrough covers payloads the core only forwards: pot, chat, chatHistory,
// statistics, win, autoplay_end and popup.
type PassThrough struct {
	Kind string
	Raw  json.RawMessage
}

type Unknown struct {
	Kind string
	Raw  json.RawMessage
}

func (*UserPayload) isPayload()        {}
func (*BalancePayload) isPayload()     {}
func (*StatusPayload) isPayload()      {}
func (*CrashUpdatePayload) isPayload() {}
func (*BetsPayload) isPayload()        {}
func (*HistoryPayload) isPayload()     {}
func (*DealerPayload) isPayload()      {}
func (*PassThrough) isPayload()        {}
func (*Unknown) isPayload()            {}

type probe struct {
	Type  string          `json:"type"`
	Popup json.RawMessage `json:"popup"`
}

// DecodePayload turns one JSON message into a typed payload. Decoding is
// complete before anything is returned so callers never see a half filled
// value. Unrecognised types come back as *Unknown, not as an error.
func DecodePayload(b []byte) (Payload, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || IsNull(b) {
		return nil, ErrEmptyPayload
	}
	var p probe
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var out Payload
	switch p.Type {
	case PayloadUser:
		out = &UserPayload{}
	case PayloadBalance:
		out = &BalancePayload{}
	case PayloadStatus:
		out = &StatusPayload{}
	case PayloadCurrentStatus:
		out = &StatusPayload{Current: true}
	case PayloadCrashUpdate:
		out = &CrashUpdatePayload{}
	case PayloadBets, PayloadBetsRegistered, PayloadBetsFailed:
		out = &BetsPayload{Kind: p.Type}
	case PayloadBetsCanceled, PayloadBetsCancelled:
		out = &BetsPayload{Kind: PayloadBetsCanceled}
	case PayloadHistory:
		out = &HistoryPayload{}
	case PayloadCurrentDealer:
		out = &DealerPayload{}
	case PayloadPot, PayloadChat, PayloadChatHistory, PayloadStatistics, PayloadWin, PayloadAutoplayEnd:
		return &PassThrough{Kind: p.Type, Raw: json.RawMessage(b)}, nil
	case "":
		if len(p.Popup) > 0 && !IsNull(p.Popup) {
			return &PassThrough{Kind: PayloadPopup, Raw: p.Popup}, nil
		}
		return &Unknown{Raw: json.RawMessage(b)}, nil
	default:
		return &Unknown{Kind: p.Type, Raw: json.RawMessage(b)}, nil
	}

	if err := json.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", p.Type, err)
	}
	return out, nil
}

// IsNull reports whether a raw JSON value is absent or null.
func IsNull(b json.RawMessage) bool {
	b = bytes.TrimSpace(b)
	return len(b) == 0 || bytes.Equal(b, []byte("null"))
}
