package notify

import (
	"encoding/json"
)

// Notification kinds. Pass-through kinds mirror the payload type that
// produced them.
const (
	KindUser          = "user"
	KindBalance       = "balance"
	KindCrashUpdate   = "crash_update"
	KindPot           = "pot"
	KindChat          = "chat"
	KindChatHistory   = "chatHistory"
	KindStatistics    = "statistics"
	KindWin           = "win"
	KindHistory       = "history"
	KindDealer        = "current_dealer"
	KindAutoplayEnd   = "autoplay_end"
	KindPopup         = "popup"
	KindPayout        = "payout_preview"
	KindNotice        = "notice"
	KindBetFailed     = "bet_failed"
	KindBetRejected   = "bet_rejected"
	KindReconnecting  = "reconnecting"
	KindRequestFailed = "request_failed"
)

type Notification struct {
	Kind  string          `json:"kind"`
	Text  string          `json:"text,omitempty"`
	Fatal bool            `json:"fatal,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Emitter receives notifications produced while applying state.
type Emitter interface {
	Emit(Notification)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Notification)

func (f EmitterFunc) Emit(n Notification) { f(n) }

// Recorder keeps everything emitted, for tests and replay.
type Recorder struct {
	Items []Notification
}

func (r *Recorder) Emit(n Notification) { r.Items = append(r.Items, n) }

// Kinds lists recorded kinds in order.
func (r *Recorder) Kinds() []string {
	out := make([]string, 0, len(r.Items))
	for _, n := range r.Items {
		out = append(out, n.Kind)
	}
	return out
}

// Parent frame messages.
const (
	ParentProgress = "progress"
	ParentRefresh  = "refresh"
	ParentHome     = "home"
)

type ParentMessage struct {
	Type     string `json:"type"`
	Progress int    `json:"progress,omitempty"`
}
