package types

import (
	"encoding/json"
	"fmt"
)

// Server -> Client channel frames
//   ready:    {type:"ready"}
//   message:  {type:"message", instanceId, date, data:{Type, Message}}
//   unsubbed: {type:"unsubbed"}
//   expire:   {type:"expire"}
//
// Client -> Server
//   init: {type:"init", instanceId, sessionToken}
//
// data.Type is a directive code. Payload, Popup and System carry a JSON encoded
// Message with a type tagged payload (see payloads.go).

const (
	FrameReady    = "ready"
	FrameMessage  = "message"
	FrameUnsubbed = "unsubbed"
	FrameExpire   = "expire"
	FrameInit     = "init"
)

type DirectiveType int

const (
	DirectivePayload    DirectiveType = 0
	DirectiveShutdown   DirectiveType = 1
	DirectiveRestart    DirectiveType = 2
	DirectiveDisable    DirectiveType = 5
	DirectiveEnable     DirectiveType = 6
	DirectiveInitialize DirectiveType = 7
	DirectivePopup      DirectiveType = 50
	DirectiveSystem     DirectiveType = 100
)

// CarriesPayload reports whether Message holds a JSON payload.
func (d DirectiveType) CarriesPayload() bool {
	return d == DirectivePayload || d == DirectivePopup || d == DirectiveSystem
}

type Frame struct {
	Type       string     `json:"type"`
	InstanceID string     `json:"instanceId,omitempty"`
	Date       string     `json:"date,omitempty"`
	Data       *FrameData `json:"data,omitempty"`
}

type FrameData struct {
	Type    DirectiveType `json:"Type"`
	Message string        `json:"Message"`
}

type InitFrame struct {
	Type         string `json:"type"`
	InstanceID   string `json:"instanceId"`
	SessionToken string `json:"sessionToken"`
}

func NewInitFrame(instanceID, token string) InitFrame {
	return InitFrame{Type: FrameInit, InstanceID: instanceID, SessionToken: token}
}

// RoundStatus is a round lifecycle name. The server sends either the name
// or the numeric code, both decode to the name.
type RoundStatus string

var statusByCode = map[int]RoundStatus{
	0:  "closed",
	1:  "opened",
	2:  "drawing",
	3:  "result",
	5:  "cancelled",
	8:  "reopened",
	9:  "drawCompleted",
	10: "init",
	11: "paused",
	20: "disabled",
}

func (s *RoundStatus) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		*s = RoundStatus(name)
		return nil
	}
	var code int
	if err := json.Unmarshal(b, &code); err != nil {
		return fmt.Errorf("round status: %w", err)
	}
	st, ok := statusByCode[code]
	if !ok {
		return fmt.Errorf("round status: unknown code %d", code)
	}
	*s = st
	return nil
}
