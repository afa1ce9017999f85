package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/DoyleJ11/crashlane-client/pkg/types"
)

var ErrMissingData = errors.New("message frame without data")

// Inbound is one decoded channel frame.
type Inbound interface{ isInbound() }

type Ready struct{}

type Unsubbed struct{}

type Expire struct{}

// Directive is an out-of-band server command without a payload.
type Directive struct {
	Code types.DirectiveType
}

type Message struct {
	InstanceID string
	Code       types.DirectiveType
	Payload    types.Payload
}

// Ignored is a frame type this client does not know.
type Ignored struct {
	Type string
}

func (Ready) isInbound()     {}
func (Unsubbed) isInbound()  {}
func (Expire) isInbound()    {}
func (Directive) isInbound() {}
func (Message) isInbound()   {}
func (Ignored) isInbound()   {}

// DecodeFrame parses a raw channel frame including any nested payload.
// Nothing is returned until the whole frame has decoded.
func DecodeFrame(raw []byte) (Inbound, error) {
	var f types.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	switch f.Type {
	case types.FrameReady:
		return Ready{}, nil
	case types.FrameUnsubbed:
		return Unsubbed{}, nil
	case types.FrameExpire:
		return Expire{}, nil
	case types.FrameMessage:
	default:
		return Ignored{Type: f.Type}, nil
	}

	if f.Data == nil {
		return nil, ErrMissingData
	}
	if !f.Data.Type.CarriesPayload() {
		return Directive{Code: f.Data.Type}, nil
	}
	p, err := types.DecodePayload([]byte(f.Data.Message))
	if err != nil {
		return nil, fmt.Errorf("directive %d: %w", f.Data.Type, err)
	}
	return Message{InstanceID: f.InstanceID, Code: f.Data.Type, Payload: p}, nil
}

// Label names an inbound value for metrics and logs.
func Label(in Inbound) string {
	switch v := in.(type) {
	case Ready:
		return types.FrameReady
	case Unsubbed:
		return types.FrameUnsubbed
	case Expire:
		return types.FrameExpire
	case Directive:
		return fmt.Sprintf("directive_%d", v.Code)
	case Message:
		return types.FrameMessage
	case Ignored:
		return "ignored"
	}
	return "unknown"
}
