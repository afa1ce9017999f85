package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/crashlane-client/internal/dispatch"
	"github.com/DoyleJ11/crashlane-client/internal/hub"
	"github.com/DoyleJ11/crashlane-client/internal/notify"
	"github.com/DoyleJ11/crashlane-client/internal/session"
	"github.com/DoyleJ11/crashlane-client/internal/types"
	pkgtypes "github.com/DoyleJ11/crashlane-client/pkg/types"
)

const (
	writeTimeout   = 3 * time.Second
	readTimeout    = 60 * time.Second
	requestTimeout = 10 * time.Second
)

// Handler streams one instance's updates to a presentation client and
// forwards the client's intents to the session.
func Handler(h *hub.Hub, log *zap.Logger, origins ...string) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		s := h.Get(r.Context(), id)
		if s == nil {
			http.Error(w, "instance not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: origins})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		clientID := uuid.NewString()
		clog := log.With(zap.String("instance_id", id), zap.String("client_id", clientID))
		out := make(chan notify.Update, 32)
		s.Subscribe(clientID, out)
		defer s.Unsubscribe(clientID)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine
		go func() {
			defer cancel()
			for u := range out {
				if err := write(ctx, conn, types.ServerMessage{Type: "Update", Update: &u}); err != nil {
					clog.Debug("write update", zap.Error(err))
					return
				}
			}
			// outbox closed: dropped as slow or the session ended
			conn.Close(websocket.StatusGoingAway, "session gone")
		}()

		for {
			rctx, rcancel := context.WithTimeout(ctx, readTimeout)
			_, data, err := conn.Read(rctx)
			rcancel()
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					clog.Debug("read", zap.Error(err))
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				_ = write(ctx, conn, types.ServerMessage{Type: "Error", Error: "bad json"})
				continue
			}
			if !forward(ctx, conn, s, cm) {
				_ = write(ctx, conn, types.ServerMessage{Type: "Error", Error: "unknown type"})
			}
		}
	}
}

// forward submits the intent and answers asynchronously so the read loop
// never waits on the request channel.
func forward(ctx context.Context, conn *websocket.Conn, s *session.Session, cm types.ClientMessage) bool {
	switch cm.Type {
	case pkgtypes.IntentBet:
		fut := s.PlaceBet(dispatch.BetRequest{Type: cm.BetType, ID: cm.ID, Amount: cm.Amount})
		go func() {
			wctx, cancel := context.WithTimeout(ctx, requestTimeout)
			defer cancel()
			bet, err := fut.Wait(wctx)
			msg := types.ServerMessage{Type: "BetResult", OK: err == nil}
			if err != nil {
				msg.Error = err.Error()
			} else {
				msg.Bet = &bet
			}
			_ = write(ctx, conn, msg)
		}()

	case pkgtypes.IntentStep, pkgtypes.IntentCashOut:
		fut := s.Send(pkgtypes.Intent{Type: cm.Type, Fields: cm.Fields})
		go func() {
			wctx, cancel := context.WithTimeout(ctx, requestTimeout)
			defer cancel()
			resp, err := fut.Wait(wctx)
			msg := types.ServerMessage{Type: "Response", OK: err == nil && resp.IsSuccess}
			if err != nil {
				msg.Error = err.Error()
			}
			_ = write(ctx, conn, msg)
		}()

	default:
		return false
	}
	return true
}

func write(ctx context.Context, conn *websocket.Conn, msg types.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, payload)
}
