package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/crashlane-client/internal/api"
	"github.com/DoyleJ11/crashlane-client/internal/dispatch"
	"github.com/DoyleJ11/crashlane-client/internal/hub"
	"github.com/DoyleJ11/crashlane-client/internal/limits"
	"github.com/DoyleJ11/crashlane-client/internal/session"
	"github.com/DoyleJ11/crashlane-client/internal/store"
	"github.com/DoyleJ11/crashlane-client/pkg/types"
)

const (
	requestTimeout = 10 * time.Second
	dateLayout     = "2006-01-02"
	defaultRounds  = 20
)

// Reporter serves the bet and result reports.
type Reporter interface {
	BetReport(ctx context.Context, f api.BetFilter) ([]api.BetRound, error)
	ResultReport(ctx context.Context, instanceID string, f api.ResultFilter) ([]api.Result, error)
}

type RoundLister interface {
	RecentRounds(ctx context.Context, instanceID string, limit int) ([]store.RoundResult, error)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// lookup resolves the {id} session or answers 404.
func lookup(h *hub.Hub, w http.ResponseWriter, r *http.Request) *session.Session {
	s := h.Get(r.Context(), chi.URLParam(r, "id"))
	if s == nil {
		writeError(w, http.StatusNotFound, "instance not found")
	}
	return s
}

func ListInstances(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := make(chan []string, 1)
		h.Inbox() <- hub.ListSessions{Reply: reply}
		ids := <-reply
		slices.Sort(ids)
		writeJSON(w, http.StatusOK, struct {
			Instances []string `json:"instances"`
		}{Instances: ids})
	}
}

func GetState(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := lookup(h, w, r)
		if s == nil {
			return
		}
		v, err := s.View(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

type betRequest struct {
	Type   string  `json:"type" validate:"required"`
	ID     string  `json:"id"`
	Amount float64 `json:"amount" validate:"gt=0"`
}

func PlaceBet(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := lookup(h, w, r)
		if s == nil {
			return
		}
		var req betRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, validationMessage(err))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		bet, err := s.PlaceBet(dispatch.BetRequest{Type: req.Type, ID: req.ID, Amount: req.Amount}).Wait(ctx)
		if err != nil {
			status := betStatus(err)
			if status >= http.StatusInternalServerError {
				log.Warn("bet failed", zap.String("instance_id", s.InstanceID()), zap.Error(err))
			}
			writeError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, bet)
	}
}

func betStatus(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrNotAccepting),
		errors.Is(err, session.ErrNotJoined),
		errors.Is(err, session.ErrSessionTerminated):
		return http.StatusConflict
	case errors.Is(err, limits.ErrInvalidAmount),
		errors.Is(err, limits.ErrTableLimit),
		errors.Is(err, limits.ErrPositionMax),
		errors.Is(err, limits.ErrPositionMin),
		errors.Is(err, limits.ErrInsufficientBalance),
		errors.Is(err, session.ErrBetRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

type actionRequest struct {
	Type   string         `json:"type" validate:"required,oneof=step cash_out config"`
	Fields map[string]any `json:"fields,omitempty"`
}

// PostAction submits a non-bet intent: step, cash_out or config.
func PostAction(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := lookup(h, w, r)
		if s == nil {
			return
		}
		var req actionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad json")
			return
		}
		if err := validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, validationMessage(err))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		resp, err := s.Send(types.Intent{Type: req.Type, Fields: req.Fields}).Wait(ctx)
		if err != nil {
			writeError(w, betStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func parseDate(q string) (time.Time, error) {
	if q == "" {
		return time.Time{}, nil
	}
	return time.Parse(dateLayout, q)
}

func BetReport(rep Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		from, err := parseDate(q.Get("from"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad from date")
			return
		}
		to, err := parseDate(q.Get("to"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad to date")
			return
		}
		rounds, err := rep.BetReport(r.Context(), api.BetFilter{RoundID: q.Get("round"), From: from, To: to})
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, rounds)
	}
}

func ResultReport(rep Reporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		date, err := parseDate(q.Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad date")
			return
		}
		f := api.ResultFilter{Date: date, DrawID: q.Get("draw"), FromTime: q.Get("from"), ToTime: q.Get("to")}
		results, err := rep.ResultReport(r.Context(), chi.URLParam(r, "id"), f)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func RecentRounds(rounds RoundLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultRounds
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "bad limit")
				return
			}
			limit = n
		}
		out, err := rounds.RecentRounds(r.Context(), chi.URLParam(r, "id"), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}
