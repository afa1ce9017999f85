package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/DoyleJ11/crashlane-client/pkg/types"
)

const (
	dayLayout   = "2006-01-02"
	stampLayout = "2006-01-02-15-04-05"

	betReportCount   = 100
	betReportRange   = 1000
	resultRecentSize = 10
)

// BetFilter narrows a bet report. The zero value asks for today.
type BetFilter struct {
	RoundID string
	From    time.Time
	To      time.Time
}

// BetRound is the report of one round with its bets summed up.
type BetRound struct {
	RoundID      string               `json:"roundId"`
	GameID       string               `json:"gameId"`
	Date         string               `json:"date"`
	CurrencySign string               `json:"currencySign"`
	BetAmount    float64              `json:"betAmount"`
	WinAmount    float64              `json:"winAmount"`
	Bets         []types.BetReportRow `json:"bets"`
}

func (c *Client) betReportPath(f BetFilter) string {
	today := c.now().UTC().Format(dayLayout)
	q := url.Values{}
	var date string
	count := betReportCount
	switch {
	case f.RoundID != "":
		date = today + "_"
		q.Set("roundId", f.RoundID)
	case !f.From.IsZero() && !f.To.IsZero():
		from := startOfDay(f.From)
		to := startOfDay(f.To).Add(24*time.Hour - time.Second)
		date = from.Format(stampLayout) + "_" + to.Format(stampLayout)
		count = betReportRange
	case !f.From.IsZero():
		date = f.From.UTC().Format(dayLayout) + "_"
	case !f.To.IsZero():
		date = "_" + f.To.UTC().Format(dayLayout)
	default:
		date = today
	}
	q.Set("maxBets", strconv.Itoa(count))
	// date goes first and unescaped, the server splits it on "_"
	return "bet_report/*/?date=" + date + "&" + q.Encode()
}

// BetReport fetches the player's bets and groups them per round, in the
// order the rounds first appear.
func (c *Client) BetReport(ctx context.Context, f BetFilter) ([]BetRound, error) {
	path := c.betReportPath(f)
	if cached, ok := c.reports.Get(path); ok {
		return cached, nil
	}

	var resp types.Response[[]types.BetReportRow]
	if err := c.do(ctx, EndpointBetReport, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.IsSuccess {
		return nil, fmt.Errorf("%s: %w", EndpointBetReport, ErrNotSuccessful)
	}
	rounds := GroupBets(resp.ResponseData)
	c.reports.Add(path, rounds)
	return rounds, nil
}

// GroupBets sums bets per round. A losing bet counts as minus its stake.
func GroupBets(rows []types.BetReportRow) []BetRound {
	var out []BetRound
	index := make(map[string]int)
	for _, r := range rows {
		i, ok := index[r.RoundID]
		if !ok {
			i = len(out)
			index[r.RoundID] = i
			out = append(out, BetRound{
				RoundID:      r.RoundID,
				GameID:       r.GameID,
				Date:         reportDay(r.Date),
				CurrencySign: r.CurrencySign,
			})
		}
		g := &out[i]
		g.BetAmount += r.BetAmount
		if r.WinAmount > 0 {
			g.WinAmount += r.WinAmount
		} else {
			g.WinAmount -= r.BetAmount
		}
		g.Bets = append(g.Bets, r)
	}
	return out
}

// ResultFilter narrows a result report. FromTime and ToTime are "HH:MM" on
// Date. The zero value asks for the latest results.
type ResultFilter struct {
	Date     time.Time
	DrawID   string
	FromTime string
	ToTime   string
}

type Result struct {
	Time      time.Time `json:"time"`
	Result    []string  `json:"result"`
	Draw      string    `json:"draw"`
	VideoLink string    `json:"videoLink,omitempty"`
}

func (c *Client) resultReportPath(instanceID string, f ResultFilter) (string, error) {
	base := "result_report/" + instanceID + "/"
	switch {
	case f.Date.IsZero() && f.DrawID == "" && f.FromTime == "" && f.ToTime == "":
		return base + c.now().UTC().Format(dayLayout) + "/" + strconv.Itoa(resultRecentSize) + "/", nil
	case f.DrawID != "":
		return base + f.Date.UTC().Format(dayLayout) + "/" + f.DrawID + "/", nil
	case f.FromTime != "" || f.ToTime != "":
		day := startOfDay(f.Date)
		from, to := day, day.Add(24*time.Hour)
		if f.FromTime != "" {
			d, err := clock(f.FromTime)
			if err != nil {
				return "", err
			}
			from = day.Add(d)
		}
		if f.ToTime != "" {
			d, err := clock(f.ToTime)
			if err != nil {
				return "", err
			}
			to = day.Add(d)
		}
		return base + from.Format(stampLayout) + "_" + to.Format(stampLayout) + "/0/", nil
	default:
		return base + c.now().UTC().Format(dayLayout) + "/0/", nil
	}
}

// ResultReport fetches past results of an instance.
func (c *Client) ResultReport(ctx context.Context, instanceID string, f ResultFilter) ([]Result, error) {
	path, err := c.resultReportPath(instanceID, f)
	if err != nil {
		return nil, err
	}
	var resp types.Response[[]types.ResultReportRow]
	if err := c.do(ctx, EndpointResultReport, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if !resp.IsSuccess {
		return nil, fmt.Errorf("%s: %w", EndpointResultReport, ErrNotSuccessful)
	}

	out := make([]Result, 0, len(resp.ResponseData))
	for _, row := range resp.ResponseData {
		out = append(out, Result{
			Time:      parseReportTime(row.Date),
			Result:    splitResult(row.Result),
			Draw:      row.RoundID,
			VideoLink: row.VideoLink,
		})
	}
	return out, nil
}

// splitResult decodes a result that is itself a JSON string like "3-1-4".
func splitResult(raw string) []string {
	s := raw
	var inner string
	if json.Unmarshal([]byte(raw), &inner) == nil {
		s = inner
	}
	if s == "" {
		return nil
	}
	return strings.Split(s, "-")
}

var reportLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	stampLayout,
	dayLayout,
}

// parseReportTime reads server dates, which are UTC.
func parseReportTime(s string) time.Time {
	for _, layout := range reportLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}

func reportDay(s string) string {
	t := parseReportTime(s)
	if t.IsZero() {
		return s
	}
	return t.Format("02-01-2006")
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func clock(hhmm string) (time.Duration, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return 0, fmt.Errorf("time of day %q: %w", hhmm, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
