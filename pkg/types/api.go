package types

import (
	"encoding/json"
)

// Request channel responses all share the {IsSuccess, ResponseData} envelope.
type Response[T any] struct {
	IsSuccess    bool `json:"IsSuccess"`
	ResponseData T    `json:"ResponseData"`
}

type GameInfo struct {
	Title        string          `json:"Title"`
	GameType     string          `json:"GameType"`
	StreamConfig json.RawMessage `json:"StreamConfig,omitempty"`
	HlsURL       string          `json:"HlsUrl,omitempty"`
	RtmpURL      string          `json:"RtmpUrl,omitempty"`
	WebRTCURL    string          `json:"WebRTCUrl,omitempty"`
}

// Stream returns the first configured stream and its kind.
func (g GameInfo) Stream() (kind, url string) {
	switch {
	case g.HlsURL != "":
		return "hls", g.HlsURL
	case g.RtmpURL != "":
		return "rtmp", g.RtmpURL
	case g.WebRTCURL != "":
		return "webrtc", g.WebRTCURL
	}
	return "", ""
}

type JoinData struct {
	UserData UserData `json:"UserData"`
}

type UserData struct {
	CurrencySign       string         `json:"CurrencySign"`
	CurrencyMultiplier float64        `json:"CurrencyMultiplier"`
	CurrencyName       string         `json:"CurrencyName"`
	LocaleID           string         `json:"LocaleId"`
	GameFeatures       map[string]any `json:"GameFeatures"`
}

// PostResponse is the reply to a player intent. ResponseData is an object on
// success and may be a bare status code on failure.
type PostResponse struct {
	IsSuccess    bool            `json:"IsSuccess"`
	ResponseData json.RawMessage `json:"ResponseData"`
}

// ResponseCodePaused is the failure code that suspends the round.
const ResponseCodePaused = 100

type PostData struct {
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	RegisteredBets []WireBet `json:"registeredBets,omitempty"`
}

// Data decodes the object form of ResponseData. A bare code yields a zero
// PostData and ok=false.
func (r PostResponse) Data() (PostData, bool) {
	var d PostData
	if IsNull(r.ResponseData) {
		return d, false
	}
	if err := json.Unmarshal(r.ResponseData, &d); err != nil {
		return PostData{}, false
	}
	return d, true
}

// Code returns ResponseData when the server sent a bare number.
func (r PostResponse) Code() (int, bool) {
	var c int
	if IsNull(r.ResponseData) {
		return 0, false
	}
	if err := json.Unmarshal(r.ResponseData, &c); err != nil {
		return 0, false
	}
	return c, true
}

// Intent is an outbound player request: bet, step, cash_out, config, video_token.
type Intent struct {
	Type   string         `json:"type"`
	Fields map[string]any `json:"-"`
}

func (i Intent) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(i.Fields)+1)
	for k, v := range i.Fields {
		m[k] = v
	}
	m["type"] = i.Type
	return json.Marshal(m)
}

const (
	IntentBet     = "bet"
	IntentStep    = "step"
	IntentCashOut = "cash_out"
	IntentConfig  = "config"
)

type BetReportRow struct {
	RoundID      string  `json:"roundId"`
	GameID       string  `json:"gameId"`
	Date         string  `json:"date"`
	CurrencySign string  `json:"currencySign"`
	BetAmount    float64 `json:"betAmount"`
	WinAmount    float64 `json:"winAmount"`
}

type ResultReportRow struct {
	Date      string `json:"date"`
	Result    string `json:"result"`
	RoundID   string `json:"roundId"`
	VideoLink string `json:"videoLink"`
}
