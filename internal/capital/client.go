package capital

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/devmorrow/goldbot/internal/candles"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CAPITAL.COM REST CLIENT - session, candles, prices, positions
// ═══════════════════════════════════════════════════════════════════════════════
//
// The API uses a two-step deal flow: POST/DELETE /positions returns only a
// dealReference; the actual outcome must be polled from /confirms/{ref}.
// Session tokens (CST + X-SECURITY-TOKEN) expire after ~10 minutes and are
// refreshed by re-authenticating on a fixed cadence.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrNotFound is returned by GetPosition when the broker reports 404
var ErrNotFound = errors.New("capital: not found")

const (
	defaultTimeout = 10 * time.Second
	slowTimeout    = 15 * time.Second

	confirmAttempts = 6
	confirmDelay    = 500 * time.Millisecond

	maxRetries = 3
)

// Client is the process-wide broker session. All methods are safe for
// concurrent use; tokens are swapped atomically on refresh.
type Client struct {
	http    *http.Client
	baseURL string

	apiKey   string
	email    string
	password string

	mu        sync.RWMutex
	cst       string
	secToken  string
	accountID string

	decMu    sync.Mutex
	decimals map[string]int32 // per-epic price precision cache
}

// NewClient creates an unauthenticated client; call CreateSession before use
func NewClient(baseURL, apiKey, email, password string) *Client {
	return &Client{
		http:     &http.Client{Timeout: slowTimeout},
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		email:    email,
		password: password,
		decimals: make(map[string]int32),
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// Session
// ═══════════════════════════════════════════════════════════════════════════════

// CreateSession authenticates and stores fresh tokens. Safe to call again to
// refresh an existing session.
func (c *Client) CreateSession(ctx context.Context) error {
	body, _ := json.Marshal(map[string]any{
		"identifier":        c.email,
		"password":          c.password,
		"encryptedPassword": false,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/session", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("X-CAP-API-KEY", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("create session: status %d", res.StatusCode)
	}

	var parsed sessionResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("create session: decode: %w", err)
	}

	c.mu.Lock()
	c.cst = res.Header.Get("CST")
	c.secToken = res.Header.Get("X-SECURITY-TOKEN")
	c.accountID = parsed.CurrentAccountID
	c.mu.Unlock()

	log.Info().
		Str("account", parsed.CurrentAccountID).
		Str("preferred", parsed.AccountInfo.Preferred).
		Msg("🔑 Session created")
	return nil
}

// SwitchAccount selects another account on the existing session; tokens are
// kept.
func (c *Client) SwitchAccount(ctx context.Context, accountID string) error {
	body, _ := json.Marshal(map[string]string{"accountId": accountID})
	if err := c.do(ctx, http.MethodPut, "/api/v1/session", body, nil); err != nil {
		return fmt.Errorf("switch account: %w", err)
	}

	c.mu.Lock()
	c.accountID = accountID
	c.mu.Unlock()
	return nil
}

// DestroySession logs out; errors are reported but the local tokens are
// cleared regardless.
func (c *Client) DestroySession(ctx context.Context) error {
	err := c.do(ctx, http.MethodDelete, "/api/v1/session", nil, nil)

	c.mu.Lock()
	c.cst = ""
	c.secToken = ""
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	log.Info().Msg("Session destroyed")
	return nil
}

// AccountID returns the id of the active account
func (c *Client) AccountID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accountID
}

// ═══════════════════════════════════════════════════════════════════════════════
// Market data
// ═══════════════════════════════════════════════════════════════════════════════

// GetCandles fetches up to max recent bars, ascending by time, with OHLC as
// the mid of bid/ask. The trailing bar may still be in progress; callers
// drop it by the wall-clock rule.
func (c *Client) GetCandles(ctx context.Context, epic, resolution string, max int) ([]candles.Bar, error) {
	path := fmt.Sprintf("/api/v1/prices/%s?resolution=%s&max=%d", epic, resolution, max)

	var parsed pricesResponse
	if err := c.getRetry(ctx, path, &parsed); err != nil {
		return nil, fmt.Errorf("get candles %s %s: %w", epic, resolution, err)
	}

	bars := make([]candles.Bar, 0, len(parsed.Prices))
	for _, p := range parsed.Prices {
		ts := p.SnapshotTimeUTC
		if ts == "" {
			ts = p.SnapshotTime
		}
		t := parseSnapshotTime(ts)
		if t == 0 {
			continue
		}
		bars = append(bars, candles.Bar{
			Time:   t,
			Open:   p.OpenPrice.mid(),
			High:   p.HighPrice.mid(),
			Low:    p.LowPrice.mid(),
			Close:  p.ClosePrice.mid(),
			Volume: p.LastTradedVolume,
		})
	}
	return bars, nil
}

// GetPrice returns the current bid/ask snapshot and market status. The
// epic's price precision is cached from the same response when present.
func (c *Client) GetPrice(ctx context.Context, epic string) (Quote, error) {
	var parsed marketResponse
	if err := c.getRetry(ctx, "/api/v1/markets/"+epic, &parsed); err != nil {
		return Quote{}, fmt.Errorf("get price %s: %w", epic, err)
	}

	if parsed.Snapshot.DecimalPlaces != nil {
		c.decMu.Lock()
		c.decimals[epic] = int32(*parsed.Snapshot.DecimalPlaces)
		c.decMu.Unlock()
	}

	return Quote{
		Bid:    parsed.Snapshot.Bid,
		Ask:    parsed.Snapshot.Offer,
		Status: parsed.Snapshot.MarketStatus,
	}, nil
}

// GetEquity returns the available balance of the first account
func (c *Client) GetEquity(ctx context.Context) (float64, error) {
	var parsed accountsResponse
	if err := c.getRetry(ctx, "/api/v1/accounts", &parsed); err != nil {
		return 0, fmt.Errorf("get accounts: %w", err)
	}
	if len(parsed.Accounts) == 0 {
		return 0, nil
	}
	return parsed.Accounts[0].Balance.Available, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// Positions
// ═══════════════════════════════════════════════════════════════════════════════

// CreatePosition places a market order with absolute stop and profit levels
// and polls the confirm endpoint until the deal resolves. Levels are rounded
// to the epic's cached precision.
func (c *Client) CreatePosition(ctx context.Context, epic, direction string, size, stopLevel, profitLevel float64) (DealResult, error) {
	body, _ := json.Marshal(map[string]any{
		"epic":           epic,
		"direction":      direction,
		"size":           size,
		"guaranteedStop": false,
		"stopLevel":      c.RoundForEpic(stopLevel, epic),
		"profitLevel":    c.RoundForEpic(profitLevel, epic),
	})

	log.Info().
		Str("epic", epic).
		Str("direction", direction).
		Float64("size", size).
		Float64("sl", c.RoundForEpic(stopLevel, epic)).
		Float64("tp", c.RoundForEpic(profitLevel, epic)).
		Msg("📤 createPosition")

	var ref dealReferenceResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/positions", body, &ref); err != nil {
		return DealResult{}, fmt.Errorf("create position: %w", err)
	}
	if ref.DealReference == "" {
		return DealResult{}, fmt.Errorf("create position: no dealReference in response")
	}

	confirmed, err := c.confirm(ctx, ref.DealReference)
	if err != nil {
		return DealResult{}, err
	}

	dealID := confirmed.DealID
	if dealID == "" && len(confirmed.AffectedDeals) > 0 {
		dealID = confirmed.AffectedDeals[0].DealID
	}
	if dealID == "" {
		return DealResult{}, fmt.Errorf("create position: no dealId in confirmation %s", ref.DealReference)
	}

	log.Info().Str("deal_id", dealID).Str("ref", ref.DealReference).Msg("✅ Deal confirmed")
	return DealResult{DealID: dealID, DealReference: ref.DealReference, Profit: confirmed.Profit}, nil
}

// ClosePosition closes a position in full and confirms the outcome. The
// returned result carries the broker-reported profit when present.
func (c *Client) ClosePosition(ctx context.Context, dealID string) (DealResult, error) {
	var ref dealReferenceResponse
	if err := c.do(ctx, http.MethodDelete, "/api/v1/positions/"+dealID, nil, &ref); err != nil {
		return DealResult{}, fmt.Errorf("close position %s: %w", dealID, err)
	}
	if ref.DealReference == "" {
		return DealResult{}, fmt.Errorf("close position %s: no dealReference in response", dealID)
	}

	confirmed, err := c.confirm(ctx, ref.DealReference)
	if err != nil {
		return DealResult{}, err
	}

	log.Info().Str("deal_id", dealID).Msg("✅ Close confirmed")
	return DealResult{DealID: dealID, DealReference: ref.DealReference, Profit: confirmed.Profit}, nil
}

// UpdatePosition changes the stop and/or profit level of an open position
func (c *Client) UpdatePosition(ctx context.Context, dealID string, stopLevel, profitLevel *float64, epic string) error {
	payload := map[string]any{}
	if stopLevel != nil {
		payload["stopLevel"] = c.RoundForEpic(*stopLevel, epic)
	}
	if profitLevel != nil {
		payload["profitLevel"] = c.RoundForEpic(*profitLevel, epic)
	}

	body, _ := json.Marshal(payload)
	if err := c.do(ctx, http.MethodPut, "/api/v1/positions/"+dealID, body, nil); err != nil {
		return fmt.Errorf("update position %s: %w", dealID, err)
	}
	return nil
}

// GetPositions returns the open positions list
func (c *Client) GetPositions(ctx context.Context) ([]RemotePosition, error) {
	var parsed positionsResponse
	if err := c.getRetry(ctx, "/api/v1/positions", &parsed); err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	out := make([]RemotePosition, 0, len(parsed.Positions))
	for _, env := range parsed.Positions {
		p := env.Position
		out = append(out, RemotePosition{
			DealID:     p.DealID,
			Direction:  p.Direction,
			Size:       p.Size,
			Level:      p.Level,
			StopLevel:  p.StopLevel,
			LimitLevel: p.LimitLevel,
			CreatedAt:  parseSnapshotTime(p.CreatedDateUTC),
		})
	}
	return out, nil
}

// GetPosition fetches one position directly. Returns ErrNotFound when the
// broker reports 404, which is the authoritative "position is gone" signal.
func (c *Client) GetPosition(ctx context.Context, dealID string) (*RemotePosition, error) {
	var env positionEnvelope
	err := c.get(ctx, "/api/v1/positions/"+dealID, &env)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get position %s: %w", dealID, err)
	}

	p := env.Position
	return &RemotePosition{
		DealID:     p.DealID,
		Direction:  p.Direction,
		Size:       p.Size,
		Level:      p.Level,
		StopLevel:  p.StopLevel,
		LimitLevel: p.LimitLevel,
		CreatedAt:  parseSnapshotTime(p.CreatedDateUTC),
	}, nil
}

// GetActivity returns account activity since fromTs (epoch ms). Profit may
// sit at the event top level or inside details.
func (c *Client) GetActivity(ctx context.Context, fromTs int64) ([]ActivityEvent, error) {
	from := time.UnixMilli(fromTs).UTC().Format("2006-01-02T15:04:05")
	path := "/api/v1/history/activity?detailed=true&from=" + from

	var parsed activityResponse
	if err := c.getRetry(ctx, path, &parsed); err != nil {
		return nil, fmt.Errorf("get activity: %w", err)
	}

	out := make([]ActivityEvent, 0, len(parsed.Activities))
	for _, a := range parsed.Activities {
		profit := a.Profit
		if profit == nil && a.Details != nil {
			profit = a.Details.Profit
		}
		out = append(out, ActivityEvent{
			DealID: a.DealID,
			Type:   a.Type,
			Status: a.Status,
			Epic:   a.Epic,
			Ts:     parseSnapshotTime(a.DateUTC),
			Profit: profit,
		})
	}
	return out, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// Precision
// ═══════════════════════════════════════════════════════════════════════════════

// RoundForEpic rounds a price to the epic's cached decimal precision.
// Idempotent: rounding a rounded price is a no-op. Unknown epics default to
// two decimals.
func (c *Client) RoundForEpic(price float64, epic string) float64 {
	c.decMu.Lock()
	places, ok := c.decimals[epic]
	c.decMu.Unlock()
	if !ok {
		places = 2
	}
	return decimal.NewFromFloat(price).Round(places).InexactFloat64()
}

// SetEpicDecimals primes the precision cache (used on startup and in tests)
func (c *Client) SetEpicDecimals(epic string, places int32) {
	c.decMu.Lock()
	c.decimals[epic] = places
	c.decMu.Unlock()
}

// ═══════════════════════════════════════════════════════════════════════════════
// Internals
// ═══════════════════════════════════════════════════════════════════════════════

// confirm polls the confirms endpoint until dealStatus resolves. ACCEPTED is
// success; any other terminal status is an error; exhaustion is an error.
func (c *Client) confirm(ctx context.Context, dealReference string) (confirmResponse, error) {
	for attempt := 1; attempt <= confirmAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return confirmResponse{}, ctx.Err()
		case <-time.After(confirmDelay):
		}

		var parsed confirmResponse
		if err := c.get(ctx, "/api/v1/confirms/"+dealReference, &parsed); err != nil {
			log.Debug().Err(err).Str("ref", dealReference).Msg("Confirm fetch failed, retrying")
			continue
		}

		switch parsed.DealStatus {
		case "ACCEPTED":
			return parsed, nil
		case "":
			// still processing
			log.Debug().
				Int("attempt", attempt).
				Str("ref", dealReference).
				Msg("Awaiting dealStatus")
		default:
			return confirmResponse{}, fmt.Errorf("deal %s rejected: %s", dealReference, parsed.DealStatus)
		}
	}
	return confirmResponse{}, fmt.Errorf("deal %s: confirmation timed out after %d attempts", dealReference, confirmAttempts)
}

// getRetry wraps get with backoff on transient failures. Only used for
// idempotent reads.
func (c *Client) getRetry(ctx context.Context, path string, out any) error {
	b := &backoff.Backoff{Min: 250 * time.Millisecond, Max: 2 * time.Second, Jitter: true}

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = c.get(ctx, path, out)
		if err == nil || errors.Is(err, ErrNotFound) || ctx.Err() != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}

	c.mu.RLock()
	req.Header.Set("CST", c.cst)
	req.Header.Set("X-SECURITY-TOKEN", c.secToken)
	c.mu.RUnlock()
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, res.Body)
		return ErrNotFound
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, res.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		io.Copy(io.Discard, res.Body)
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// parseSnapshotTime parses Capital.com "2006/01/02 15:04:05" (or ISO-8601)
// UTC timestamps into epoch ms; zero on failure.
func parseSnapshotTime(s string) int64 {
	if s == "" {
		return 0
	}
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.Replace(s, " ", "T", 1)
	s = strings.TrimSuffix(s, "Z")

	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().UnixMilli()
		}
	}
	return 0
}
