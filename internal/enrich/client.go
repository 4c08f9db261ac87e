package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"killfeed/internal/storage"
	logx "killfeed/pkg/logx"
)

// ClientConfig configures the upstream detail API client.
//
// All durations are parsed at config load; zero values take defaults.
type ClientConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	RatePerSec int
	RetryMax   int
	RetryBase  time.Duration
}

// Client fetches kill detail over HTTP with client-side rate limiting.
//
// The upstream is rate limited, so the limiter is sized from config and every
// request waits for a token before going out. Transient failures (5xx,
// transport) retry with jittered exponential backoff; 4xx responses are
// terminal for the attempt.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
	rng     *rand.Rand
}

func NewClient(cfg ClientConfig, log logx.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("enrich: base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     log,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// detailPayload is the upstream response shape we care about. Unknown fields
// are preserved verbatim in RawJSON for explainability.
type detailPayload struct {
	Victim       storage.Participant   `json:"victim"`
	Attackers    []storage.Participant `json:"attackers"`
	TotalValue   float64               `json:"total_value"`
	DroppedValue float64               `json:"dropped_value"`
}

func (c *Client) FetchDetail(ctx context.Context, killID int64) (*storage.EnrichmentDetail, error) {
	var last error
	for attempt := 0; attempt <= c.cfg.RetryMax; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			c.log.Debug("fetch retry scheduled",
				logx.Int64("kill_id", killID),
				logx.Int("attempt", attempt+1),
				logx.Duration("delay", delay))
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				return nil, &FetchError{Reason: "canceled", Err: ctx.Err()}
			case <-tmr.C:
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &FetchError{Reason: "canceled", Err: err}
		}

		d, err := c.fetchOnce(ctx, killID)
		if err == nil {
			return d, nil
		}
		last = err
		var fe *FetchError
		if errors.As(err, &fe) && !fe.Temporary {
			return nil, err
		}
		// Honor upstream Retry-After before the next attempt.
		if errors.As(err, &fe) && fe.Reason == "rate_limited" {
			if ra, ok := retryAfterOf(fe); ok {
				tmr := time.NewTimer(ra)
				select {
				case <-ctx.Done():
					if !tmr.Stop() {
						<-tmr.C
					}
					return nil, &FetchError{Reason: "canceled", Err: ctx.Err()}
				case <-tmr.C:
				}
			}
		}
	}
	return nil, last
}

// rateLimitedError carries the upstream Retry-After hint.
type rateLimitedError struct {
	retryAfter time.Duration
}

func (e *rateLimitedError) Error() string { return "rate limited" }

func retryAfterOf(fe *FetchError) (time.Duration, bool) {
	var rl *rateLimitedError
	if errors.As(fe.Err, &rl) && rl.retryAfter > 0 {
		return rl.retryAfter, true
	}
	return 0, false
}

func (c *Client) fetchOnce(ctx context.Context, killID int64) (*storage.EnrichmentDetail, error) {
	url := fmt.Sprintf("%s/killmails/%d", c.cfg.BaseURL, killID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{Reason: "request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{Reason: "transport", Err: err, Temporary: true}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests:
		ra := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &FetchError{Reason: "rate_limited", Err: &rateLimitedError{retryAfter: ra}, Temporary: true}
	case resp.StatusCode == http.StatusNotFound:
		return nil, &FetchError{Reason: "not_found"}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &FetchError{Reason: "auth"}
	case resp.StatusCode >= 500:
		return nil, &FetchError{Reason: "upstream_5xx", Err: fmt.Errorf("status %d", resp.StatusCode), Temporary: true}
	default:
		return nil, &FetchError{Reason: "status", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &FetchError{Reason: "read", Err: err, Temporary: true}
	}
	var p detailPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &FetchError{Reason: "decode", Err: err}
	}

	return &storage.EnrichmentDetail{
		KillID:       killID,
		Victim:       p.Victim,
		Attackers:    p.Attackers,
		TotalValue:   p.TotalValue,
		DroppedValue: p.DroppedValue,
		RawJSON:      string(body),
		FetchedAt:    time.Now(),
	}, nil
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > 15*time.Second {
			d = 15 * time.Second
			break
		}
	}
	// 20% jitter.
	r := (c.rng.Float64()*2 - 1) * 0.2
	d = time.Duration(float64(d) * (1 + r))
	if d < 0 {
		d = 0
	}
	return d
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
