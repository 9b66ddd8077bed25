package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/faucet-claimer/internal/config"
	"github.com/faucet-claimer/internal/types"
)

var (
	// ErrChallengeDetected means the target presented an anti-automation
	// challenge. It is never retried.
	ErrChallengeDetected = errors.New("challenge detected")
	// ErrProxyFailed means the proxy itself failed (probe or mid-attempt).
	ErrProxyFailed = errors.New("proxy failed")
)

// NoMessage is returned when neither the API nor the page said anything.
const NoMessage = "No explicit message; UI/response not captured."

// Driver opens isolated sessions bound to a single proxy.
type Driver interface {
	Open(ctx context.Context, proxy types.ProxyConfig) (Session, error)
}

// Session is one proxy-bound browsing context. Every capability may fail
// independently. Close must be safe to call after any other method fails.
type Session interface {
	// ConnectivityCheck returns the public egress IP seen through the proxy.
	ConnectivityCheck(ctx context.Context) (string, error)
	// AttemptClaim performs the site interaction and returns the raw response
	// text. It returns an error wrapping ErrChallengeDetected when a captcha
	// blocks the flow.
	AttemptClaim(ctx context.Context, address types.Address) (string, error)
	Close() error
}

// NewDriver builds the driver selected by cfg.Session.Driver.
func NewDriver(cfg config.Config) (Driver, error) {
	switch cfg.Session.Driver {
	case "http":
		return NewHTTPDriver(cfg.Session, cfg.Target)
	case "browser":
		return NewBrowserDriver(cfg.Session, cfg.Target)
	default:
		return nil, fmt.Errorf("unknown session driver: %s", cfg.Session.Driver)
	}
}

// Pause sleeps for a uniformly random duration in [minDelay, maxDelay] so
// that interactions from parallel sessions do not line up.
func Pause(ctx context.Context, minDelay, maxDelay time.Duration) error {
	d := minDelay
	if maxDelay > minDelay {
		d += time.Duration(rand.Int63n(int64(maxDelay - minDelay + 1)))
	}
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// challengeMarkers are looked for in page HTML and iframe sources.
var challengeMarkers = []string{"hcaptcha", "recaptcha"}

// statusBannerSelectors locate toast/alert elements that carry the claim result.
var statusBannerSelectors = []string{
	`[class*="toast"]`,
	`[class*="alert"]`,
	`[data-status]`,
	`div[role="status"]`,
}

// isRelevantResponseURL reports whether a network response likely carries the claim result.
func isRelevantResponseURL(rawURL string) bool {
	u := strings.ToLower(rawURL)
	for _, s := range []string{"claim", "faucet", "drip", "/api/"} {
		if strings.Contains(u, s) {
			return true
		}
	}
	return false
}

func containsChallenge(text string) bool {
	lower := strings.ToLower(text)
	for _, m := range challengeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// messageFromBody extracts a human message from an API response body.
// JSON bodies yield the first of message/msg/detail/error/status, else the
// compact JSON (300 chars); other bodies are truncated to 500 chars.
func messageFromBody(body []byte, isJSON bool) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}

	if isJSON || strings.HasPrefix(trimmed, "{") {
		var obj map[string]any
		if err := json.Unmarshal(body, &obj); err == nil {
			for _, k := range []string{"message", "msg", "detail", "error", "status"} {
				switch v := obj[k].(type) {
				case string:
					if v != "" {
						return v
					}
				case float64, bool:
					return fmt.Sprint(v)
				}
			}
			if compact, err := json.Marshal(obj); err == nil {
				return truncate(string(compact), 300)
			}
		}
	}
	return truncate(trimmed, 500)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
