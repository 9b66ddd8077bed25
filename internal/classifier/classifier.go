package classifier

import (
	"strings"

	"github.com/faucet-claimer/internal/config"
	"github.com/faucet-claimer/internal/types"
)

// Default keyword sets. Matching is case-insensitive substring search.
var (
	DefaultChallenge = []string{"captcha", "hcaptcha", "recaptcha", "verify you are human"}
	DefaultAlready   = []string{"already", "once per", "duplicate", "previously claimed"}
	DefaultRateLimit = []string{"rate limit", "rate-limit", "too many", "please wait", "cooldown", "busy", "try again later"}
	DefaultSuccess   = []string{"success", "claimed", "sent", "done"}
)

type rule struct {
	status   types.Status
	keywords []string
}

// Classifier maps free-text responses to the outcome taxonomy. Rules are
// evaluated in priority order: challenge, already claimed, rate limit,
// success. The first matching rule wins, so a permanent rejection outranks a
// transient one.
type Classifier struct {
	rules []rule
}

// New builds a classifier, falling back to the defaults for any empty set.
func New(cfg config.ClassifierConfig) *Classifier {
	pick := func(custom, def []string) []string {
		if len(custom) == 0 {
			return def
		}
		return custom
	}

	return &Classifier{rules: []rule{
		{types.StatusCaptchaRequired, lower(pick(cfg.Challenge, DefaultChallenge))},
		{types.StatusAlreadyClaimed, lower(pick(cfg.Already, DefaultAlready))},
		{types.StatusRateLimited, lower(pick(cfg.RateLimit, DefaultRateLimit))},
		{types.StatusSuccess, lower(pick(cfg.Success, DefaultSuccess))},
	}}
}

// Default returns a classifier with the built-in keyword sets.
func Default() *Classifier {
	return New(config.ClassifierConfig{})
}

// Classify returns the outcome for raw. The message is kept verbatim.
func (c *Classifier) Classify(raw string) types.Outcome {
	text := strings.ToLower(raw)
	for _, r := range c.rules {
		for _, kw := range r.keywords {
			if kw != "" && strings.Contains(text, kw) {
				return types.Outcome{Status: r.status, Message: raw}
			}
		}
	}
	return types.Outcome{Status: types.StatusUnknown, Message: raw}
}

func lower(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(strings.TrimSpace(s))
	}
	return out
}
