package types

import (
	"fmt"
	"net/url"
	"time"
)

// Address is a validated recipient identifier, one per claim task.
type Address string

// Status is the closed outcome taxonomy for a claim task.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusAlreadyClaimed  Status = "already_claimed"
	StatusCaptchaRequired Status = "captcha_required"
	StatusRateLimited     Status = "rate_limited"
	StatusProxyFailed     Status = "proxy_failed"
	StatusTimeout         Status = "timeout"
	StatusUnknown         Status = "unknown"
	StatusError           Status = "error"
)

// AllStatuses lists every status in a stable order.
var AllStatuses = []Status{
	StatusSuccess,
	StatusAlreadyClaimed,
	StatusCaptchaRequired,
	StatusRateLimited,
	StatusProxyFailed,
	StatusTimeout,
	StatusUnknown,
	StatusError,
}

// ParseStatus maps s onto the closed status taxonomy.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// UnmarshalText rejects statuses outside the taxonomy when records are read back.
func (s *Status) UnmarshalText(text []byte) error {
	st, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ProxyConfig represents a single upstream proxy
type ProxyConfig struct {
	Scheme   string `json:"scheme"` // "http", "https", "socks5"
	Host     string `json:"host"`   // host:port
	Username string `json:"username,omitempty"`
	Password string `json:"-"`
}

// Endpoint returns scheme://host:port without credentials.
func (p ProxyConfig) Endpoint() string {
	return p.Scheme + "://" + p.Host
}

// HasAuth reports whether credentials are set.
func (p ProxyConfig) HasAuth() bool {
	return p.Username != ""
}

// URL returns the proxy URL including credentials.
func (p ProxyConfig) URL() *url.URL {
	u := &url.URL{Scheme: p.Scheme, Host: p.Host}
	if p.HasAuth() {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// ClaimAttempt describes one claim iteration. It is logged, never persisted.
type ClaimAttempt struct {
	Address   Address
	Proxy     ProxyConfig
	Number    int
	StartedAt time.Time
}

// Outcome is the classification of an attempt or a whole task.
type Outcome struct {
	Status   Status `json:"status"`
	Message  string `json:"message"`
	EgressIP string `json:"egress_ip,omitempty"`
}

// ClaimRecord is the terminal, persisted result for one address.
type ClaimRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Address   Address   `json:"address"`
	Status    Status    `json:"status"`
	Message   string    `json:"message"`
	Proxy     string    `json:"proxy"`
	EgressIP  string    `json:"egress_ip"`
}

// RecordColumns is the column order used by tabular sinks.
var RecordColumns = []string{"timestamp", "address", "status", "message", "proxy", "egress_ip"}

// Row renders the record in RecordColumns order.
func (r ClaimRecord) Row() []string {
	return []string{
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		string(r.Address),
		string(r.Status),
		r.Message,
		r.Proxy,
		r.EgressIP,
	}
}
