package session

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/faucet-claimer/internal/config"
	"github.com/faucet-claimer/internal/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

const maxBodyBytes = 2 * 1024 * 1024

// HTTPDriver talks to the faucet's JSON API directly, one transport per session.
type HTTPDriver struct {
	cfg      config.SessionConfig
	target   config.TargetConfig
	claimURL string
}

func NewHTTPDriver(cfg config.SessionConfig, target config.TargetConfig) (*HTTPDriver, error) {
	claimURL, err := target.ClaimURL()
	if err != nil {
		return nil, err
	}
	return &HTTPDriver{cfg: cfg, target: target, claimURL: claimURL}, nil
}

// Open builds an isolated client (own transport and cookie jar) routed through p.
func (d *HTTPDriver) Open(ctx context.Context, p types.ProxyConfig) (Session, error) {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   d.cfg.NavigationTimeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          4,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   d.cfg.NavigationTimeout(),
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{MinVersion: tls.VersionTLS12},
	}

	switch p.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(p.URL())
	case "socks5":
		var auth *proxy.Auth
		if p.HasAuth() {
			auth = &proxy.Auth{User: p.Username, Password: p.Password}
		}
		dialer, err := proxy.SOCKS5("tcp", p.Host, auth, &net.Dialer{Timeout: d.cfg.NavigationTimeout()})
		if err != nil {
			return nil, fmt.Errorf("%w: SOCKS5 dialer: %v", ErrProxyFailed, err)
		}
		contextDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("%w: SOCKS5 dialer does not support contexts", ErrProxyFailed)
		}
		transport.DialContext = contextDialer.DialContext
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", p.Scheme)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	return &httpSession{
		driver:    d,
		proxy:     p,
		transport: transport,
		client: &http.Client{
			Transport: transport,
			Jar:       jar,
			Timeout:   d.cfg.NavigationTimeout(),
		},
	}, nil
}

type httpSession struct {
	driver    *HTTPDriver
	proxy     types.ProxyConfig
	transport *http.Transport
	client    *http.Client
}

func (s *httpSession) logger() *log.Entry {
	return log.WithFields(log.Fields{"proxy": s.proxy.Endpoint(), "driver": "http"})
}

func (s *httpSession) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if ua := s.driver.cfg.UserAgent; ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	return req, nil
}

// ConnectivityCheck asks the IP probe which address the target will see.
func (s *httpSession) ConnectivityCheck(ctx context.Context) (string, error) {
	req, err := s.newRequest(ctx, http.MethodGet, s.driver.target.IPProbeURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: ip probe: %v", ErrProxyFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: ip probe: HTTP %d", ErrProxyFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", fmt.Errorf("%w: read ip probe: %v", ErrProxyFailed, err)
	}

	ip := parseProbeIP(body)
	if ip == "" {
		return "", fmt.Errorf("%w: ip probe returned no address", ErrProxyFailed)
	}
	return ip, nil
}

// parseProbeIP accepts {"ip": "..."} or a bare address.
func parseProbeIP(body []byte) string {
	var payload struct {
		IP string `json:"ip"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.IP != "" {
		return payload.IP
	}
	text := strings.TrimSpace(string(body))
	if net.ParseIP(text) != nil {
		return text
	}
	return ""
}

// AttemptClaim loads the landing page, bails out on a challenge, then posts
// the address to the claim endpoint.
func (s *httpSession) AttemptClaim(ctx context.Context, address types.Address) (string, error) {
	l := s.logger().WithField("address", address)
	minDelay, maxDelay := s.driver.cfg.ActionDelayRange()

	l.Debugf("Navigating to %s", s.driver.target.URL)
	doc, err := s.fetchPage(ctx, s.driver.target.URL)
	if err != nil {
		return "", err
	}
	if pageHasChallenge(doc) {
		return "", fmt.Errorf("%w: captcha detected on page load", ErrChallengeDetected)
	}

	if err := Pause(ctx, minDelay, maxDelay); err != nil {
		return "", err
	}

	payload, _ := json.Marshal(map[string]string{"address": string(address)})
	req, err := s.newRequest(ctx, http.MethodPost, s.driver.claimURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Origin", s.driver.target.URL)
	req.Header.Set("Referer", s.driver.target.URL)

	l.Debugf("Posting claim to %s", s.driver.claimURL)
	resp, err := s.client.Do(req)
	if err != nil {
		return "", s.wrapTransportError("claim request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", s.wrapTransportError("read claim response", err)
	}

	msg := s.observeResponse(resp, body)
	if containsChallenge(msg) && resp.StatusCode >= 400 {
		return "", fmt.Errorf("%w: captcha required after claim: %s", ErrChallengeDetected, msg)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		msg = "HTTP 429 Too Many Requests: " + msg
	}

	l.Debugf("API message: %q", msg)
	return msg, nil
}

// observeResponse derives the claim message: API body first, then status
// banners when the server answered with HTML, then a fixed placeholder.
func (s *httpSession) observeResponse(resp *http.Response, body []byte) string {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))

	if mediaType == "text/html" {
		if doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body)); err == nil {
			if text := bannerText(doc); text != "" {
				return text
			}
		}
	} else if msg := messageFromBody(body, mediaType == "application/json"); msg != "" {
		return msg
	}

	if resp.StatusCode >= 400 {
		return fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return NoMessage
}

func (s *httpSession) fetchPage(ctx context.Context, url string) (*goquery.Document, error) {
	req, err := s.newRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, s.wrapTransportError("navigate", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("navigate: HTTP %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	return doc, nil
}

// wrapTransportError marks proxy-level failures so the orchestrator can
// classify them as proxy_failed.
func (s *httpSession) wrapTransportError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "proxyconnect" {
		return fmt.Errorf("%w: %s: %v", ErrProxyFailed, op, err)
	}
	if strings.Contains(err.Error(), "socks connect") {
		return fmt.Errorf("%w: %s: %v", ErrProxyFailed, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (s *httpSession) Close() error {
	s.transport.CloseIdleConnections()
	return nil
}

// pageHasChallenge looks for captcha widgets or their scripts.
func pageHasChallenge(doc *goquery.Document) bool {
	found := false
	doc.Find("iframe, script").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if src, ok := sel.Attr("src"); ok && containsChallenge(src) {
			found = true
			return false
		}
		return true
	})
	if found {
		return true
	}
	if doc.Find(".h-captcha, .g-recaptcha, [data-hcaptcha-widget-id]").Length() > 0 {
		return true
	}
	return containsChallenge(doc.Find("body").Text())
}

func bannerText(doc *goquery.Document) string {
	for _, sel := range statusBannerSelectors {
		if text := strings.TrimSpace(doc.Find(sel).First().Text()); text != "" {
			return text
		}
	}
	return ""
}
