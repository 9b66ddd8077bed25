package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/faucet-claimer/internal/config"
	"github.com/faucet-claimer/internal/types"
	log "github.com/sirupsen/logrus"
)

// address input candidates, tried in order
var addressInputSelectors = []string{
	`input[placeholder*="address" i]`,
	`input[placeholder*="wallet" i]`,
	`input[type="text"]`,
	`input`,
}

// clickClaimButton clicks the first button whose text mentions a claim verb,
// falling back to the first button-like element. It evaluates to true on a click.
const clickClaimButton = `(() => {
	const verbs = ["claim", "get", "request"];
	const buttons = Array.from(document.querySelectorAll("button, [role=button]"));
	for (const verb of verbs) {
		const b = buttons.find(el => (el.innerText || "").toLowerCase().includes(verb));
		if (b) { b.click(); return true; }
	}
	if (buttons.length > 0) { buttons[0].click(); return true; }
	return false;
})()`

// captchaProbe evaluates to true when a challenge iframe or marker is on the page.
const captchaProbe = `(() => {
	for (const f of document.querySelectorAll("iframe")) {
		const src = (f.getAttribute("src") || "").toLowerCase();
		if (src.includes("hcaptcha") || src.includes("recaptcha")) return true;
	}
	const html = document.documentElement.outerHTML.toLowerCase();
	return html.includes("hcaptcha") || html.includes("recaptcha");
})()`

// BrowserDriver drives a real Chrome instance through chromedp, one browser
// process per session so proxies never share state.
type BrowserDriver struct {
	cfg    config.SessionConfig
	target config.TargetConfig
}

func NewBrowserDriver(cfg config.SessionConfig, target config.TargetConfig) (*BrowserDriver, error) {
	return &BrowserDriver{cfg: cfg, target: target}, nil
}

func (d *BrowserDriver) Open(ctx context.Context, p types.ProxyConfig) (Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", d.cfg.IsHeadless()),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.ProxyServer(p.Endpoint()),
		chromedp.WindowSize(1280, 800),
	)
	if d.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(d.cfg.UserAgent))
	}

	// The browser lives for the whole session, not just for ctx.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s := &browserSession{
		driver:  d,
		proxy:   p,
		ctx:     browserCtx,
		cancel:  func() { browserCancel(); allocCancel() },
		pending: make(map[network.RequestID]string),
	}

	chromedp.ListenTarget(browserCtx, s.onEvent)

	actions := []chromedp.Action{network.Enable()}
	if p.HasAuth() {
		actions = append(actions, fetch.Enable().WithHandleAuthRequests(true))
	}

	// Until Open returns, the caller's ctx tears the browser down; after
	// that the browser lives for the whole session.
	stop := context.AfterFunc(ctx, allocCancel)

	// The first Run launches the browser and binds it to browserCtx; it must
	// not carry a deadline or the browser dies with it.
	if err := chromedp.Run(browserCtx); err != nil {
		stop()
		s.Close()
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	startCtx, cancel := mergeDeadline(browserCtx, ctx, d.cfg.NavigationTimeout())
	defer cancel()
	if err := chromedp.Run(startCtx, actions...); err != nil {
		stop()
		s.Close()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	if !stop() {
		// ctx ended after start and the allocator is already gone
		s.Close()
		return nil, fmt.Errorf("start browser: %w", context.Cause(ctx))
	}
	return s, nil
}

type browserSession struct {
	driver *BrowserDriver
	proxy  types.ProxyConfig
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   map[network.RequestID]string
	finished  []network.RequestID
	closeOnce sync.Once
}

func (s *browserSession) logger() *log.Entry {
	return log.WithFields(log.Fields{"proxy": s.proxy.Endpoint(), "driver": "browser"})
}

// onEvent answers proxy auth challenges and records relevant API responses.
func (s *browserSession) onEvent(ev interface{}) {
	switch e := ev.(type) {
	case *fetch.EventAuthRequired:
		go func() {
			resp := &fetch.AuthChallengeResponse{
				Response: fetch.AuthChallengeResponseResponseProvideCredentials,
				Username: s.proxy.Username,
				Password: s.proxy.Password,
			}
			if err := chromedp.Run(s.ctx, fetch.ContinueWithAuth(e.RequestID, resp)); err != nil {
				s.logger().Debugf("Proxy auth reply failed: %v", err)
			}
		}()
	case *fetch.EventRequestPaused:
		go func() {
			if err := chromedp.Run(s.ctx, fetch.ContinueRequest(e.RequestID)); err != nil {
				s.logger().Debugf("Continue paused request failed: %v", err)
			}
		}()
	case *network.EventResponseReceived:
		if isRelevantResponseURL(e.Response.URL) && e.Type != network.ResourceTypeDocument {
			s.mu.Lock()
			s.pending[e.RequestID] = e.Response.MimeType
			s.mu.Unlock()
		}
	case *network.EventLoadingFinished:
		s.mu.Lock()
		if _, ok := s.pending[e.RequestID]; ok {
			s.finished = append(s.finished, e.RequestID)
		}
		s.mu.Unlock()
	}
}

// mergeDeadline derives a context from the browser context that also ends
// when the caller's ctx ends or timeout passes.
func mergeDeadline(browserCtx, callerCtx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(browserCtx, timeout)
	stop := context.AfterFunc(callerCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *browserSession) ConnectivityCheck(ctx context.Context) (string, error) {
	runCtx, cancel := mergeDeadline(s.ctx, ctx, s.driver.cfg.NavigationTimeout())
	defer cancel()

	var body string
	err := chromedp.Run(runCtx,
		chromedp.Navigate(s.driver.target.IPProbeURL),
		chromedp.Text("body", &body, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("%w: ip probe: %v", ErrProxyFailed, err)
	}

	ip := parseProbeIP([]byte(body))
	if ip == "" {
		return "", fmt.Errorf("%w: ip probe returned no address", ErrProxyFailed)
	}
	return ip, nil
}

func (s *browserSession) AttemptClaim(ctx context.Context, address types.Address) (string, error) {
	l := s.logger().WithField("address", address)
	minDelay, maxDelay := s.driver.cfg.ActionDelayRange()

	s.mu.Lock()
	s.pending = make(map[network.RequestID]string)
	s.finished = nil
	s.mu.Unlock()

	navCtx, cancel := mergeDeadline(s.ctx, ctx, s.driver.cfg.NavigationTimeout())
	l.Debugf("Navigating to %s", s.driver.target.URL)
	err := chromedp.Run(navCtx,
		chromedp.Navigate(s.driver.target.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	cancel()
	if err != nil {
		return "", fmt.Errorf("navigate: %w", err)
	}

	if err := Pause(ctx, minDelay, maxDelay); err != nil {
		return "", err
	}
	if s.hasChallenge(ctx) {
		return "", fmt.Errorf("%w: captcha detected on page load", ErrChallengeDetected)
	}

	if err := s.typeAddress(ctx, string(address)); err != nil {
		return "", err
	}
	if err := Pause(ctx, minDelay, maxDelay); err != nil {
		return "", err
	}

	var clicked bool
	clickCtx, cancel := mergeDeadline(s.ctx, ctx, s.driver.cfg.SelectorTimeout())
	err = chromedp.Run(clickCtx, chromedp.Evaluate(clickClaimButton, &clicked))
	cancel()
	if err != nil || !clicked {
		return "", fmt.Errorf("claim button not found")
	}

	if err := Pause(ctx, minDelay, maxDelay); err != nil {
		return "", err
	}
	if s.hasChallenge(ctx) {
		return "", fmt.Errorf("%w: captcha required after clicking claim", ErrChallengeDetected)
	}

	msg := s.observeRelevantResponse(ctx, s.driver.cfg.ObserveTimeout())
	if msg == "" {
		msg = s.bannerText(ctx)
	}
	if msg == "" {
		msg = NoMessage
	}
	l.Debugf("API message: %q", msg)
	return msg, nil
}

func (s *browserSession) typeAddress(ctx context.Context, address string) error {
	for _, sel := range addressInputSelectors {
		selCtx, cancel := mergeDeadline(s.ctx, ctx, s.driver.cfg.SelectorTimeout())
		err := chromedp.Run(selCtx,
			chromedp.WaitVisible(sel, chromedp.ByQuery),
			chromedp.SendKeys(sel, address, chromedp.ByQuery),
		)
		cancel()
		if err == nil {
			s.logger().Debugf("Typed address into %s", sel)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("address input not found")
}

func (s *browserSession) hasChallenge(ctx context.Context) bool {
	var found bool
	probeCtx, cancel := mergeDeadline(s.ctx, ctx, s.driver.cfg.SelectorTimeout())
	defer cancel()
	if err := chromedp.Run(probeCtx, chromedp.Evaluate(captchaProbe, &found)); err != nil {
		return false
	}
	return found
}

// observeRelevantResponse waits up to budget for a claim-like API response
// and returns its message, or "" if none arrived.
func (s *browserSession) observeRelevantResponse(ctx context.Context, budget time.Duration) string {
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		s.mu.Lock()
		ids := append([]network.RequestID(nil), s.finished...)
		mimes := make(map[network.RequestID]string, len(ids))
		for _, id := range ids {
			mimes[id] = s.pending[id]
		}
		s.mu.Unlock()

		for _, id := range ids {
			if msg := s.responseMessage(ctx, id, mimes[id]); msg != "" {
				return msg
			}
		}

		if time.Now().After(deadline) {
			return ""
		}
		select {
		case <-ctx.Done():
			return ""
		case <-ticker.C:
		}
	}
}

func (s *browserSession) responseMessage(ctx context.Context, id network.RequestID, mimeType string) string {
	var body []byte
	bodyCtx, cancel := mergeDeadline(s.ctx, ctx, 5*time.Second)
	defer cancel()

	err := chromedp.Run(bodyCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(id).Do(ctx)
		return err
	}))
	if err != nil {
		return ""
	}
	return messageFromBody(body, strings.Contains(mimeType, "json"))
}

func (s *browserSession) bannerText(ctx context.Context) string {
	for _, sel := range statusBannerSelectors {
		var nodes int
		var text string
		bannerCtx, cancel := mergeDeadline(s.ctx, ctx, 2*time.Second)
		err := chromedp.Run(bannerCtx,
			chromedp.Evaluate(fmt.Sprintf(`document.querySelectorAll(%q).length`, sel), &nodes),
		)
		if err == nil && nodes > 0 {
			err = chromedp.Run(bannerCtx, chromedp.Text(sel, &text, chromedp.ByQuery, chromedp.AtLeast(0)))
		}
		cancel()
		if err == nil && strings.TrimSpace(text) != "" {
			return strings.TrimSpace(text)
		}
	}
	return ""
}

// Close tears down the tab and the browser process.
func (s *browserSession) Close() error {
	s.closeOnce.Do(func() {
		if err := chromedp.Cancel(s.ctx); err != nil {
			s.logger().Debugf("Browser close: %v", err)
		}
		s.cancel()
	})
	return nil
}
