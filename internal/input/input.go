package input

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/faucet-claimer/internal/types"
	log "github.com/sirupsen/logrus"
)

// ErrEmpty is returned when an input list contains no usable lines.
var ErrEmpty = errors.New("input list is empty")

// maxRemoteListBytes caps proxy lists fetched over HTTP.
var maxRemoteListBytes int64 = 10 * 1024 * 1024

var supportedSchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"socks5": true,
}

// ValidationError enumerates every offending line of an input file.
type ValidationError struct {
	Kind     string
	Problems []string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d invalid %s:", len(e.Problems), e.Kind)
	for _, p := range e.Problems {
		b.WriteString("\n  - ")
		b.WriteString(p)
	}
	return b.String()
}

type line struct {
	num  int
	text string
}

// readLines returns trimmed, non-empty, non-comment lines with their 1-based numbers.
func readLines(r io.Reader) ([]line, error) {
	lines := make([]line, 0)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	num := 0
	for scanner.Scan() {
		num++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		lines = append(lines, line{num: num, text: text})
	}

	if err := scanner.Err(); err != nil {
		return lines, fmt.Errorf("scan: %w", err)
	}
	return lines, nil
}

// ParseAddresses validates every line against pattern. All invalid lines are
// reported together.
func ParseAddresses(r io.Reader, pattern *regexp.Regexp) ([]types.Address, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("addresses: %w", ErrEmpty)
	}

	addresses := make([]types.Address, 0, len(lines))
	var bad []string
	for _, ln := range lines {
		if !pattern.MatchString(ln.text) {
			bad = append(bad, fmt.Sprintf("line %d: %s", ln.num, ln.text))
			continue
		}
		addresses = append(addresses, types.Address(ln.text))
	}

	if len(bad) > 0 {
		return nil, &ValidationError{Kind: "addresses", Problems: bad}
	}
	return addresses, nil
}

// LoadAddresses reads and validates the address list at path.
func LoadAddresses(path, pattern string) ([]types.Address, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile address pattern: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open address file: %w", err)
	}
	defer file.Close()

	addresses, err := ParseAddresses(file, re)
	if err != nil {
		return nil, err
	}

	log.Infof("Loaded %d addresses from %s", len(addresses), path)
	return addresses, nil
}

// ParseProxyURL parses scheme://[user:pass@]host:port.
func ParseProxyURL(raw string) (types.ProxyConfig, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return types.ProxyConfig{}, fmt.Errorf("proxy format invalid: %s", raw)
	}

	scheme := strings.ToLower(u.Scheme)
	if !supportedSchemes[scheme] {
		return types.ProxyConfig{}, fmt.Errorf("proxy format invalid (scheme must be http, https or socks5): %s", raw)
	}
	if u.Path != "" && u.Path != "/" || u.RawQuery != "" || u.Fragment != "" {
		return types.ProxyConfig{}, fmt.Errorf("proxy format invalid (unexpected path or query): %s", raw)
	}

	host, port, err := net.SplitHostPort(u.Host)
	if err != nil || host == "" {
		return types.ProxyConfig{}, fmt.Errorf("proxy format invalid (need host:port): %s", raw)
	}
	if p, err := strconv.Atoi(port); err != nil || p < 1 || p > 65535 {
		return types.ProxyConfig{}, fmt.Errorf("proxy format invalid (bad port): %s", raw)
	}

	cfg := types.ProxyConfig{
		Scheme: scheme,
		Host:   u.Host,
	}
	if u.User != nil {
		cfg.Username = u.User.Username()
		cfg.Password, _ = u.User.Password()
		if cfg.Username == "" {
			return types.ProxyConfig{}, fmt.Errorf("proxy format invalid (empty username): %s", raw)
		}
	}
	return cfg, nil
}

// ParseProxies parses one proxy URL per line and stops at the first bad line.
func ParseProxies(r io.Reader) ([]types.ProxyConfig, error) {
	lines, err := readLines(r)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("proxies: %w", ErrEmpty)
	}

	proxies := make([]types.ProxyConfig, 0, len(lines))
	for _, ln := range lines {
		p, err := ParseProxyURL(ln.text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", ln.num, err)
		}
		proxies = append(proxies, p)
	}
	return proxies, nil
}

// LoadProxies reads the proxy list from a local file or an http(s) URL.
func LoadProxies(ctx context.Context, source string) ([]types.ProxyConfig, error) {
	var (
		proxies []types.ProxyConfig
		err     error
	)

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		proxies, err = fetchProxies(ctx, source)
	} else {
		var file *os.File
		file, err = os.Open(source)
		if err != nil {
			return nil, fmt.Errorf("open proxy file: %w", err)
		}
		defer file.Close()
		proxies, err = ParseProxies(file)
	}
	if err != nil {
		return nil, err
	}

	log.Infof("Loaded %d proxies from %s", len(proxies), source)
	return proxies, nil
}

func fetchProxies(ctx context.Context, source string) ([]types.ProxyConfig, error) {
	client := &http.Client{Timeout: 30 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch proxy list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch proxy list: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteListBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read proxy list: %w", err)
	}
	if int64(len(data)) > maxRemoteListBytes {
		return nil, fmt.Errorf("proxy list exceeds %d bytes", maxRemoteListBytes)
	}
	return ParseProxies(bytes.NewReader(data))
}
