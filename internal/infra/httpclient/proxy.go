package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"runway/internal/shared/logging"
)

const proxyModeEnv = "RUNWAY_PROXY_MODE"

const proxyDialTimeout = 300 * time.Millisecond

type proxyMode string

const (
	proxyModeAuto   proxyMode = "auto"
	proxyModeStrict proxyMode = "strict"
	proxyModeDirect proxyMode = "direct"
)

var (
	resolvedProxyMode proxyMode
	proxyModeOnce     sync.Once

	localProxyBypassCache sync.Map // map[string]bool; true means bypass
	localProxyWarned      sync.Map // map[string]struct{}
)

// proxyFunc builds the transport proxy callback. Auto mode trusts the
// proxy environment except for loopback proxies, which are probed once
// and bypassed when dead so a stale local proxy setting cannot black-hole
// every outbound request.
func proxyFunc(logger logging.Logger) func(*http.Request) (*url.URL, error) {
	log := logging.OrNop(logger)

	return func(req *http.Request) (*url.URL, error) {
		mode := proxyModeFromEnv()
		if mode == proxyModeDirect {
			return nil, nil
		}
		if mode == proxyModeStrict || req == nil || req.URL == nil {
			return http.ProxyFromEnvironment(req)
		}

		if isLoopbackHost(req.URL.Hostname()) {
			return nil, nil
		}

		proxyURL, err := http.ProxyFromEnvironment(req)
		if err != nil || proxyURL == nil || !isLoopbackHost(proxyURL.Hostname()) {
			return proxyURL, err
		}
		if bypassLocalProxy(req.Context(), proxyURL, log) {
			return nil, nil
		}
		return proxyURL, nil
	}
}

// bypassLocalProxy reports whether the loopback proxy should be skipped.
// Reachability is probed once per proxy URL and the verdict cached for the
// process lifetime.
func bypassLocalProxy(ctx context.Context, proxyURL *url.URL, log logging.Logger) bool {
	hostPort, ok := proxyHostPort(proxyURL)
	if !ok {
		return false
	}

	key := proxyURL.String()
	if verdict, ok := localProxyBypassCache.Load(key); ok {
		if verdict.(bool) {
			warnBypassedProxy(log, key)
			return true
		}
		return false
	}

	reachable := isProxyReachable(ctx, hostPort)
	localProxyBypassCache.Store(key, !reachable)
	if reachable {
		return false
	}
	warnBypassedProxy(log, key)
	return true
}

func proxyModeFromEnv() proxyMode {
	proxyModeOnce.Do(func() {
		resolvedProxyMode = parseProxyMode(os.Getenv(proxyModeEnv))
	})
	return resolvedProxyMode
}

func parseProxyMode(raw string) proxyMode {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "strict":
		return proxyModeStrict
	case "direct", "none", "off":
		return proxyModeDirect
	default:
		return proxyModeAuto
	}
}

func warnBypassedProxy(log logging.Logger, proxyURL string) {
	if logging.IsNil(log) {
		return
	}
	if _, warned := localProxyWarned.LoadOrStore(proxyURL, struct{}{}); warned {
		return
	}

	redacted := proxyURL
	if parsed, err := url.Parse(proxyURL); err == nil {
		redacted = parsed.Redacted()
	}
	log.Warn("Local proxy %s is unreachable; connecting directly (set %s=strict to disable).", redacted, proxyModeEnv)
}

func isLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

var defaultProxyPorts = map[string]string{
	"http":    "80",
	"https":   "443",
	"socks5":  "1080",
	"socks5h": "1080",
}

func proxyHostPort(proxyURL *url.URL) (string, bool) {
	if proxyURL == nil {
		return "", false
	}

	host := strings.TrimSpace(proxyURL.Hostname())
	if host == "" {
		return "", false
	}

	port := strings.TrimSpace(proxyURL.Port())
	if port == "" {
		scheme := strings.ToLower(strings.TrimSpace(proxyURL.Scheme))
		if scheme == "" {
			scheme = "http"
		}
		port = defaultProxyPorts[scheme]
		if port == "" {
			return "", false
		}
	}

	return net.JoinHostPort(host, port), true
}

func isProxyReachable(ctx context.Context, hostPort string) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	dialer := net.Dialer{Timeout: proxyDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", hostPort)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
