package httpclient

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// URLValidationOptions controls which target classes a configured base
// URL may point at. Both default to rejected; the sidecar clients opt
// in because they live on the pod network.
type URLValidationOptions struct {
	AllowLocalhost       bool
	AllowPrivateNetworks bool
}

// ValidateBaseURL checks a configured outbound base URL and returns it
// normalized with any trailing slash removed, ready for path joining.
func ValidateBaseURL(raw string, opts URLValidationOptions) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("url is required")
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if scheme := strings.ToLower(parsed.Scheme); scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme: %s", scheme)
	}
	host := strings.ToLower(strings.TrimSpace(parsed.Hostname()))
	if host == "" {
		return "", fmt.Errorf("url host is required")
	}
	if err := checkTargetClass(host, opts); err != nil {
		return "", err
	}
	return strings.TrimRight(parsed.String(), "/"), nil
}

func checkTargetClass(host string, opts URLValidationOptions) error {
	if !opts.AllowLocalhost && (host == "localhost" || strings.HasSuffix(host, ".localhost")) {
		return fmt.Errorf("local urls are not allowed")
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	if !opts.AllowLocalhost && (ip.IsLoopback() || ip.IsUnspecified()) {
		return fmt.Errorf("local urls are not allowed")
	}
	if !opts.AllowPrivateNetworks &&
		(ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()) {
		return fmt.Errorf("private network urls are not allowed")
	}
	return nil
}
