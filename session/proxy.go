package session

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"h12.io/socks"

	xproxy "golang.org/x/net/proxy"
)

// configureProxy routes the transport through proxyURL. Supported schemes
// are http, https, socks4, socks4a, socks5 and socks5h. A URL without a
// scheme is treated as an HTTP proxy.
func configureProxy(t *http.Transport, proxyURL string) error {
	if proxyURL == "" {
		return nil
	}
	if !strings.Contains(proxyURL, "://") {
		proxyURL = "http://" + proxyURL
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("proxy url %q: %w", proxyURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		t.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		dialer, err := xproxy.FromURL(u, xproxy.Direct)
		if err != nil {
			return fmt.Errorf("socks proxy %q: %w", proxyURL, err)
		}
		t.Proxy = nil
		if cd, ok := dialer.(xproxy.ContextDialer); ok {
			t.DialContext = cd.DialContext
		} else {
			t.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	case "socks4", "socks4a":
		dial := socks.Dial(u.String())
		t.Proxy = nil
		t.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
			return dial(network, addr)
		}
	default:
		return fmt.Errorf("proxy scheme %q not supported", u.Scheme)
	}
	return nil
}
