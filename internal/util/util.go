// Package util provides helpers shared across the proxy: outbound HTTP
// client proxy configuration and the deterministic identifiers attached to
// upstream envelopes.
package util

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// SetProxy routes the client through the configured proxy URL. SOCKS5,
// HTTP and HTTPS schemes are supported; anything else leaves the client
// untouched.
func SetProxy(proxyURLString string, httpClient *http.Client) *http.Client {
	if proxyURLString == "" {
		return httpClient
	}
	var transport *http.Transport
	proxyURL, errParse := url.Parse(proxyURLString)
	if errParse == nil {
		if proxyURL.Scheme == "socks5" {
			username := proxyURL.User.Username()
			password, _ := proxyURL.User.Password()
			proxyAuth := &proxy.Auth{User: username, Password: password}
			dialer, errSOCKS5 := proxy.SOCKS5("tcp", proxyURL.Host, proxyAuth, proxy.Direct)
			if errSOCKS5 != nil {
				log.Errorf("create SOCKS5 dialer failed: %v", errSOCKS5)
				return httpClient
			}
			transport = &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return dialer.Dial(network, addr)
				},
			}
		} else if proxyURL.Scheme == "http" || proxyURL.Scheme == "https" {
			transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}
	if transport != nil {
		httpClient.Transport = transport
	}
	return httpClient
}

// SessionID derives the deterministic session identifier from the first
// user message text: "-<decimal>" where the decimal is the low 63 bits of
// the text's SHA-256. Identical conversation openings map to the same
// session.
func SessionID(firstUserText string) string {
	sum := sha256.Sum256([]byte(firstUserText))
	low := binary.BigEndian.Uint64(sum[24:]) & 0x7fffffffffffffff
	return fmt.Sprintf("-%d", low)
}

var projectAdjectives = []string{
	"brisk", "calm", "eager", "fuzzy", "gentle", "keen", "lively", "mellow",
	"nimble", "quiet", "rapid", "solid", "tidy", "vivid", "witty", "zesty",
}

var projectNouns = []string{
	"otter", "falcon", "maple", "comet", "harbor", "lantern", "meadow",
	"pebble", "quartz", "ripple", "summit", "thicket", "walnut", "zephyr",
}

// GenerateProjectID mints a "{adj}-{noun}-{5 hex}" project identifier for
// accounts whose quota metadata carries none.
func GenerateProjectID() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		buf = []byte{0x5a, 0x3c, 0x91, 0x07}
	}
	adjective := projectAdjectives[int(buf[0])%len(projectAdjectives)]
	noun := projectNouns[int(buf[1])%len(projectNouns)]
	suffix := hex.EncodeToString(buf)[:5]
	return fmt.Sprintf("%s-%s-%s", adjective, noun, suffix)
}
