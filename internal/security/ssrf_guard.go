// Package security は生成バックエンドから受け取ったデータを扱う際の安全対策を提供する。
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// DownloadGuard は生成済み動画などバックエンドが返したURIを取得する際のSSRF対策。
// 取得先はhttpsかつ許可ホストに限定し、内部ネットワークへの接続はDialerレベルで遮断する。
type DownloadGuard struct {
	allowedHosts []string
}

// NewDownloadGuard はDownloadGuardを生成する。
// allowedHostsが空の場合、ホスト名による制限は行わない。
func NewDownloadGuard(allowedHosts ...string) *DownloadGuard {
	hosts := make([]string, 0, len(allowedHosts))
	for _, h := range allowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	return &DownloadGuard{allowedHosts: hosts}
}

// blockedNetworks はDNS解決前の静的検証で拒否するネットワーク範囲。
var blockedNetworks = mustParseCIDRs(
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"0.0.0.0/8",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %s: %v", cidr, err))
		}
		nets = append(nets, network)
	}
	return nets
}

// Client はSSRF対策済みのHTTPクライアントを返す。
// safeurlがDialerのControlフックで接続先IPを検証するため、DNS再バインディングにも対応する。
func (g *DownloadGuard) Client(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("https").
		SetAllowedPorts(443).
		Build()
	return safeurl.Client(config).Client
}

// CheckURL はDNS解決を伴わない静的検証を行う。
func (g *DownloadGuard) CheckURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if !strings.EqualFold(parsed.Scheme, "https") {
		return fmt.Errorf("disallowed scheme: %q", parsed.Scheme)
	}

	host := strings.ToLower(parsed.Hostname())
	if host == "" {
		return fmt.Errorf("empty host in URL")
	}
	if host == "localhost" {
		return fmt.Errorf("blocked host: %s", host)
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, network := range blockedNetworks {
			if network.Contains(ip) {
				return fmt.Errorf("blocked IP address: %s", ip)
			}
		}
	}

	if len(g.allowedHosts) > 0 && !g.hostAllowed(host) {
		return fmt.Errorf("host not in allow list: %s", host)
	}
	return nil
}

// hostAllowed は許可ホストそのもの、またはそのサブドメインであればtrueを返す。
func (g *DownloadGuard) hostAllowed(host string) bool {
	for _, allowed := range g.allowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}
