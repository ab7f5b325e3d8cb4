// Copyright 2025 The Lorekeep Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package crawler

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Guard rejects URLs that would let a crawl escape the public web or the
// project's declared domain.
type Guard struct {
	// Domain restricts crawling to this registrable domain and its
	// subdomains. Empty allows any public host.
	Domain string

	resolver interface {
		LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	}
}

// NewGuard creates a guard for a project domain.
func NewGuard(domain string) *Guard {
	return &Guard{Domain: strings.ToLower(domain), resolver: net.DefaultResolver}
}

// Check validates a parsed URL: http(s) only, host inside the declared
// domain, and no private, loopback or link-local addresses.
func (g *Guard) Check(ctx context.Context, u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not allowed", u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if g.Domain != "" && host != g.Domain && !strings.HasSuffix(host, "."+g.Domain) {
		return fmt.Errorf("host %q is outside the project domain %q", host, g.Domain)
	}

	if ip := net.ParseIP(host); ip != nil {
		if !isPublicIP(ip) {
			return fmt.Errorf("address %s is not publicly routable", ip)
		}
		return nil
	}

	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("failed to resolve %q: %w", host, err)
	}
	for _, addr := range addrs {
		if !isPublicIP(addr.IP) {
			return fmt.Errorf("host %q resolves to non-public address %s", host, addr.IP)
		}
	}
	return nil
}

func isPublicIP(ip net.IP) bool {
	return !(ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified())
}
