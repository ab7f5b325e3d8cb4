package crawler

import (
	"context"
	"net"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCanonicalizes(t *testing.T) {
	base, _ := url.Parse("https://Docs.Example.COM:443/guide/intro")

	cases := map[string]string{
		"../pricing":                "https://docs.example.com/pricing",
		"/faq#section-2":            "https://docs.example.com/faq",
		"HTTPS://DOCS.EXAMPLE.COM/": "https://docs.example.com/",
		"/search?q=go&utm_source=newsletter&PHPSESSID=abc": "https://docs.example.com/search?q=go",
	}
	for href, want := range cases {
		got, err := Normalize(base, href)
		require.NoError(t, err, href)
		assert.Equal(t, want, got, href)
	}
}

func TestNormalizeStableForDedup(t *testing.T) {
	a, err := Normalize(nil, "https://example.com/page?sid=1&x=2")
	require.NoError(t, err)
	b, err := Normalize(nil, "https://example.com/page?x=2&sid=9")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

type staticResolver struct{ ips []net.IPAddr }

func (r staticResolver) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	return r.ips, nil
}

func TestGuardRejectsUnsafeTargets(t *testing.T) {
	guard := NewGuard("example.com")
	guard.resolver = staticResolver{ips: []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}}
	ctx := context.Background()

	check := func(raw string) error {
		u, err := url.Parse(raw)
		require.NoError(t, err)
		return guard.Check(ctx, u)
	}

	assert.NoError(t, check("https://example.com/page"))
	assert.NoError(t, check("https://docs.example.com/page"))

	assert.Error(t, check("ftp://example.com/file"))
	assert.Error(t, check("https://evil.com/page"))
	assert.Error(t, check("https://notexample.com/page"))
	assert.Error(t, check("https://127.0.0.1/admin"))
	assert.Error(t, check("https://10.0.0.8/internal"))
	assert.Error(t, check("https://169.254.169.254/latest/meta-data"))
}

func TestGuardRejectsPrivateResolution(t *testing.T) {
	guard := NewGuard("example.com")
	guard.resolver = staticResolver{ips: []net.IPAddr{{IP: net.ParseIP("192.168.1.10")}}}

	u, _ := url.Parse("https://example.com/page")
	assert.Error(t, guard.Check(context.Background(), u))
}

func TestExtractHTMLStripsBoilerplate(t *testing.T) {
	page := `<html><head><title>Shipping Policy</title></head><body>
		<nav><a href="/home">Home</a> menu items</nav>
		<script>trackVisitor()</script>
		<main><h1>Shipping</h1><p>Orders ship within <b>two days</b>.</p>
		<a href="/returns">Returns</a></main>
		<footer>Copyright notice</footer>
	</body></html>`

	extraction, err := ExtractHTML([]byte(page))
	require.NoError(t, err)

	assert.Equal(t, "Shipping Policy", extraction.Title)
	assert.Contains(t, extraction.Text, "Orders ship within two days")
	assert.NotContains(t, extraction.Text, "trackVisitor")
	assert.NotContains(t, extraction.Text, "menu items")
	assert.NotContains(t, extraction.Text, "Copyright notice")
	assert.Contains(t, extraction.Links, "/returns")
	assert.NotContains(t, extraction.Links, "/home")
}
