package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/PuerkitoBio/goquery"
)

// maxURLBodyBytes caps fetched response bodies.
const maxURLBodyBytes = 10 << 20

// ErrBlockedURL marks a fetch refused because the target is not a public
// address: blocked scheme or hostname, non-public IP, or a redirect or
// DNS answer leading to one.
var ErrBlockedURL = errors.New("extract: url target refused")

// blockedHostnames are well-known internal names refused outright.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata":                 true,
	"instance-data":            true,
}

// reservedNets are IP ranges beyond what net.IP classifies: CGNAT, IETF
// protocol assignments, benchmarking, and the class E block.
var reservedNets = []*net.IPNet{
	mustCIDR("100.64.0.0/10"),
	mustCIDR("192.0.0.0/24"),
	mustCIDR("198.18.0.0/15"),
	mustCIDR("240.0.0.0/4"),
	mustCIDR("::/128"),
	mustCIDR("fc00::/7"),
}

func mustCIDR(s string) *net.IPNet {
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	return n
}

// URLFetcher fetches a web page and converts it to Markdown blocks.
// Every hop of the request is SSRF-validated: the hostname before the
// request, each redirect target, and the resolved IP at dial time (which
// also closes the DNS-rebinding hole).
type URLFetcher struct {
	client *http.Client
}

// NewURLFetcher returns a fetcher with SSRF-safe transport settings.
func NewURLFetcher() *URLFetcher {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil || !publicIP(ip) {
				return fmt.Errorf("%w: connection to %s: non-public address", ErrBlockedURL, address)
			}
			return nil
		},
	}

	return &URLFetcher{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 15 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				// Re-validate after every redirect so an open redirect
				// cannot bounce the request to an internal address.
				return ValidateURL(req.URL)
			},
		},
	}
}

// FetchResult is a fetched, converted page.
type FetchResult struct {
	Title    string
	FinalURL string
	Blocks   []Block
}

// Fetch retrieves rawURL, refuses non-public targets, and converts the
// body to Markdown blocks split by header.
func (f *URLFetcher) Fetch(ctx context.Context, rawURL string) (*FetchResult, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing url: %w", err)
	}
	if err := ValidateURL(u); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "sibyl/1.0 (+document ingestion)")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching url: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching url: status %d", resp.StatusCode)
	}
	if resp.ContentLength > maxURLBodyBytes {
		return nil, fmt.Errorf("response too large: %d bytes", resp.ContentLength)
	}

	ctype := resp.Header.Get("Content-Type")
	isHTML := strings.Contains(ctype, "text/html")
	if !isHTML && !strings.Contains(ctype, "text/plain") {
		return nil, fmt.Errorf("unsupported content type %q", ctype)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxURLBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	result := &FetchResult{FinalURL: resp.Request.URL.String()}

	if !isHTML {
		text := strings.TrimSpace(string(body))
		if text != "" {
			result.Blocks = []Block{{Text: text, Meta: map[string]any{
				"file_type": "url",
				"url":       result.FinalURL,
			}}}
		}
		return result, nil
	}

	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body))); err == nil {
		result.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	md, err := htmltomarkdown.ConvertString(string(body))
	if err != nil {
		return nil, fmt.Errorf("converting html: %w", err)
	}

	result.Blocks = SplitMarkdown(md)
	for i := range result.Blocks {
		result.Blocks[i].Meta["file_type"] = "url"
		result.Blocks[i].Meta["url"] = result.FinalURL
		if result.Title != "" {
			result.Blocks[i].Meta["title"] = result.Title
		}
	}
	return result, nil
}

// ValidateURL refuses URLs whose scheme is not http(s), whose hostname is
// a well-known internal name or a literal non-public IP, or whose DNS
// resolution yields only non-public addresses.
func ValidateURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrBlockedURL, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("empty hostname")
	}
	if blockedHostnames[host] || strings.HasSuffix(host, ".internal") || strings.HasSuffix(host, ".local") {
		return fmt.Errorf("%w: hostname %q", ErrBlockedURL, host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if !publicIP(ip) {
			return fmt.Errorf("%w: IP %s is non-public", ErrBlockedURL, ip)
		}
		return nil
	}

	addrs, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", host, err)
	}
	for _, ip := range addrs {
		if !publicIP(ip) {
			return fmt.Errorf("%w: hostname %q resolves to non-public address %s", ErrBlockedURL, host, ip)
		}
	}
	return nil
}

// publicIP reports whether ip is a routable public address.
func publicIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return false
	}
	for _, n := range reservedNets {
		if n.Contains(ip) {
			return false
		}
	}
	return true
}
