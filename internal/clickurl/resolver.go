// Package clickurl finds the landing page behind ad-tracking redirect URLs.
//
// Nothing in this package returns an error: every failure degrades to the
// best URL known so far.
package clickurl

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wapuda/vastreel/internal/config"
	"github.com/wapuda/vastreel/internal/logx"
)

// primaryParam is checked before any of the alternates.
const primaryParam = "click"

var alternateParams = []string{"u", "url", "redirect_url", "destination_url", "finalUrl", "targetUrl", "goto"}

const userAgent = "Mozilla/5.0 (compatible; vastreel/1.0)"

type Outcome string

const (
	OutcomeResolved  Outcome = "resolved"  // redirects led somewhere new
	OutcomeUnchanged Outcome = "unchanged" // request succeeded, same URL
	OutcomeFailed    Outcome = "failed"    // network error, timeout, too many hops
	OutcomeSkipped   Outcome = "skipped"   // not an absolute http(s) URL
)

// Resolution records how the final URL was obtained.
type Resolution struct {
	Intermediate string  // "" when no redirect parameter was found
	Final        string  // never empty for non-empty input
	Outcome      Outcome
}

type Resolver struct {
	client       *http.Client
	maxRedirects int
}

func New(c config.Resolver) *Resolver {
	r := &Resolver{maxRedirects: c.MaxRedirects}
	r.client = &http.Client{
		Timeout:       c.Timeout,
		CheckRedirect: r.checkRedirect,
	}
	return r
}

// NewWithClient reuses an existing client's transport; redirect policy and
// timeout still come from c.
func NewWithClient(c config.Resolver, hc *http.Client) *Resolver {
	r := &Resolver{maxRedirects: c.MaxRedirects}
	r.client = &http.Client{
		Transport:     hc.Transport,
		Jar:           hc.Jar,
		Timeout:       c.Timeout,
		CheckRedirect: r.checkRedirect,
	}
	return r
}

func (r *Resolver) checkRedirect(_ *http.Request, via []*http.Request) error {
	if len(via) > r.maxRedirects {
		return fmt.Errorf("exceeded %d redirects", r.maxRedirects)
	}
	return nil
}

// ExtractIntermediate returns the decoded destination carried by a
// tracking URL's query string.
func ExtractIntermediate(raw string) (string, bool) {
	// ParseQuery keeps every well-formed pair even when it reports an error.
	q, _ := url.ParseQuery(rawQuery(raw))
	for _, key := range append([]string{primaryParam}, alternateParams...) {
		if v := firstNonEmpty(q[key]); v != "" {
			return unescape(v), true
		}
	}
	return "", false
}

// rawQuery falls back to plain string splitting when raw does not parse as
// a URL, e.g. because of a bad escape in its path.
func rawQuery(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		return u.RawQuery
	}
	_, query, ok := strings.Cut(raw, "?")
	if !ok {
		return ""
	}
	query, _, _ = strings.Cut(query, "#")
	return query
}

// Resolve never fails. The returned Final is the resolved URL when
// redirects lead somewhere new, else the intermediate URL, else raw.
func (r *Resolver) Resolve(ctx context.Context, raw string) Resolution {
	logger := logx.FromCtx(ctx).With().Str("component", "clickurl").Logger()
	if raw == "" {
		return Resolution{Outcome: OutcomeSkipped}
	}

	res := Resolution{}
	target := raw
	if inter, ok := ExtractIntermediate(raw); ok {
		res.Intermediate = inter
		target = inter
		logger.Debug().Str("intermediate", inter).Msg("extracted intermediate url")
	} else {
		logger.Debug().Str("raw", raw).Msg("no intermediate url, resolving original")
	}

	res.Final, res.Outcome = r.follow(ctx, logger, target)
	return res
}

func (r *Resolver) follow(ctx context.Context, logger zerolog.Logger, target string) (string, Outcome) {
	if !isHTTP(target) {
		logger.Debug().Str("url", target).Msg("not an absolute http(s) url, skipping resolution")
		return target, OutcomeSkipped
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		logger.Warn().Err(err).Str("url", target).Msg("cannot build resolution request")
		return target, OutcomeFailed
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		logger.Warn().Err(err).Str("url", target).Msg("failed to resolve url")
		return target, OutcomeFailed
	}
	defer resp.Body.Close()

	final := resp.Request.URL.String()
	if final == "" || final == target {
		return target, OutcomeUnchanged
	}
	logger.Info().Str("from", target).Str("to", final).Int("status", resp.StatusCode).Msg("resolved final url")
	return final, OutcomeResolved
}

func (r *Resolver) timeout() time.Duration {
	if r.client.Timeout > 0 {
		return r.client.Timeout
	}
	return 10 * time.Second
}

func isHTTP(s string) bool {
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "http" || scheme == "https"
}

func firstNonEmpty(vs []string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

// unescape applies one more round of percent-decoding; values that are not
// valid escapes are returned as-is.
func unescape(s string) string {
	if out, err := url.PathUnescape(s); err == nil {
		return out
	}
	return s
}
