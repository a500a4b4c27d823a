// Package efatura talks to the eFatura portal: the paginated DFE
// listing, the per-document XML detail endpoint, and the IAM userinfo
// endpoint used to validate the credential before bulk work.
package efatura

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"golang.org/x/oauth2"

	"github.com/bwb-tools/efatura-export/internal/domain"
	"github.com/bwb-tools/efatura-export/internal/logger"
)

const (
	// DefaultServicesBase is the portal's services host.
	DefaultServicesBase = "https://services.efatura.cv"

	// DefaultIAMBase is the portal's identity host.
	DefaultIAMBase = "https://iam.efatura.cv"

	listPath     = "/v1/dfe"
	detailPath   = "/v1/dfe/xml/"
	userinfoPath = "/auth/realms/taxpayers/protocol/openid-connect/userinfo"

	userAgent = "efatura-export/1.0"

	// headerRepositoryCode selects the taxpayer repository on every
	// services request.
	headerRepositoryCode = "cv-ef-repository-code"
)

// DumpSink receives problematic HTTP responses for offline analysis.
type DumpSink interface {
	DumpResponse(uid, stage, note string, status int, url string, body []byte)
}

// Options configures a Client.
type Options struct {
	ServicesBase string
	IAMBase      string
	RepoCode     string
	Timeout      time.Duration
	Retries      int
	Backoff      time.Duration

	// Dumps receives failed detail responses. Optional.
	Dumps DumpSink
}

// Client issues authenticated requests with timeout, bounded retries
// and exponential backoff. The token is supplied pre-obtained and never
// refreshed.
type Client struct {
	http         *http.Client
	servicesBase string
	iamBase      string
	repoCode     string
	retries      int
	backoff      time.Duration
	throttle     *Throttle
	dumps        DumpSink
}

// NewClient creates a portal client around a static bearer token.
func NewClient(ctx context.Context, token string, opts Options) *Client {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	hc := oauth2.NewClient(ctx, ts)
	if opts.Timeout > 0 {
		hc.Timeout = opts.Timeout
	} else {
		hc.Timeout = 45 * time.Second
	}

	c := &Client{
		http:         hc,
		servicesBase: opts.ServicesBase,
		iamBase:      opts.IAMBase,
		repoCode:     opts.RepoCode,
		retries:      opts.Retries,
		backoff:      opts.Backoff,
		throttle:     NewThrottle(),
		dumps:        opts.Dumps,
	}
	if c.servicesBase == "" {
		c.servicesBase = DefaultServicesBase
	}
	if c.iamBase == "" {
		c.iamBase = DefaultIAMBase
	}
	if c.repoCode == "" {
		c.repoCode = "1"
	}
	if c.retries <= 0 {
		c.retries = 3
	}
	if c.backoff <= 0 {
		c.backoff = 1500 * time.Millisecond
	}
	return c
}

// get performs one GET with retry/backoff and returns the response body.
// Auth failures and non-retryable statuses come back as classified
// errors; retryable failures are retried until the budget is spent and
// then wrapped in a RetriesExhaustedError.
func (c *Client) get(ctx context.Context, url, accept string, services bool) ([]byte, *http.Response, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retries; attempt++ {
		if err := c.throttle.Wait(ctx); err != nil {
			return nil, nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", accept)
		req.Header.Set("User-Agent", userAgent)
		if services {
			req.Header.Set(headerRepositoryCode, c.repoCode)
		}

		logger.Debug("GET %s (attempt %d/%d)", url, attempt, c.retries)
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			if !retryableError(err) {
				return nil, nil, fmt.Errorf("request %s: %w", url, err)
			}
			lastErr = err
			logger.Warn("transient error calling %s (attempt %d/%d): %v", url, attempt, c.retries, err)
			if err := c.sleep(ctx, attempt); err != nil {
				return nil, nil, err
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		c.throttle.UpdateFromResponse(resp)

		if readErr != nil {
			lastErr = readErr
			logger.Warn("reading %s (attempt %d/%d): %v", url, attempt, c.retries, readErr)
			if err := c.sleep(ctx, attempt); err != nil {
				return nil, nil, err
			}
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, resp, classifyAuthFailure(resp.StatusCode, body)
		}
		if retryableStatus(resp.StatusCode) {
			lastErr = &APIError{StatusCode: resp.StatusCode, Message: preview(body), URL: url}
			logger.Warn("HTTP %d from %s (attempt %d/%d)", resp.StatusCode, url, attempt, c.retries)
			if err := c.sleep(ctx, attempt); err != nil {
				return nil, nil, err
			}
			continue
		}

		return body, resp, nil
	}

	return nil, nil, &RetriesExhaustedError{Attempts: c.retries, URL: url, Last: lastErr}
}

// sleep waits the exponential backoff delay for the given attempt.
func (c *Client) sleep(ctx context.Context, attempt int) error {
	delay := c.backoff * time.Duration(1<<(attempt-1))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// classifyAuthFailure turns 401/403 responses into the auth sentinels.
// The portal most often answers with an expired-token message.
func classifyAuthFailure(status int, body []byte) error {
	lower := strings.ToLower(string(body))
	if strings.Contains(lower, "expired") {
		return fmt.Errorf("%w (HTTP %d)", domain.ErrAuthExpired, status)
	}
	return fmt.Errorf("%w (HTTP %d)", domain.ErrAuthInvalid, status)
}

// ValidateCredentials checks the token against the userinfo endpoint
// before bulk work starts. Returns the taxpayer identifier when the
// response carries one.
func (c *Client) ValidateCredentials(ctx context.Context) (string, error) {
	body, resp, err := c.get(ctx, c.iamBase+userinfoPath, "application/json", false)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{StatusCode: resp.StatusCode, Message: preview(body), URL: c.iamBase + userinfoPath}
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return "", fmt.Errorf("parsing userinfo: %w", err)
	}
	for _, key := range []string{"taxId", "tax_id", "preferred_username", "username", "sub"} {
		if v, ok := obj[key].(string); ok && v != "" {
			return v, nil
		}
	}
	return "OK", nil
}

// FetchDocumentXML retrieves the inner XML body of one document. The
// detail endpoint wraps the document in an envelope whose <Payload>
// element holds the HTML-escaped body; a bare <Dfe body without the
// wrapper is also accepted.
func (c *Client) FetchDocumentXML(ctx context.Context, uid string) (string, error) {
	url := c.servicesBase + detailPath + uid
	body, resp, err := c.get(ctx, url, "application/xml", true)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		c.dump(uid, "http_error", fmt.Sprintf("HTTP %d", resp.StatusCode), resp.StatusCode, url, body)
		return "", &APIError{StatusCode: resp.StatusCode, Message: preview(body), URL: url}
	}

	// Reverse proxies occasionally answer 200 with an HTML or JSON
	// error page instead of XML.
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.Contains(ct, "xml") && looksNonXML(body) {
		c.dump(uid, "unexpected_content_type", "Content-Type="+ct, resp.StatusCode, url, body)
		return "", fmt.Errorf("%w: unexpected content type %q for uid %s", domain.ErrInvalidInput, ct, uid)
	}

	outer, err := xmlquery.Parse(strings.NewReader(string(body)))
	if err != nil {
		c.dump(uid, "outer_xml_parse_error", err.Error(), resp.StatusCode, url, body)
		return "", fmt.Errorf("parsing detail envelope for uid %s: %w", uid, err)
	}

	if payload := findPayload(outer); payload != "" {
		return html.UnescapeString(payload), nil
	}

	if strings.Contains(string(body), "<Dfe") {
		return string(body), nil
	}

	c.dump(uid, "no_payload", "no <Payload> element or empty payload", resp.StatusCode, url, body)
	return "", fmt.Errorf("%w: no payload in detail envelope for uid %s", domain.ErrInvalidInput, uid)
}

func (c *Client) dump(uid, stage, note string, status int, url string, body []byte) {
	if c.dumps == nil {
		return
	}
	c.dumps.DumpResponse(uid, stage, note, status, url, body)
}

// findPayload returns the text of the first Payload element in the
// envelope, namespace-agnostic.
func findPayload(n *xmlquery.Node) string {
	for node := n; node != nil; {
		if node.Type == xmlquery.ElementNode && node.Data == "Payload" {
			if text := strings.TrimSpace(node.InnerText()); text != "" {
				return text
			}
		}
		switch {
		case node.FirstChild != nil:
			node = node.FirstChild
		case node.NextSibling != nil:
			node = node.NextSibling
		default:
			for node = node.Parent; node != nil && node.NextSibling == nil; node = node.Parent {
			}
			if node != nil {
				node = node.NextSibling
			}
		}
	}
	return ""
}

// looksNonXML reports whether a body is clearly JSON or HTML.
func looksNonXML(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return true
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		return true
	}
	head := strings.ToLower(trimmed)
	if len(head) > 200 {
		head = head[:200]
	}
	return strings.Contains(head, "<html")
}

// preview trims a response body down to a loggable size.
func preview(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}
