// Package renderer is a client for the upstream rendering service.
// It requests the rendered representation of a document revision over HTTP.
package renderer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultContentType is the content type assumed when the upstream does not send one.
	DefaultContentType = "text/html;profile=mediawiki.org/specs/html/1.0.0"
	// DefaultPathTemplate is appended to the base URL to address a revision.
	DefaultPathTemplate = "/{document}/{revision}"

	defaultMaxBodyBytes = 32 << 20
)

type Config struct {
	// Base URL of the rendering service, e.g. http://parsoid.local/en.wikipedia.org/v3/page/html.
	BaseURL string
	// Path appended to the base URL.
	// "{document}" and "{revision}" are replaced with the path-escaped values.
	PathTemplate string
	// Content type to assume if the upstream does not send one.
	DefaultContentType string
	// User-Agent header sent to the upstream.
	UserAgent string
	// Upper limit of an upstream response body.
	MaxBodyBytes int64
	// HTTP client to use. A client with a 30s timeout is used if nil.
	HTTPClient *http.Client
	// Logger to use. Logging is disabled if nil.
	Logger *zerolog.Logger
}

// Rendered is the successful result of a render call.
type Rendered struct {
	Payload     []byte
	ContentType string
}

type Client struct {
	base         *url.URL
	pathTemplate string
	contentType  string
	userAgent    string
	maxBody      int64
	httpClient   *http.Client
	log          zerolog.Logger
}

func New(config Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("renderer base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("renderer base url %q must be absolute", config.BaseURL)
	}
	c := &Client{
		base:         base,
		pathTemplate: config.PathTemplate,
		contentType:  config.DefaultContentType,
		userAgent:    config.UserAgent,
		maxBody:      config.MaxBodyBytes,
		httpClient:   config.HTTPClient,
		log:          zerolog.Nop(),
	}
	if c.pathTemplate == "" {
		c.pathTemplate = DefaultPathTemplate
	}
	if !strings.Contains(c.pathTemplate, "{revision}") {
		return nil, fmt.Errorf("renderer path template %q has no {revision}", c.pathTemplate)
	}
	if c.contentType == "" {
		c.contentType = DefaultContentType
	}
	if c.userAgent == "" {
		c.userAgent = "revcache"
	}
	if c.maxBody <= 0 {
		c.maxBody = defaultMaxBodyBytes
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if config.Logger != nil {
		c.log = config.Logger.With().Str("upstream", base.String()).Logger()
	}
	return c, nil
}

// URI returns the upstream URI used to render the given revision.
func (c *Client) URI(documentID, revision string) string {
	path := strings.NewReplacer(
		"{document}", url.PathEscape(documentID),
		"{revision}", url.PathEscape(revision),
	).Replace(c.pathTemplate)
	return c.base.String() + path
}

// Render fetches the rendered revision from the upstream.
// Every failure (network, status or body) is returned as an *UpstreamError.
// Render does not retry.
func (c *Client) Render(ctx context.Context, documentID, revision string) (Rendered, error) {
	uri := c.URI(documentID, revision)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return Rendered{}, &UpstreamError{URI: uri, Err: err}
	}
	req.Header.Set("Accept", c.contentType)
	req.Header.Set("User-Agent", c.userAgent)

	c.log.Trace().Str("uri", uri).Msg("Requesting render from upstream")
	res, err := c.httpClient.Do(req)
	if err != nil {
		return Rendered{}, &UpstreamError{URI: uri, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		// drain a little so the connection may be reused
		io.Copy(io.Discard, io.LimitReader(res.Body, 4<<10))
		return Rendered{}, &UpstreamError{URI: uri, StatusCode: res.StatusCode, Err: errBadStatus}
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, c.maxBody+1))
	if err != nil {
		return Rendered{}, &UpstreamError{URI: uri, StatusCode: res.StatusCode, Err: err}
	}
	if int64(len(body)) > c.maxBody {
		return Rendered{}, &UpstreamError{URI: uri, StatusCode: res.StatusCode, Err: errTooLarge}
	}

	rendered, err := c.decode(res.Header.Get("Content-Type"), body)
	if err != nil {
		return Rendered{}, &UpstreamError{URI: uri, StatusCode: res.StatusCode, Err: err}
	}
	c.log.Trace().Str("uri", uri).Int("bytes", len(rendered.Payload)).Msg("Got render from upstream")
	return rendered, nil
}

// bundle is the JSON envelope some renderers wrap the HTML in.
type bundle struct {
	HTML *struct {
		Headers map[string]string `json:"headers"`
		Body    *string           `json:"body"`
	} `json:"html"`
}

func (c *Client) decode(contentType string, body []byte) (Rendered, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/json" {
		var b bundle
		if err := json.Unmarshal(body, &b); err != nil {
			return Rendered{}, fmt.Errorf("%w: %v", errMalformed, err)
		}
		if b.HTML == nil || b.HTML.Body == nil {
			return Rendered{}, fmt.Errorf("%w: no html body in bundle", errMalformed)
		}
		contentType = ""
		for name, value := range b.HTML.Headers {
			if strings.EqualFold(name, "content-type") {
				contentType = value
			}
		}
		body = []byte(*b.HTML.Body)
	}
	if len(body) == 0 {
		return Rendered{}, fmt.Errorf("%w: empty body", errMalformed)
	}
	if contentType == "" {
		contentType = c.contentType
	}
	return Rendered{Payload: body, ContentType: contentType}, nil
}

var (
	errBadStatus = errors.New("unexpected upstream status")
	errTooLarge  = errors.New("upstream body too large")
	errMalformed = errors.New("malformed upstream body")
)
