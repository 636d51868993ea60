package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httputil"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// HTTPTransport sends chunk requests over HTTP.
// It never retries on its own: every attempt is reported back so the chunk can apply its retry policy.
type HTTPTransport struct {
	client *retryablehttp.Client
	jar    http.CookieJar
	logger log.Logger
}

// NewHTTPTransport creates an HTTPTransport whose client keeps up to simultaneousUploads
// connections per host open.
func NewHTTPTransport(logger log.Logger, simultaneousUploads int) *HTTPTransport {
	client := retryhttp.NewClient(logger)
	client.HTTPClient = NewChunkClient(simultaneousUploads)

	return NewHTTPTransportWithClient(client, logger)
}

// NewHTTPTransportWithClient wraps an existing retryable client. Its retry settings are overridden.
func NewHTTPTransportWithClient(client *retryablehttp.Client, logger log.Logger) *HTTPTransport {
	client.RetryMax = 0
	client.CheckRetry = noRetryPolicy
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	// cookiejar.New only fails for a broken PublicSuffixList option.
	jar, _ := cookiejar.New(nil)

	return &HTTPTransport{
		client: client,
		jar:    jar,
		logger: logger,
	}
}

// NewChunkClient creates an HTTP client sized for simultaneousUploads parallel chunk requests.
// Chunk timeouts come from the request context, the client itself has none.
func NewChunkClient(simultaneousUploads int) *http.Client {
	if simultaneousUploads < 1 {
		simultaneousUploads = 1
	}

	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxConnsPerHost:     simultaneousUploads,
			MaxIdleConnsPerHost: simultaneousUploads,
			MaxIdleConns:        2 * simultaneousUploads,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// Do implements Transport.
func (t *HTTPTransport) Do(ctx context.Context, r *Request, progress ProgressFunc) (*Response, error) {
	u, err := buildURL(r.URL, r.Params)
	if err != nil {
		return nil, err
	}

	payload, contentType, err := encodeBody(r)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}

	var body interface{}
	size := int64(len(payload))
	if payload != nil {
		body = retryablehttp.ReaderFunc(func() (io.Reader, error) {
			return newProgressReader(bytes.NewReader(payload), size, progress), nil
		})
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, r.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.ContentLength = size
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	if r.WithCredentials {
		for _, c := range t.jar.Cookies(u) {
			req.AddCookie(c)
		}
	}

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		t.logger.Warnf("error while dumping request: %s", err)
	}
	t.logger.Debugf("Chunk request dump: %s", string(dump))

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func(body io.ReadCloser) {
		err := body.Close()
		if err != nil {
			t.logger.Printf("%s", err)
		}
	}(resp.Body)

	if r.WithCredentials {
		t.jar.SetCookies(u, resp.Cookies())
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	t.logger.Debugf("Chunk response: HTTP %d: %s", resp.StatusCode, string(data))

	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (t *HTTPTransport) CloseIdleConnections() {
	t.client.HTTPClient.CloseIdleConnections()
}

// Chunk retries are handled by the scheduler.
func noRetryPolicy(ctx context.Context, _ *http.Response, _ error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return false, nil
}
