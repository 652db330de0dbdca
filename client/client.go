package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/soilgrids/awc/client/download"
	"github.com/soilgrids/awc/client/throttle"
)

// Client wraps the std-lib *http.Client
// It sets a default *http.Client and *http.Transport, which
// can be customized via optional funcs.
type Client struct {
	c         *http.Client
	logger    *slog.Logger
	tracer    trace.Tracer
	bandwidth int64
}

var _ download.Source = (*Client)(nil)

// DefaultResponseHeaderTimeout bounds the wait for response headers on the
// default transport.
const DefaultResponseHeaderTimeout = time.Minute

func Build(optFns ...Option) (*Client, error) {
	client := &Client{
		c:      &http.Client{},
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("no-op tracer"),
	}

	var opts options
	for _, opt := range optFns {
		if err := opt(&opts); err != nil {
			return nil, fmt.Errorf("applying client option: %w", err)
		}
	}

	if opts.client != nil {
		client.c = opts.client
	}

	if opts.logger != nil {
		client.logger = opts.logger
	}

	if opts.tracer != nil {
		client.tracer = opts.tracer
	}

	if opts.timeout != nil {
		client.c.Timeout = *opts.timeout
	}

	if opts.noFollowRedirects {
		client.c.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	client.bandwidth = opts.bandwidth

	var transport http.RoundTripper
	switch {
	case opts.rt != nil:
		transport = opts.rt
	case opts.client != nil && opts.client.Transport != nil:
		transport = opts.client.Transport
	default:
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
		transport = t
	}
	if opts.userAgent != "" {
		transport = userAgent{value: opts.userAgent, base: transport}
	}
	if opts.throttle != nil {
		rt, err := throttle.NewRoundTripper(opts.throttle.RPS, opts.throttle.Burst, func() *slog.Logger { return client.logger }, transport)
		if err != nil {
			return nil, fmt.Errorf("configuring throttle: %w", err)
		}
		transport = rt
	}
	client.c.Transport = transport

	return client, nil
}

// Download fetches rawURL into destPath, resuming a previous partial
// transfer if one exists. See [download.Fetch].
func (c *Client) Download(ctx context.Context, rawURL, destPath string, opts ...DownloadOption) error {
	if destPath == "" {
		return errors.New("destPath must not be empty")
	}

	ctx, span := c.tracer.Start(ctx, "client.download", trace.WithAttributes(
		attribute.String("url", rawURL),
		attribute.String("path", destPath),
	))
	defer span.End()

	if err := download.Fetch(ctx, c, rawURL, destPath, c.logger, opts...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "download failed")
		return fmt.Errorf("download: %w", err)
	}

	return nil
}

// Probe issues a HEAD request for rawURL. Servers that refuse HEAD yield
// an unknown size rather than an error.
func (c *Client) Probe(ctx context.Context, rawURL string) (download.Probe, error) {
	ctx, span := c.tracer.Start(ctx, "client.probe", trace.WithAttributes(attribute.String("url", rawURL)))
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return download.Probe{}, fmt.Errorf("instantiating request: %w", err)
	}

	resp, err := c.c.Do(req)
	if err != nil {
		span.RecordError(err)
		return download.Probe{}, fmt.Errorf("exec http head: %w", err)
	}
	defer c.discard(resp)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusMethodNotAllowed, http.StatusNotImplemented:
		c.logger.Debug("head not supported, size unknown", "url", rawURL, "status", resp.StatusCode)
		return download.Probe{Size: download.UnknownSize}, nil
	default:
		return download.Probe{}, c.statusError(resp)
	}

	size := resp.ContentLength
	if size < 0 {
		if v, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64); err == nil {
			size = v
		}
	}

	probe := download.Probe{
		Size:         size,
		AcceptRanges: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
	}
	span.SetAttributes(attribute.Int64("size", probe.Size), attribute.Bool("accept_ranges", probe.AcceptRanges))

	return probe, nil
}

// Open issues a GET for rawURL, asking for the bytes from offset onward
// when offset is positive. The returned body is rate limited when the
// client was built with [WithBandwidthLimit].
func (c *Client) Open(ctx context.Context, rawURL string, offset int64) (*download.Response, error) {
	spanCtx, span := c.tracer.Start(ctx, "client.open", trace.WithAttributes(
		attribute.String("url", rawURL),
		attribute.Int64("offset", offset),
	))
	defer span.End()

	req, err := http.NewRequestWithContext(spanCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("instantiating request: %w", err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.c.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("exec http get: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		span.SetAttributes(attribute.Bool("range_honoured", offset == 0))
		return &download.Response{
			Body:   c.body(ctx, resp.Body),
			Offset: 0,
			Size:   resp.ContentLength,
		}, nil

	case http.StatusPartialContent:
		start, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			c.discard(resp)
			return nil, err
		}
		return &download.Response{
			Body:   c.body(ctx, resp.Body),
			Offset: start,
			Size:   total,
		}, nil

	case http.StatusRequestedRangeNotSatisfiable:
		c.discard(resp)
		return nil, fmt.Errorf("offset %d: %w", offset, download.ErrRangeNotSatisfiable)

	default:
		defer c.discard(resp)
		return nil, c.statusError(resp)
	}
}

// body wraps the response body with the bandwidth limiter if one is set.
func (c *Client) body(ctx context.Context, rc io.ReadCloser) io.ReadCloser {
	if c.bandwidth <= 0 {
		return rc
	}
	return struct {
		io.Reader
		io.Closer
	}{throttle.NewReader(ctx, rc, c.bandwidth), rc}
}

func (c *Client) statusError(resp *http.Response) error {
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxErrBodySize))
	if err != nil {
		b = []byte("unable to read body")
	}

	sErr := ErrUnexpectedStatusCode
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		sErr = errors.Join(ErrUnexpectedStatusCode, ErrAuthFailure)
	}

	return &UnexpectedStatusError{
		StatusCode: resp.StatusCode,
		Body:       string(b),
		Err:        sErr,
	}
}

func (c *Client) discard(resp *http.Response) {
	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrBodySize)); err != nil {
		c.logger.Error("failed to discard unused body", "error", err)
	}
	if err := resp.Body.Close(); err != nil {
		c.logger.Error("failed to close response body", "error", err)
	}
}

// parseContentRange reads "bytes start-end/total". A total of "*" gives
// download.UnknownSize.
func parseContentRange(v string) (start, total int64, err error) {
	spec, ok := strings.CutPrefix(v, "bytes ")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadContentRange, v)
	}

	rng, size, ok := strings.Cut(spec, "/")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadContentRange, v)
	}

	first, _, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadContentRange, v)
	}

	start, err = strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadContentRange, v)
	}

	if size == "*" {
		return start, download.UnknownSize, nil
	}

	total, err = strconv.ParseInt(strings.TrimSpace(size), 10, 64)
	if err != nil || total <= start {
		return 0, 0, fmt.Errorf("%w: %q", ErrBadContentRange, v)
	}

	return start, total, nil
}
