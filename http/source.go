// Package http provides an origin.Origin that reads a remote file with HTTP
// range requests.
package http //nolint:revive // intentional naming for domain clarity

import (
	"context"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrRangeUnsupported is returned when the server answers a range request
	// with the whole body.
	ErrRangeUnsupported = errors.New("range requests not supported")

	// ErrRemoteChanged is returned by ReadAt when conditional reads are
	// enabled and the remote no longer matches the validators seen at Open.
	ErrRemoteChanged = errors.New("remote content changed")
)

// Origin is a remote file addressed by URL. Its size and validators are
// fixed when it is opened.
type Origin struct {
	url         string
	client      *nethttp.Client
	timeout     time.Duration
	conditional bool

	size     int64
	etag     string
	modified string
	sourceID string
}

// Option configures an Origin.
type Option func(*Origin)

// WithClient sets the HTTP client. The default is http.DefaultClient.
func WithClient(client *nethttp.Client) Option {
	return func(o *Origin) {
		if client != nil {
			o.client = client
		}
	}
}

// WithSourceID overrides the identity used for cache keys.
func WithSourceID(id string) Option {
	return func(o *Origin) {
		o.sourceID = id
	}
}

// WithRequestTimeout bounds each request. Zero means no limit.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Origin) {
		o.timeout = d
	}
}

// WithConditionalHeaders makes block reads send If-Match and
// If-Unmodified-Since, so a remote that changes under the engine fails with
// ErrRemoteChanged instead of serving bytes of a different version.
func WithConditionalHeaders() Option {
	return func(o *Origin) {
		o.conditional = true
	}
}

// Open fetches the first byte of url to learn its size and validators.
func Open(url string, opts ...Option) (*Origin, error) {
	o := &Origin{url: url, client: nethttp.DefaultClient}
	for _, opt := range opts {
		opt(o)
	}

	ctx, cancel := o.requestContext()
	defer cancel()

	resp, err := o.get(ctx, 0, 0, false)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", url, err)
	}
	defer discard(resp)

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
	case nethttp.StatusOK:
		return nil, fmt.Errorf("open %s: %w", url, ErrRangeUnsupported)
	default:
		return nil, fmt.Errorf("open %s: %s", url, resp.Status)
	}

	o.size, err = totalSize(resp.Header.Get("Content-Range"))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", url, err)
	}
	o.etag = resp.Header.Get("ETag")
	o.modified = resp.Header.Get("Last-Modified")
	if o.sourceID == "" {
		o.sourceID = o.identity()
	}
	return o, nil
}

// Size returns the remote size observed at Open.
func (o *Origin) Size() int64 { return o.size }

// SourceID returns the URL qualified by the strongest validator the server
// offered, so a new remote version gets new cache keys.
func (o *Origin) SourceID() string { return o.sourceID }

func (o *Origin) identity() string {
	switch {
	case o.etag != "":
		return o.url + "#etag=" + o.etag
	case o.modified != "":
		return fmt.Sprintf("%s#modified=%s;size=%d", o.url, o.modified, o.size)
	default:
		return fmt.Sprintf("%s#size=%d", o.url, o.size)
	}
}

// ReadAt reads len(p) bytes at off with a single range request. A read that
// crosses the end of the remote returns the available bytes and io.EOF.
func (o *Origin) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read at %d: negative offset", off)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if off >= o.size {
		return 0, io.EOF
	}
	want := int(min(int64(len(p)), o.size-off))

	ctx, cancel := o.requestContext()
	defer cancel()

	resp, err := o.get(ctx, off, off+int64(want)-1, o.conditional)
	if err != nil {
		return 0, err
	}
	defer discard(resp)

	switch resp.StatusCode {
	case nethttp.StatusPartialContent:
	case nethttp.StatusPreconditionFailed:
		return 0, fmt.Errorf("read [%d,%d): %w", off, off+int64(want), ErrRemoteChanged)
	case nethttp.StatusRequestedRangeNotSatisfiable:
		return 0, io.EOF
	case nethttp.StatusOK:
		return 0, ErrRangeUnsupported
	default:
		return 0, fmt.Errorf("read [%d,%d): %s", off, off+int64(want), resp.Status)
	}

	n, err := io.ReadFull(resp.Body, p[:want])
	if err == nil && want < len(p) {
		err = io.EOF
	}
	return n, err
}

// get requests the inclusive byte range [first, last].
func (o *Origin) get(ctx context.Context, first, last int64, conditional bool) (*nethttp.Response, error) {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, o.url, nethttp.NoBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", "bytes="+strconv.FormatInt(first, 10)+"-"+strconv.FormatInt(last, 10))
	req.Header.Set("Accept-Encoding", "identity")
	if conditional {
		if o.etag != "" {
			req.Header.Set("If-Match", o.etag)
		}
		if o.modified != "" {
			req.Header.Set("If-Unmodified-Since", o.modified)
		}
	}
	return o.client.Do(req)
}

func (o *Origin) requestContext() (context.Context, context.CancelFunc) {
	if o.timeout > 0 {
		return context.WithTimeout(context.Background(), o.timeout)
	}
	return context.WithCancel(context.Background())
}

// discard drains and closes the body so the connection is reused.
func discard(resp *nethttp.Response) {
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // connection reuse only
	_ = resp.Body.Close()
}

// totalSize returns the complete length from a "bytes a-b/size" header.
func totalSize(contentRange string) (int64, error) {
	i := strings.LastIndexByte(contentRange, '/')
	if i < 0 || !strings.HasPrefix(contentRange, "bytes ") {
		return 0, fmt.Errorf("malformed Content-Range %q", contentRange)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(contentRange[i+1:]), 10, 64)
	if err != nil || size < 0 {
		return 0, fmt.Errorf("malformed Content-Range %q", contentRange)
	}
	return size, nil
}
