// Package fetch downloads job result files from their download URL.
package fetch

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/kiranshivaraju/amrhunter/internal/logging"
)

// Sentinel errors for download failures.
var (
	ErrUnreachable = errors.New("download host unreachable")
	ErrBadStatus   = errors.New("download failed")
	ErrTimeout     = errors.New("download timeout")
	ErrInvalidURL  = errors.New("invalid download url")
)

const userAgent = "amrhunter/1.0"

// Download is an open result file. The caller closes Body.
type Download struct {
	URL      string
	FileName string
	Body     io.ReadCloser
}

// Client fetches result files over HTTP(S).
type Client struct {
	client *http.Client
	log    *zap.Logger
}

// NewClient returns a client whose requests give up after timeout.
func NewClient(timeout time.Duration, log *zap.Logger) *Client {
	return &Client{client: &http.Client{Timeout: timeout}, log: logging.OrNop(log)}
}

// Get starts downloading rawURL. Non-2xx responses fail with ErrBadStatus.
func (c *Client) Get(ctx context.Context, rawURL string) (*Download, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Wrapf(ErrInvalidURL, "%q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, errors.Wrapf(ErrBadStatus, "%s: status %d", rawURL, resp.StatusCode)
	}

	c.log.Info("result file download started",
		zap.String("url", rawURL),
		zap.Int64("content_length", resp.ContentLength))
	return &Download{URL: rawURL, FileName: path.Base(u.Path), Body: resp.Body}, nil
}

// IsURL reports whether s looks like an http(s) URL rather than a local path.
func IsURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.Wrapf(ErrTimeout, "%v", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrapf(ErrTimeout, "%v", err)
	}
	return errors.Wrapf(ErrUnreachable, "%v", err)
}
