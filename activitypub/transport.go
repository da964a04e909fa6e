package activitypub

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/deemkeen/snacpub/domain"
	"github.com/deemkeen/snacpub/util"
	"golang.org/x/sync/semaphore"
)

const (
	ContentTypeActivity = "application/activity+json"
	ContentTypeLD       = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	maxResponseBytes    = 4 << 20
)

// Client performs outbound HTTP. Non-2xx responses come back as a
// *domain.StatusError together with the status and body.
type Client interface {
	// Get does a GET signed with acc's key.
	Get(ctx context.Context, acc *domain.Account, url string) (int, []byte, error)
	// Post does a POST of an activity signed with acc's key.
	Post(ctx context.Context, acc *domain.Account, url string, body []byte) (int, []byte, error)
	// Fetch does an unsigned GET, used for discovery.
	Fetch(ctx context.Context, url, accept string) (int, []byte, error)
}

// HTTPClient is the network Client. It bounds the number of calls in flight and
// gives each call its own timeout.
type HTTPClient struct {
	http      *http.Client
	sem       *semaphore.Weighted
	timeout   time.Duration
	userAgent string
	now       func() time.Time
}

func NewHTTPClient(conf *util.AppConfig) *HTTPClient {
	workers := conf.Conf.OutboundWorkers
	if workers < 1 {
		workers = 1
	}
	return &HTTPClient{
		http:      &http.Client{},
		sem:       semaphore.NewWeighted(int64(workers)),
		timeout:   conf.OutboundTimeout(),
		userAgent: util.UserAgent(conf.BaseURL()),
		now:       time.Now,
	}
}

func (c *HTTPClient) Get(ctx context.Context, acc *domain.Account, url string) (int, []byte, error) {
	return c.do(ctx, acc, http.MethodGet, url, nil, ContentTypeActivity)
}

func (c *HTTPClient) Post(ctx context.Context, acc *domain.Account, url string, body []byte) (int, []byte, error) {
	return c.do(ctx, acc, http.MethodPost, url, body, ContentTypeActivity)
}

func (c *HTTPClient) Fetch(ctx context.Context, url, accept string) (int, []byte, error) {
	return c.do(ctx, nil, http.MethodGet, url, nil, accept)
}

func (c *HTTPClient) do(ctx context.Context, acc *domain.Account, method, url string, body []byte, accept string) (int, []byte, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	defer c.sem.Release(1)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: failed to create request: %v", domain.ErrProtocol, err)
	}

	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", ContentTypeActivity)
	}

	if acc != nil {
		key, err := ParsePrivateKey(acc.PrivateKeyPem)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to parse private key of %s: %w", acc.Uid, err)
		}
		if err := SignRequest(req, body, key, acc.KeyID(), c.now()); err != nil {
			return 0, nil, err
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s %s: %v", domain.ErrTransport, method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("%w: reading %s: %v", domain.ErrTransport, url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, data, &domain.StatusError{Code: resp.StatusCode, URL: url}
	}
	return resp.StatusCode, data, nil
}
