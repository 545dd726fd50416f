package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	stdlog "log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	gklog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
)

const (
	// Pause before re-sending a request that failed on a network timeout.
	transientNetworkWait = 250 * time.Millisecond
	// Initial delay for the doubling backoff applied to 502/504 responses.
	transientServerWaitStart = 1 * time.Second
	transientServerWaitMax   = 2 * time.Minute

	pageLimit = 1000
)

type Config struct {
	BaseURL string `yaml:"base_url"`
	Tenant  string `yaml:"tenant"`
	Token   string `yaml:"token"`
	UserID  string `yaml:"user_id"`

	Timeout  time.Duration `yaml:"timeout"`
	RetryMax int           `yaml:"retry_max"`
}

func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.StringVar(&c.BaseURL, "gateway.base-url", "", "Platform API gateway URL.")
	f.StringVar(&c.Tenant, "gateway.tenant", "", "Platform tenant id.")
	f.DurationVar(&c.Timeout, "gateway.timeout", 30*time.Second, "Per request timeout.")
	f.IntVar(&c.RetryMax, "gateway.retry-max", 0, "Max retries per request. 0 means unlimited.")
}

// Gateway is an authenticated client for the platform HTTP API. Outbound
// calls retry network timeouts with a short fixed pause and 502/504
// responses with a doubling delay; any other non-2xx status surfaces as a
// *StatusError for the caller to dispose of.
type Gateway struct {
	cfg  Config
	http *retryablehttp.Client
	log  gklog.Logger
}

func New(cfg Config, log gklog.Logger) *Gateway {
	g := &Gateway{
		cfg: cfg,
		log: log,
	}

	c := retryablehttp.NewClient()
	c.HTTPClient.Timeout = cfg.Timeout
	if cfg.RetryMax > 0 {
		c.RetryMax = cfg.RetryMax
	} else {
		c.RetryMax = int(^uint(0) >> 1)
	}
	c.CheckRetry = g.checkRetry
	c.Backoff = g.backoff
	c.Logger = stdlog.New(gklog.NewStdlibAdapter(g.log), "", 0)

	g.http = c
	return g
}

func (g *Gateway) BaseURL() string {
	return g.cfg.BaseURL
}

// UserID is the id of the authenticated platform user on whose behalf jobs
// are created.
func (g *Gateway) UserID() string {
	return g.cfg.UserID
}

// Headers returns the auth headers attached to every outbound request.
func (g *Gateway) Headers() map[string]string {
	return map[string]string{
		"x-okapi-tenant": g.cfg.Tenant,
		"x-okapi-token":  g.cfg.Token,
		"Content-Type":   "application/json",
	}
}

func (g *Gateway) checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		if IsTimeout(err) {
			return true, nil
		}
		return false, err
	}
	if resp.StatusCode == http.StatusBadGateway || resp.StatusCode == http.StatusGatewayTimeout {
		return true, nil
	}
	return false, nil
}

func (g *Gateway) backoff(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
	if resp != nil {
		// The connection that produced the bad gateway response may be
		// poisoned. Drop idle connections so the retry dials fresh.
		g.http.HTTPClient.CloseIdleConnections()
		level.Warn(g.log).Log("msg", "server error, retrying", "status", resp.Status, "attempt", attemptNum)

		wait := transientServerWaitStart << uint(attemptNum)
		if wait > transientServerWaitMax || wait <= 0 {
			wait = transientServerWaitMax
		}
		return wait
	}
	level.Warn(g.log).Log("msg", "network timeout, retrying", "attempt", attemptNum)
	return transientNetworkWait
}

func (g *Gateway) do(ctx context.Context, method, path string, query url.Values, body io.ReadSeeker) ([]byte, error) {
	u := g.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := retryablehttp.NewRequest(method, u, body)
	if err != nil {
		return nil, errors.Wrap(err, "gateway build request")
	}
	req.Request = req.Request.WithContext(ctx)
	for k, v := range g.Headers() {
		req.Header.Set(k, v)
	}

	resp, err := g.http.Do(req)
	if err != nil {
		if IsTimeout(err) {
			return nil, &TransientError{Err: err}
		}
		return nil, errors.Wrapf(err, "gateway %s %s", method, path)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "gateway read response %s %s", method, path)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(payload)}
	}

	return payload, nil
}

// Get fetches path and decodes the JSON document.
func (g *Gateway) Get(ctx context.Context, path string, query url.Values) (map[string]interface{}, error) {
	payload, err := g.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}
	return decodeDoc(payload)
}

// GetAll pages through a collection endpoint and returns the concatenation
// of the arrays found under key.
func (g *Gateway) GetAll(ctx context.Context, path, key string, query url.Values) ([]interface{}, error) {
	if query == nil {
		query = url.Values{}
	}
	query.Set("limit", strconv.Itoa(pageLimit))

	all := make([]interface{}, 0)
	for offset := 0; ; offset += pageLimit {
		query.Set("offset", strconv.Itoa(offset))
		doc, err := g.Get(ctx, path, query)
		if err != nil {
			return nil, err
		}
		page, _ := doc[key].([]interface{})
		all = append(all, page...)
		if len(page) < pageLimit {
			return all, nil
		}
	}
}

// Post sends body as JSON and returns the decoded response document,
// which may be nil for empty 2xx responses.
func (g *Gateway) Post(ctx context.Context, path string, body interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "gateway marshal body")
	}
	payload, err := g.do(ctx, http.MethodPost, path, nil, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, nil
	}
	return decodeDoc(payload)
}

func (g *Gateway) Put(ctx context.Context, path string, body interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "gateway marshal body")
	}
	_, err = g.do(ctx, http.MethodPut, path, nil, bytes.NewReader(raw))
	return err
}

// GetWithTimeout performs a single GET on a fresh client with its own
// timeout and no internal retries. Status polling owns its escalating
// backoff and drives retries itself.
func (g *Gateway) GetWithTimeout(ctx context.Context, path string, query url.Values, timeout time.Duration) (map[string]interface{}, error) {
	u := g.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "gateway build poll request")
	}
	for k, v := range g.Headers() {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		if IsTimeout(err) {
			return nil, &TransientError{Err: err}
		}
		return nil, errors.Wrapf(err, "gateway poll %s", path)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "gateway read poll response %s", path)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(payload)}
	}

	return decodeDoc(payload)
}

func decodeDoc(payload []byte) (map[string]interface{}, error) {
	doc := make(map[string]interface{})
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, errors.Wrap(err, "gateway decode response")
	}
	return doc, nil
}
