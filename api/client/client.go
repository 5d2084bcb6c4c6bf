// Package client is a thin HTTP client for the relay API, used by the e2e
// tests and by operator tooling.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.vocdoni.io/dvote/log"

	"github.com/veilpay/relayer/api"
	"github.com/veilpay/relayer/types"
)

const (
	// HTTPGET is the method string used for calling Request()
	HTTPGET = http.MethodGet
	// HTTPPOST is the method string used for calling Request()
	HTTPPOST = http.MethodPost

	errCodeNot200 = "API error"

	// DefaultRetries this enables Request() to handle the situation where the server connection fails
	DefaultRetries = 3
	// DefaultTimeout is the default timeout for the HTTP client
	DefaultTimeout = 10 * time.Second
)

// HTTPclient is the relay API HTTP client.
type HTTPclient struct {
	c       *http.Client
	host    *url.URL
	retries int
}

// New connects to the API host and returns the handle after a ping check.
func New(host string) (*HTTPclient, error) {
	hostURL, err := url.Parse(host)
	if err != nil {
		return nil, err
	}
	c := &HTTPclient{
		c:       &http.Client{Timeout: DefaultTimeout},
		host:    hostURL,
		retries: DefaultRetries,
	}
	log.Debugw("http client created", "host", hostURL.String())
	data, status, err := c.Request(HTTPGET, nil, api.PingEndpoint)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%s: %d (%s)", errCodeNot200, status, data)
	}
	return c, nil
}

// SetRetries configures the number of retries for the HTTP client.
func (c *HTTPclient) SetRetries(n int) {
	c.retries = n
}

// SetTimeout configures the timeout for the HTTP client.
func (c *HTTPclient) SetTimeout(d time.Duration) {
	c.c.Timeout = d
}

// Relay submits a relay request and returns the id of the accepted job.
func (c *HTTPclient) Relay(req *types.RelayRequest) (uuid.UUID, error) {
	data, status, err := c.Request(HTTPPOST, req, api.RelaysEndpoint)
	if err != nil {
		return uuid.Nil, err
	}
	if status != http.StatusOK {
		return uuid.Nil, fmt.Errorf("%s: %d (%s)", errCodeNot200, status, data)
	}
	var resp api.RelaySubmitResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return uuid.Nil, fmt.Errorf("failed to unmarshal submit response: %w", err)
	}
	return resp.RelayID, nil
}

// Status fetches the current state of a relay job.
func (c *HTTPclient) Status(id uuid.UUID) (*api.RelayStatusResponse, error) {
	data, status, err := c.Request(HTTPGET, nil, api.RelaysEndpoint, id.String())
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%s: %d (%s)", errCodeNot200, status, data)
	}
	var resp api.RelayStatusResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status response: %w", err)
	}
	return &resp, nil
}

// Stream opens the server-sent event stream of a relay job and delivers each
// progress event to the callback until the stream terminates or ctx is done.
func (c *HTTPclient) Stream(ctx context.Context, id uuid.UUID, fn func(*types.PipelineProgress)) error {
	u, err := url.Parse(c.host.String())
	if err != nil {
		return err
	}
	u.Path = path.Join(u.Path, api.RelaysEndpoint, id.String(), "stream")
	req, err := http.NewRequestWithContext(ctx, HTTPGET, u.String(), nil)
	if err != nil {
		return err
	}
	// streaming must not be bounded by the client-wide timeout
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warnw("failed to close stream body", "error", err.Error())
		}
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %d (%s)", errCodeNot200, resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev types.PipelineProgress
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			log.Warnw("failed to decode stream event", "error", err.Error())
			continue
		}
		fn(&ev)
		if ev.Terminal() {
			return nil
		}
	}
	return scanner.Err()
}

// Request performs a `method` type raw request to the endpoint specified in
// urlPath parameter. Method is either GET or POST. If POST, a JSON struct
// should be attached. Returns the response, the status code and an error.
func (c *HTTPclient) Request(method string, jsonBody any, urlPath ...string) ([]byte, int, error) {
	var (
		body []byte
		err  error
	)
	if jsonBody != nil {
		body, err = json.Marshal(jsonBody)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal JSON: %w", err)
		}
	}

	u, err := url.Parse(c.host.String())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse host URL: %w", err)
	}
	u.Path = path.Join(u.Path, path.Join(urlPath...))

	headers := http.Header{}
	if jsonBody != nil {
		headers.Set("Content-Type", "application/json")
		headers.Set("Accept", "application/json")
	}
	log.Debugw("http client request", "type", method, "url", u.String())

	var resp *http.Response
	for i := 1; i <= c.retries; i++ {
		var reqBody io.ReadCloser
		if body != nil {
			reqBody = io.NopCloser(bytes.NewReader(body))
		}
		req, err := http.NewRequest(method, u.String(), reqBody)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header = headers

		resp, err = c.c.Do(req)
		if err != nil {
			log.Warnw("http request failed", "error", err.Error(), "attempt", i, "retries", c.retries)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		break
	}
	if resp == nil {
		return nil, 0, fmt.Errorf("http request ultimately failed after %d retries", c.retries)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warnw("failed to close response body", "error", err.Error())
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, resp.StatusCode, nil
}
