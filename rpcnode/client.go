// Package rpcnode is the Node Client: a JSON-RPC HTTP client for the
// Tapyrus daemon, the indexer's only source of truth for new blocks,
// mempool contents and broadcast. Its request/response framing is lifted
// from hemi/electrs.Client -- exponential backoff via sethvargo/go-retry,
// one call() choke point all typed methods funnel through -- adapted from
// a persistent line-delimited TCP connection to Bitcoin Core's one-
// request-per-HTTP-POST JSON-RPC 1.0 convention, which is what Tapyrus
// daemons speak.
package rpcnode

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/juju/loggo"
	"github.com/sethvargo/go-retry"

	"github.com/chaintope/esplora-tapyrus/errkind"
)

var log = loggo.GetLogger("rpcnode")

func init() {
	if err := loggo.ConfigureLoggers("INFO"); err != nil {
		panic(err)
	}
}

// Config configures a Client.
type Config struct {
	Addr string // host:port of the daemon's RPC listener

	// Static credentials. Leave both empty to use CookiePath instead.
	User string
	Pass string

	// CookiePath, when set, is re-read at the start of every call so
	// a daemon restart that rotates its cookie doesn't require restarting
	// the indexer, matching Bitcoin Core's own cookie-auth contract.
	CookiePath string

	Timeout    time.Duration
	MaxRetries uint64
}

// Client is a JSON-RPC 1.0 client for the Tapyrus daemon's HTTP RPC
// endpoint.
type Client struct {
	cfg    Config
	http   *http.Client
	nextID atomic.Uint64
}

// New constructs a Client. It does not dial; the first call establishes
// connectivity.
func New(cfg Config) (*Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("rpcnode: Addr is required")
	}
	if cfg.User == "" && cfg.CookiePath == "" {
		return nil, errors.New("rpcnode: either User/Pass or CookiePath must be set")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     uint64          `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("node rpc error %d: %s", e.Code, e.Message)
}

// call performs a single JSON-RPC round trip, retrying connectivity
// failures with jittered exponential backoff the way electrs.Client.call
// retries a broken connection, and unmarshals the result into out (which
// may be nil for calls whose result is discarded).
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	log.Tracef("call %s", method)
	defer log.Tracef("call %s exit", method)

	user, pass, err := c.credentials()
	if err != nil {
		return fmt.Errorf("rpcnode: credentials: %w", err)
	}

	id := c.nextID.Add(1)
	req := rpcRequest{JSONRPC: "1.0", ID: id, Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("rpcnode: marshal request: %w", err)
	}

	backoff := retry.WithJitter(100*time.Millisecond,
		retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewExponential(100*time.Millisecond)))

	var resp rpcResponse
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+c.cfg.Addr, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.SetBasicAuth(user, pass)

		httpResp, err := c.http.Do(httpReq)
		if err != nil {
			return retry.RetryableError(errkind.Connectivityf("node rpc %s: %w", method, err))
		}
		defer httpResp.Body.Close()

		raw, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return retry.RetryableError(errkind.Connectivityf("node rpc %s: read body: %w", method, err))
		}

		if httpResp.StatusCode >= 500 {
			return retry.RetryableError(errkind.Connectivityf("node rpc %s: http %d", method, httpResp.StatusCode))
		}
		if httpResp.StatusCode == http.StatusUnauthorized {
			return errkind.Connectivityf("node rpc %s: unauthorized", method)
		}

		if err := json.Unmarshal(raw, &resp); err != nil {
			return errkind.Protocolf("node rpc %s: malformed response: %w", method, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if resp.Error != nil {
		return resp.Error
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return errkind.Protocolf("node rpc %s: unmarshal result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) credentials() (string, string, error) {
	if c.cfg.CookiePath != "" {
		return readCookie(c.cfg.CookiePath)
	}
	return c.cfg.User, c.cfg.Pass, nil
}

// Close releases the underlying HTTP transport's idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
