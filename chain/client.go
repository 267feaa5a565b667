// Package chain implements the balance fetcher backing the batch query
// engine: a JSON-RPC client speaking over a websocket connection to a chain
// gateway, optionally through a SOCKS5 proxy.  Failures are classified for
// the engine: connection-level problems are transient and worth retrying,
// while protocol-level rejections are permanent.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/abesuite/go-socks/socks"
	"github.com/gorilla/websocket"

	"github.com/tidewallet/tidewallet/waccmgr"
	"github.com/tidewallet/tidewallet/wbatch"
)

// Default client tuning.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// JSON-RPC error codes the gateway answers with.  Server-side overload and
// rate limiting are worth retrying; everything else is a property of the
// request itself.
const (
	rpcErrServerBusy  = -32000
	rpcErrRateLimited = -32005
)

// ErrClientShutdown is returned for requests issued after Close.
var ErrClientShutdown = errors.New("chain client has been shut down")

// Config describes a chain gateway connection.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://gateway.example:8546/ws.
	URL string

	// Proxy optionally routes the connection through a SOCKS5 proxy.
	Proxy     string
	ProxyUser string
	ProxyPass string

	// HandshakeTimeout bounds the websocket dial.
	HandshakeTimeout time.Duration

	// RequestTimeout bounds each individual query, on top of whatever
	// deadline the caller's context carries.
	RequestTimeout time.Duration
}

// rpcRequest is a single JSON-RPC call.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// rpcError is the error member of a JSON-RPC response.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcResponse is a single JSON-RPC response.
type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Client is a wbatch.Fetcher backed by a websocket JSON-RPC connection.
// The connection is established lazily and re-established on the next fetch
// after a failure, so the retry schedule of the batch engine doubles as the
// reconnect schedule.
type Client struct {
	cfg Config

	mtx     sync.Mutex
	conn    *websocket.Conn
	nextID  uint64
	pending map[uint64]chan *rpcResponse
	closed  bool
}

// NewClient returns a client for the given gateway.  No connection is made
// until the first fetch.
func NewClient(cfg *Config) *Client {
	c := &Client{
		cfg:     *cfg,
		pending: make(map[uint64]chan *rpcResponse),
	}
	if c.cfg.HandshakeTimeout <= 0 {
		c.cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.cfg.RequestTimeout <= 0 {
		c.cfg.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// Close tears down the connection and fails all in-flight requests.
func (c *Client) Close() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.closed = true
	c.dropConnLocked(ErrClientShutdown)
}

// Fetch implements wbatch.Fetcher.
func (c *Client) Fetch(ctx context.Context, addr waccmgr.Address, query string) (*big.Int, error) {
	method, err := methodFor(query)
	if err != nil {
		return nil, err
	}

	id, respChan, err := c.send(method, []interface{}{addr.String()})
	if err != nil {
		return nil, err
	}
	defer c.forget(id)

	timeout := time.NewTimer(c.cfg.RequestTimeout)
	defer timeout.Stop()

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, wbatch.Transient(errors.New(
				"connection dropped while awaiting response"))
		}
		if resp.Error != nil {
			return nil, classifyRPCError(resp.Error)
		}
		return parseBalance(resp.Result)

	case <-timeout.C:
		return nil, wbatch.Transient(fmt.Errorf("%s for %v timed "+
			"out after %v", method, addr, c.cfg.RequestTimeout))

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send registers a pending call and writes the request on the connection,
// dialing first if needed.
func (c *Client) send(method string, params []interface{}) (uint64, chan *rpcResponse, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.closed {
		return 0, nil, ErrClientShutdown
	}
	if c.conn == nil {
		conn, err := c.dial()
		if err != nil {
			return 0, nil, wbatch.Transient(err)
		}
		c.conn = conn
		go c.readLoop(conn)
		log.Infof("Connected to chain gateway %s", c.cfg.URL)
	}

	c.nextID++
	id := c.nextID
	respChan := make(chan *rpcResponse, 1)
	c.pending[id] = respChan

	req := &rpcRequest{JSONRPC: "2.0", ID: id, Method: method,
		Params: params}
	if err := c.conn.WriteJSON(req); err != nil {
		delete(c.pending, id)
		c.dropConnLocked(err)
		return 0, nil, wbatch.Transient(err)
	}
	return id, respChan, nil
}

// forget abandons a pending call after its response was consumed or the
// caller gave up.
func (c *Client) forget(id uint64) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	delete(c.pending, id)
}

// dial establishes the websocket connection, honoring the proxy settings.
// The caller must hold the client mutex.
func (c *Client) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	if c.cfg.Proxy != "" {
		proxy := &socks.Proxy{
			Addr:     c.cfg.Proxy,
			Username: c.cfg.ProxyUser,
			Password: c.cfg.ProxyPass,
		}
		dialer.NetDial = func(network, addr string) (net.Conn, error) {
			return proxy.Dial(network, addr)
		}
	}

	conn, _, err := dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// readLoop dispatches responses on one connection to their pending callers
// until the connection fails.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var resp rpcResponse
		if err := conn.ReadJSON(&resp); err != nil {
			c.mtx.Lock()
			// A newer connection may already have replaced the one
			// this loop was reading; only clean up our own.
			if c.conn == conn {
				c.dropConnLocked(err)
			}
			c.mtx.Unlock()
			return
		}

		c.mtx.Lock()
		respChan, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mtx.Unlock()

		if !ok {
			log.Debugf("Dropping response for unknown request "+
				"id %d", resp.ID)
			continue
		}
		respChan <- &resp
	}
}

// dropConnLocked closes the current connection and fails every pending call
// by closing its channel.  The caller must hold the client mutex.
func (c *Client) dropConnLocked(reason error) {
	if c.conn != nil {
		log.Warnf("Chain gateway connection lost: %v", reason)
		c.conn.Close()
		c.conn = nil
	}
	for id, respChan := range c.pending {
		close(respChan)
		delete(c.pending, id)
	}
}

// methodFor maps the engine's opaque query descriptors onto RPC methods.
// An unknown descriptor can never succeed, so it is permanent.
func methodFor(query string) (string, error) {
	switch query {
	case "balance":
		return "account_getBalance", nil
	default:
		return "", wbatch.Permanent(fmt.Errorf("unknown query %q",
			query))
	}
}

// classifyRPCError sorts gateway errors into transient and permanent.
func classifyRPCError(err *rpcError) error {
	switch err.Code {
	case rpcErrServerBusy, rpcErrRateLimited:
		return wbatch.Transient(err)
	default:
		return wbatch.Permanent(err)
	}
}

// parseBalance decodes a hex-quantity result ("0x1b4") into a big integer.
func parseBalance(raw json.RawMessage) (*big.Int, error) {
	var quantity string
	if err := json.Unmarshal(raw, &quantity); err != nil {
		return nil, wbatch.Permanent(fmt.Errorf("malformed balance "+
			"result %s: %w", raw, err))
	}
	digits := strings.TrimPrefix(quantity, "0x")
	balance, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, wbatch.Permanent(fmt.Errorf("malformed balance "+
			"quantity %q", quantity))
	}
	return balance, nil
}
