// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// ClientName is the client name sent in server.version.
	ClientName = "rob-script"

	// ProtocolVersion is the Electrum protocol version the client
	// negotiates.
	ProtocolVersion = "1.4"

	// DefaultTimeout bounds a single request when the config sets none.
	DefaultTimeout = 30 * time.Second
)

var (
	// ErrClientClosed is returned by requests made after Close.
	ErrClientClosed = errors.New("electrum client closed")
)

// Config describes how to reach an Electrum server.
type Config struct {
	// Server is tcp://host:port, ssl://host:port, ws://host:port/path or
	// wss://host:port/path. A bare host:port means ssl.
	Server string

	// Proxy is the address of a SOCKS5 proxy, such as Tor, used for every
	// connection. Empty means connect directly.
	Proxy        string
	ProxyUser    string
	ProxyPass    string
	TorIsolation bool

	// SkipVerify disables certificate checks for ssl and wss.
	SkipVerify bool

	// Timeout bounds dialing and every request.
	Timeout time.Duration
}

// ServerError is an error returned by the server in answer to a request.
type ServerError struct {
	Method  string
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("electrum %s: server error %d: %s", e.Method,
		e.Code, e.Message)
}

// Client is a connection to an Electrum server. Requests may be issued from
// several goroutines. A reader goroutine routes every response to the
// request waiting for it.
type Client struct {
	cfg       Config
	transport transport

	writeMtx sync.Mutex
	nextID   uint64

	handlersMtx sync.Mutex
	handlers    map[uint64]chan *btcjson.Response

	quit     chan struct{}
	quitErr  error
	quitOnce sync.Once
	wg       sync.WaitGroup
}

// Dial connects to the server of the config and starts the reader.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	c := &Client{
		cfg:      *cfg,
		handlers: make(map[uint64]chan *btcjson.Response),
		quit:     make(chan struct{}),
	}
	if c.cfg.Timeout <= 0 {
		c.cfg.Timeout = DefaultTimeout
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	t, err := dialTransport(dialCtx, &c.cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w",
			cfg.Server, err)
	}
	c.transport = t

	c.wg.Add(1)
	go c.readHandler()

	log.Infof("Connected to electrum server %s", t.RemoteAddr())
	return c, nil
}

// shutdown stops the client with err as the reason returned to pending and
// later requests. Only the first reason is kept.
func (c *Client) shutdown(err error) {
	c.quitOnce.Do(func() {
		c.quitErr = err
		close(c.quit)
	})
}

// Close disconnects from the server and waits for the reader to exit.
func (c *Client) Close() error {
	c.shutdown(ErrClientClosed)
	err := c.transport.Close()
	c.wg.Wait()
	return err
}

// readHandler reads messages until the connection fails and hands every
// response to the request with the same id. Notifications carry no id and
// are dropped.
//
// This MUST be run as a goroutine.
func (c *Client) readHandler() {
	defer c.wg.Done()

	for {
		msg, err := c.transport.ReadMessage()
		if err != nil {
			select {
			case <-c.quit:
			default:
				log.Errorf("Electrum connection %s failed: %v",
					c.transport.RemoteAddr(), err)
			}
			c.shutdown(fmt.Errorf("electrum connection lost: %w",
				err))
			return
		}

		var resp btcjson.Response
		if err := json.Unmarshal(msg, &resp); err != nil {
			log.Warnf("Malformed message from %s: %v",
				c.transport.RemoteAddr(), err)
			continue
		}

		id, ok := responseID(&resp)
		if !ok {
			log.Tracef("Ignoring notification %s", msg)
			continue
		}

		c.handlersMtx.Lock()
		handler, ok := c.handlers[id]
		delete(c.handlers, id)
		c.handlersMtx.Unlock()

		if !ok {
			log.Warnf("Response to unknown request %d", id)
			continue
		}
		handler <- &resp
	}
}

// responseID returns the numeric id of a response.
func responseID(resp *btcjson.Response) (uint64, bool) {
	if resp.ID == nil {
		return 0, false
	}
	switch id := (*resp.ID).(type) {
	case float64:
		if id < 0 {
			return 0, false
		}
		return uint64(id), true
	}
	return 0, false
}

// request sends a request and decodes the result of the response into
// result unless it is nil.
func (c *Client) request(ctx context.Context, method string,
	params []interface{}, result interface{}) error {

	select {
	case <-c.quit:
		return c.quitErr
	default:
	}

	id := atomic.AddUint64(&c.nextID, 1)
	req, err := btcjson.NewRequest(btcjson.RpcVersion2, id, method, params)
	if err != nil {
		return err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	respChan := make(chan *btcjson.Response, 1)
	c.handlersMtx.Lock()
	c.handlers[id] = respChan
	c.handlersMtx.Unlock()
	defer func() {
		c.handlersMtx.Lock()
		delete(c.handlers, id)
		c.handlersMtx.Unlock()
	}()

	c.writeMtx.Lock()
	err = c.transport.SendMessage(body)
	c.writeMtx.Unlock()
	if err != nil {
		return fmt.Errorf("electrum %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var resp *btcjson.Response
	select {
	case resp = <-respChan:
	case <-ctx.Done():
		return fmt.Errorf("electrum %s: %w", method, ctx.Err())
	case <-c.quit:
		return c.quitErr
	}

	if resp.Error != nil {
		return &ServerError{
			Method:  method,
			Code:    int(resp.Error.Code),
			Message: resp.Error.Message,
		}
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("electrum %s: malformed result: %w", method,
			err)
	}
	return nil
}

// ServerVersion negotiates the protocol version and returns the software
// name of the server and the agreed protocol.
func (c *Client) ServerVersion(ctx context.Context) (string, string, error) {
	var result []string
	err := c.request(ctx, "server.version",
		[]interface{}{ClientName, ProtocolVersion}, &result)
	if err != nil {
		return "", "", err
	}
	if len(result) != 2 {
		return "", "", fmt.Errorf("electrum server.version: "+
			"unexpected result %v", result)
	}
	return result[0], result[1], nil
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.request(ctx, "server.ping", nil, nil)
}

// Balance is the confirmed and unconfirmed balance of a script hash.
type Balance struct {
	Confirmed   btcutil.Amount `json:"confirmed"`
	Unconfirmed btcutil.Amount `json:"unconfirmed"`
}

// ScriptHashGetBalance returns the balance of a script hash.
func (c *Client) ScriptHashGetBalance(ctx context.Context,
	scriptHash string) (*Balance, error) {

	var result Balance
	err := c.request(ctx, "blockchain.scripthash.get_balance",
		[]interface{}{scriptHash}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// History is a transaction touching a script hash. Height is the
// confirmation height, 0 for an unconfirmed transaction and -1 for one with
// unconfirmed inputs.
type History struct {
	Height int32  `json:"height"`
	TxHash string `json:"tx_hash"`
	Fee    int64  `json:"fee,omitempty"`
}

// ScriptHashGetHistory returns the transactions touching a script hash.
func (c *Client) ScriptHashGetHistory(ctx context.Context,
	scriptHash string) ([]*History, error) {

	var result []*History
	err := c.request(ctx, "blockchain.scripthash.get_history",
		[]interface{}{scriptHash}, &result)
	return result, err
}

// TransactionGet returns the serialized transaction with the txid.
func (c *Client) TransactionGet(ctx context.Context,
	txid *chainhash.Hash) ([]byte, error) {

	var result string
	err := c.request(ctx, "blockchain.transaction.get",
		[]interface{}{txid.String()}, &result)
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(result)
	if err != nil {
		return nil, fmt.Errorf("electrum blockchain.transaction.get: "+
			"malformed transaction %s: %w", txid, err)
	}
	return raw, nil
}

// HeaderTip is the chain tip reported by the server.
type HeaderTip struct {
	Height int32  `json:"height"`
	Hex    string `json:"hex"`
}

// BlockHeader decodes the header of the tip.
func (h *HeaderTip) BlockHeader() (*wire.BlockHeader, error) {
	raw, err := hex.DecodeString(h.Hex)
	if err != nil {
		return nil, err
	}
	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return &header, nil
}

// BlockchainHeadersSubscribe returns the current chain tip. Later header
// notifications are ignored.
func (c *Client) BlockchainHeadersSubscribe(ctx context.Context) (*HeaderTip,
	error) {

	var result HeaderTip
	err := c.request(ctx, "blockchain.headers.subscribe", nil, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// ScriptHash returns the Electrum script hash of an output script, the
// SHA256 of the script in reversed byte order, hex encoded.
func ScriptHash(pkScript []byte) string {
	return chainhash.HashH(pkScript).String()
}
