// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// errNoReply makes the fake server swallow a request.
var errNoReply = &btcjson.RPCError{Code: -32000, Message: "no reply"}

type handlerFunc func(params []json.RawMessage) (interface{}, *btcjson.RPCError)

// fakeServer answers Electrum requests from a table of handlers.
type fakeServer struct {
	handlers map[string]handlerFunc

	// notify is written before every response when set.
	notify []byte
}

// respond returns the encoded response to one request, or nil when the
// request is not answered.
func (s *fakeServer) respond(t *testing.T, line []byte) []byte {
	var req btcjson.Request
	require.NoError(t, json.Unmarshal(line, &req))
	require.Equal(t, btcjson.RpcVersion2, req.Jsonrpc)

	var (
		result interface{}
		rpcErr *btcjson.RPCError
	)
	handler, ok := s.handlers[req.Method]
	if ok {
		result, rpcErr = handler(req.Params)
	} else {
		rpcErr = btcjson.ErrRPCMethodNotFound
	}
	if rpcErr == errNoReply {
		return nil
	}

	var raw json.RawMessage
	if rpcErr == nil {
		var err error
		raw, err = json.Marshal(result)
		require.NoError(t, err)
	}
	resp, err := json.Marshal(&btcjson.Response{
		Jsonrpc: btcjson.RpcVersion2,
		Result:  raw,
		Error:   rpcErr,
		ID:      &req.ID,
	})
	require.NoError(t, err)
	return resp
}

// serveTCP serves newline framed requests and returns the server address.
func serveTCP(t *testing.T, s *fakeServer) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				reader := bufio.NewReader(conn)
				for {
					line, err := reader.ReadBytes(delim)
					if err != nil {
						return
					}
					if s.notify != nil {
						conn.Write(append(s.notify, delim))
					}
					resp := s.respond(t, line)
					if resp == nil {
						continue
					}
					conn.Write(append(resp, delim))
				}
			}()
		}
	}()

	return "tcp://" + ln.Addr().String()
}

// serveWS serves one request per websocket frame and returns the server URL.
func serveWS(t *testing.T, s *fakeServer) string {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter,
		r *http.Request) {

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			resp := s.respond(t, msg)
			if resp == nil {
				continue
			}
			conn.WriteMessage(websocket.TextMessage, resp)
		}
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, server string, timeout time.Duration) *Client {
	t.Helper()

	c, err := Dial(context.Background(), &Config{
		Server:  server,
		Timeout: timeout,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func versionHandler(params []json.RawMessage) (interface{}, *btcjson.RPCError) {
	var name string
	if len(params) != 2 || json.Unmarshal(params[0], &name) != nil ||
		name != ClientName {

		return nil, btcjson.ErrRPCInvalidParams
	}
	return []string{"ElectrumX 1.16.0", ProtocolVersion}, nil
}

func TestScriptHash(t *testing.T) {
	t.Parallel()

	pkScript, err := hex.DecodeString("76a91462e907b15cbf27d5425399ebf6f" +
		"0fb50ebb88f1888ac")
	require.NoError(t, err)

	want := "8b01df4e368ea28f8dc0423bcf7a4923e3a12d307c875e47a0cfbf90b5c39161"
	require.Equal(t, want, ScriptHash(pkScript))

	// The script hash is the sha256 of the script in reversed order.
	sum := chainhash.HashB(pkScript)
	got, err := hex.DecodeString(ScriptHash(pkScript))
	require.NoError(t, err)
	for i := range sum {
		require.Equal(t, sum[i], got[len(got)-1-i])
	}
}

func TestClientTCP(t *testing.T) {
	t.Parallel()

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 1}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(1000, []byte{0x51}))
	var txBuf bytes.Buffer
	require.NoError(t, tx.Serialize(&txBuf))
	txid := tx.TxHash()

	header := wire.NewBlockHeader(1, &chainhash.Hash{}, &chainhash.Hash{},
		0x1d00ffff, 7)
	var headerBuf bytes.Buffer
	require.NoError(t, header.Serialize(&headerBuf))

	const scriptHash = "8b01df4e368ea28f8dc0423bcf7a4923e3a12d307c875e47" +
		"a0cfbf90b5c39161"

	s := &fakeServer{
		notify: []byte(`{"jsonrpc":"2.0","method":` +
			`"blockchain.headers.subscribe","params":[{"height":1}]}`),
		handlers: map[string]handlerFunc{
			"server.version": versionHandler,
			"server.ping": func([]json.RawMessage) (interface{},
				*btcjson.RPCError) {

				return nil, nil
			},
			"blockchain.scripthash.get_balance": func(
				params []json.RawMessage) (interface{},
				*btcjson.RPCError) {

				return map[string]int64{
					"confirmed":   1500,
					"unconfirmed": -200,
				}, nil
			},
			"blockchain.scripthash.get_history": func(
				params []json.RawMessage) (interface{},
				*btcjson.RPCError) {

				return []map[string]interface{}{
					{"height": 100, "tx_hash": txid.String()},
					{"height": 0, "tx_hash": txid.String(),
						"fee": 141},
				}, nil
			},
			"blockchain.transaction.get": func(
				params []json.RawMessage) (interface{},
				*btcjson.RPCError) {

				var id string
				json.Unmarshal(params[0], &id)
				if id != txid.String() {
					return nil, &btcjson.RPCError{
						Code:    2,
						Message: "unknown txid",
					}
				}
				return hex.EncodeToString(txBuf.Bytes()), nil
			},
			"blockchain.headers.subscribe": func(
				[]json.RawMessage) (interface{},
				*btcjson.RPCError) {

				return map[string]interface{}{
					"height": 812345,
					"hex": hex.EncodeToString(
						headerBuf.Bytes()),
				}, nil
			},
		},
	}

	c := dial(t, serveTCP(t, s), time.Second)
	ctx := context.Background()

	software, protocol, err := c.ServerVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, "ElectrumX 1.16.0", software)
	require.Equal(t, ProtocolVersion, protocol)

	require.NoError(t, c.Ping(ctx))

	balance, err := c.ScriptHashGetBalance(ctx, scriptHash)
	require.NoError(t, err)
	require.EqualValues(t, 1500, balance.Confirmed)
	require.EqualValues(t, -200, balance.Unconfirmed)

	history, err := c.ScriptHashGetHistory(ctx, scriptHash)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, int32(100), history[0].Height)
	require.Equal(t, int64(141), history[1].Fee)

	raw, err := c.TransactionGet(ctx, &txid)
	require.NoError(t, err)
	require.Equal(t, txBuf.Bytes(), raw)

	_, err = c.TransactionGet(ctx, &chainhash.Hash{})
	var serverErr *ServerError
	require.True(t, errors.As(err, &serverErr))
	require.Equal(t, 2, serverErr.Code)
	require.Equal(t, "blockchain.transaction.get", serverErr.Method)

	tip, err := c.BlockchainHeadersSubscribe(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(812345), tip.Height)
	decoded, err := tip.BlockHeader()
	require.NoError(t, err)
	require.Equal(t, header.BlockHash(), decoded.BlockHash())

	// Methods the server does not know surface as server errors.
	err = c.request(ctx, "server.banner", nil, nil)
	require.True(t, errors.As(err, &serverErr))
	require.Equal(t, int(btcjson.ErrRPCMethodNotFound.Code), serverErr.Code)
}

func TestClientWebSocket(t *testing.T) {
	t.Parallel()

	s := &fakeServer{
		handlers: map[string]handlerFunc{
			"server.version": versionHandler,
		},
	}
	c := dial(t, serveWS(t, s), time.Second)

	software, _, err := c.ServerVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ElectrumX 1.16.0", software)
}

func TestRequestTimeout(t *testing.T) {
	t.Parallel()

	s := &fakeServer{
		handlers: map[string]handlerFunc{
			"server.ping": func([]json.RawMessage) (interface{},
				*btcjson.RPCError) {

				return nil, errNoReply
			},
		},
	}
	c := dial(t, serveTCP(t, s), 50*time.Millisecond)

	err := c.Ping(context.Background())
	require.True(t, errors.Is(err, context.DeadlineExceeded), err)
}

func TestConnectionLost(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// The server hangs up as soon as the first request arrives.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		bufio.NewReader(conn).ReadBytes(delim)
		conn.Close()
	}()

	c := dial(t, "tcp://"+ln.Addr().String(), 5*time.Second)
	err = c.Ping(context.Background())
	require.Error(t, err)
	require.False(t, errors.Is(err, context.DeadlineExceeded))

	// The client stays unusable.
	require.Error(t, c.Ping(context.Background()))
}

func TestClose(t *testing.T) {
	t.Parallel()

	s := &fakeServer{handlers: map[string]handlerFunc{}}
	c, err := Dial(context.Background(), &Config{Server: serveTCP(t, s)})
	require.NoError(t, err)
	require.Equal(t, DefaultTimeout, c.cfg.Timeout)

	c.Close()
	require.ErrorIs(t, c.Ping(context.Background()), ErrClientClosed)
}

func TestDialErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, err := Dial(ctx, &Config{Server: "gopher://127.0.0.1:1"})
	require.ErrorContains(t, err, "unsupported electrum scheme")

	_, err = Dial(ctx, &Config{Server: "tcp://nohost"})
	require.Error(t, err)
}
