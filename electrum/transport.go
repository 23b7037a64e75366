// Copyright (c) 2024 The rob-script developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package electrum

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"

	"github.com/btcsuite/go-socks/socks"
	"github.com/gorilla/websocket"
)

const delim = byte('\n')

// transport carries newline free JSON messages to and from a server.
// SendMessage is never called concurrently, ReadMessage is only called by
// the reader goroutine of the client.
type transport interface {
	SendMessage([]byte) error
	ReadMessage() ([]byte, error)
	RemoteAddr() string
	Close() error
}

// tcpTransport frames messages with a trailing newline on a stream
// connection, plain or TLS.
type tcpTransport struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newTCPTransport(conn net.Conn) *tcpTransport {
	return &tcpTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

func (t *tcpTransport) SendMessage(body []byte) error {
	log.Tracef("%s <- %s", t.conn.RemoteAddr(), body)
	msg := make([]byte, 0, len(body)+1)
	msg = append(append(msg, body...), delim)
	_, err := t.conn.Write(msg)
	return err
}

func (t *tcpTransport) ReadMessage() ([]byte, error) {
	line, err := t.reader.ReadBytes(delim)
	if err != nil {
		return nil, err
	}
	log.Tracef("%s -> %s", t.conn.RemoteAddr(), line)
	return bytes.TrimRight(line, "\r\n"), nil
}

func (t *tcpTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

// wsTransport sends one message per websocket text frame.
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) SendMessage(body []byte) error {
	log.Tracef("%s <- %s", t.conn.RemoteAddr(), body)
	return t.conn.WriteMessage(websocket.TextMessage, body)
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, msg, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	log.Tracef("%s -> %s", t.conn.RemoteAddr(), msg)
	return bytes.TrimRight(msg, "\r\n"), nil
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// dialContext opens a TCP connection to addr, through the SOCKS5 proxy of
// the config when one is set.
func dialContext(ctx context.Context, cfg *Config, addr string) (net.Conn, error) {
	if cfg.Proxy == "" {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}

	proxy := &socks.Proxy{
		Addr:         cfg.Proxy,
		Username:     cfg.ProxyUser,
		Password:     cfg.ProxyPass,
		TorIsolation: cfg.TorIsolation,
	}

	// The proxy dialer does not take a context, so a cancelled context
	// closes the connection once it is returned.
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := proxy.Dial("tcp", addr)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// dialTransport connects to the server named by the config. The server is a
// URL with one of the schemes tcp, ssl, ws or wss. A bare host:port is
// dialed as ssl.
func dialTransport(ctx context.Context, cfg *Config) (transport, error) {
	server := cfg.Server
	u, err := url.Parse(server)
	if err != nil || u.Host == "" {
		u = &url.URL{Scheme: "ssl", Host: server}
	}

	host, _, err := net.SplitHostPort(u.Host)
	if err != nil {
		return nil, fmt.Errorf("invalid electrum server %q: %w",
			server, err)
	}
	tlsConfig := &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: cfg.SkipVerify,
	}

	switch u.Scheme {
	case "tcp":
		conn, err := dialContext(ctx, cfg, u.Host)
		if err != nil {
			return nil, err
		}
		return newTCPTransport(conn), nil

	case "ssl", "tls":
		conn, err := dialContext(ctx, cfg, u.Host)
		if err != nil {
			return nil, err
		}
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return newTCPTransport(tlsConn), nil

	case "ws", "wss":
		dialer := &websocket.Dialer{
			NetDialContext: func(ctx context.Context, _,
				addr string) (net.Conn, error) {

				return dialContext(ctx, cfg, addr)
			},
			TLSClientConfig:  tlsConfig,
			HandshakeTimeout: cfg.Timeout,
		}
		conn, _, err := dialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			return nil, err
		}
		return &wsTransport{conn: conn}, nil
	}

	return nil, fmt.Errorf("unsupported electrum scheme %q", u.Scheme)
}
