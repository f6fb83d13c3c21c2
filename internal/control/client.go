package control

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"
)

// Dial establishes one control connection honoring connect/handshake timeouts
// and TLS policy. Callers own the returned connection.
func Dial(ctx context.Context, addr string, cfg Config) (net.Conn, error) {
	cfg = cfg.WithDefaults()
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", strings.TrimSpace(addr))
	if err != nil {
		return nil, err
	}
	if !cfg.TLS.Enabled {
		return rawConn, nil
	}

	tlsCfg, err := cfg.TLS.ClientTLSConfig(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return conn, nil
}

// Listen opens a control listener, TCP or TLS based on transport policy.
func Listen(addr string, cfg Config) (net.Listener, error) {
	if !cfg.TLS.Enabled {
		return net.Listen("tcp", addr)
	}
	tlsCfg, err := cfg.TLS.ServerTLSConfig()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", addr, tlsCfg)
}

// RoundTrip performs one request/response exchange on an established
// connection, applying read/write deadlines bounded by ctx.
func RoundTrip(ctx context.Context, conn net.Conn, cfg Config, req Request) (Response, error) {
	cfg = cfg.WithDefaults()
	if err := conn.SetWriteDeadline(deadlineFor(ctx, cfg.WriteTimeout)); err != nil {
		return Response{}, err
	}
	if err := WriteRequest(conn, req); err != nil {
		return Response{}, err
	}
	if err := conn.SetReadDeadline(deadlineFor(ctx, cfg.ReadTimeout)); err != nil {
		return Response{}, err
	}
	resp, err := ReadResponse(bufio.NewReader(conn))
	if err != nil {
		return Response{}, err
	}
	if !resp.OK {
		return resp, fmt.Errorf("control: %s rejected: %s", req.Action, resp.Error)
	}
	return resp, nil
}

// Call dials, performs one exchange, and closes the connection.
func Call(ctx context.Context, addr string, cfg Config, req Request) (Response, error) {
	conn, err := Dial(ctx, addr, cfg)
	if err != nil {
		return Response{}, err
	}
	defer conn.Close()
	return RoundTrip(ctx, conn, cfg, req)
}

func deadlineFor(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}
