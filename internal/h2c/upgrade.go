// Package h2c reaches gRPC servers over cleartext HTTP/2 negotiated with an
// HTTP/1.1 "Upgrade: h2c" request. The upgraded connection is driven by a small
// HTTP/2 client that leaves stream 1 to the upgrade request and opens gRPC
// streams from 3 upwards.
package h2c

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/net/http2"

	"github.com/bbernstein/nearby/internal/grpcwire"
)

const (
	defaultDialTimeout = 10 * time.Second

	// initialWindowSize is advertised for every stream we open.
	initialWindowSize = 1 << 20
	maxHeaderListSize = 1 << 20
)

// clientSettings are sent both in the HTTP2-Settings upgrade header and in the
// SETTINGS frame that follows the connection preface.
var clientSettings = []http2.Setting{
	{ID: http2.SettingEnablePush, Val: 0},
	{ID: http2.SettingInitialWindowSize, Val: initialWindowSize},
	{ID: http2.SettingMaxHeaderListSize, Val: maxHeaderListSize},
}

// UpgradeError is returned when the server answers the upgrade request with
// anything but 101 Switching Protocols to h2c.
type UpgradeError struct {
	StatusCode int
	Status     string
}

func (e *UpgradeError) Error() string {
	if e.StatusCode == http.StatusSwitchingProtocols {
		return "h2c upgrade refused: server switched to a different protocol"
	}
	return fmt.Sprintf("h2c upgrade refused: server answered %s", e.Status)
}

type Options struct {
	// DialTimeout bounds dialing plus the upgrade handshake.
	DialTimeout time.Duration
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
}

func (o Options) dialTimeout() time.Duration {
	if o.DialTimeout <= 0 {
		return defaultDialTimeout
	}
	return o.DialTimeout
}

func (o Options) dial(ctx context.Context, addr string) (net.Conn, error) {
	if o.DialContext != nil {
		return o.DialContext(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Dial connects to the origin of target, upgrades the connection to h2c and
// returns it ready for requests. The handshake is aborted when ctx ends.
func Dial(ctx context.Context, target *url.URL, opts Options) (*ClientConn, error) {
	if target.Scheme != "http" {
		return nil, fmt.Errorf("h2c requires an http:// origin, got %q", target.Scheme)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.dialTimeout())
	defer cancel()

	addr := hostPort(target)
	conn, err := opts.dial(ctx, addr)
	if err != nil {
		return nil, grpcwire.NewTransportError("dial "+addr, err)
	}

	cc, err := upgrade(ctx, conn, target.Host)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	log.Debug().Str("origin", target.Host).Msg("h2c connection established")
	return cc, nil
}

func upgrade(ctx context.Context, conn net.Conn, authority string) (*ClientConn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	cc, err := handshake(conn, authority)
	if !stop() {
		// ctx ended while the handshake was running
		if err == nil {
			err = grpcwire.NewTransportError("upgrade", ctx.Err())
		} else if !errors.Is(err, ctx.Err()) {
			err = grpcwire.NewTransportError("upgrade", fmt.Errorf("%w: %w", ctx.Err(), err))
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, grpcwire.NewTransportError("upgrade", err)
	}

	go cc.readLoop()
	return cc, nil
}

func handshake(conn net.Conn, authority string) (*ClientConn, error) {
	req := &http.Request{
		Method:     http.MethodGet,
		URL:        &url.URL{Scheme: "http", Host: authority, Path: "/"},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Connection":     {"Upgrade, HTTP2-Settings"},
			"Upgrade":        {"h2c"},
			"Http2-Settings": {encodeSettings(clientSettings)},
			"User-Agent":     {userAgent},
		},
		Host: authority,
	}
	if err := req.Write(conn); err != nil {
		return nil, grpcwire.NewTransportError("write upgrade request", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, grpcwire.NewTransportError("read upgrade response", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols ||
		!httpguts.HeaderValuesContainsToken(resp.Header["Upgrade"], "h2c") {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		return nil, &UpgradeError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	// From here on the bytes belong to HTTP/2. Anything the server already sent
	// is still buffered in br, so all reads go through it.
	cc := newClientConn(conn, br, authority)
	if _, err := io.WriteString(conn, http2.ClientPreface); err != nil {
		return nil, grpcwire.NewTransportError("write preface", err)
	}
	if err := cc.fr.WriteSettings(clientSettings...); err != nil {
		return nil, grpcwire.NewTransportError("write settings", err)
	}

	f, err := cc.fr.ReadFrame()
	if err != nil {
		return nil, grpcwire.NewTransportError("read server settings", err)
	}
	sf, ok := f.(*http2.SettingsFrame)
	if !ok || sf.IsAck() {
		return nil, grpcwire.NewTransportError("read server settings",
			fmt.Errorf("expected SETTINGS as first frame, got %v", f.Header().Type))
	}
	if err := cc.applySettings(sf); err != nil {
		return nil, grpcwire.NewTransportError("apply server settings", err)
	}
	if err := cc.fr.WriteSettingsAck(); err != nil {
		return nil, grpcwire.NewTransportError("ack server settings", err)
	}
	return cc, nil
}

// encodeSettings renders settings as the base64url SETTINGS payload carried by
// the HTTP2-Settings header.
func encodeSettings(settings []http2.Setting) string {
	payload := make([]byte, 0, 6*len(settings))
	for _, s := range settings {
		payload = binary.BigEndian.AppendUint16(payload, uint16(s.ID))
		payload = binary.BigEndian.AppendUint32(payload, s.Val)
	}
	return base64.RawURLEncoding.EncodeToString(payload)
}

func hostPort(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "80"
	}
	return net.JoinHostPort(u.Hostname(), port)
}
