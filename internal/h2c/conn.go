package h2c

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/bbernstein/nearby/internal/grpcwire"
)

const (
	userAgent = "nearby-h2c/1.0"

	// upgradeStreamID is the stream the server answers the upgrade request on.
	upgradeStreamID = 1

	// MaxRequestBody is the largest request body RoundTrip accepts. It fits the
	// default HTTP/2 flow-control window, so a request never waits for a
	// WINDOW_UPDATE from the server on its own stream.
	MaxRequestBody = 65535

	maxResponseBody = grpcwire.MaxMessageSize + 1<<10

	defaultMaxFrameSize = 16384
	defaultWindowSize   = 65535
)

var (
	// ErrConnUnusable is returned for requests on a conn that is closed, failed
	// or told to go away.
	ErrConnUnusable = errors.New("h2c: connection is no longer usable")

	ErrRequestTooLarge = fmt.Errorf("h2c: request body exceeds %d bytes", MaxRequestBody)
)

// Request is a single HTTP/2 POST.
type Request struct {
	Path   string
	Header http.Header
	Body   []byte
}

type Response struct {
	StatusCode int
	Header     http.Header
	// Trailer is nil when the server ended the stream with its first HEADERS.
	Trailer http.Header
	Body    []byte
}

type stream struct {
	id      uint32
	status  int
	header  http.Header
	trailer http.Header
	body    bytes.Buffer
	gotHead bool
	done    chan struct{}
	err     error
}

// ClientConn is an upgraded HTTP/2 connection. It is safe for concurrent use;
// each RoundTrip opens its own stream.
type ClientConn struct {
	conn      net.Conn
	fr        *http2.Framer
	authority string

	// wmu serialises frame writes and guards the header encoder.
	wmu  sync.Mutex
	henc *hpack.Encoder
	hbuf bytes.Buffer

	mu                sync.Mutex
	streams           map[uint32]*stream
	nextStreamID      uint32
	maxFrameSize      uint32
	peerInitialWindow uint32
	maxConcurrent     uint32
	sendWindow        int64
	windowUpdated     chan struct{}

	// upgradeOpen holds a concurrency slot until the server ends stream 1.
	upgradeOpen    bool
	// streamsChanged is closed and replaced whenever a slot may have freed up.
	streamsChanged chan struct{}

	goAway   bool
	draining bool
	closed   bool
	err      error

	readerDone chan struct{}
	closeOnce  sync.Once
}

func newClientConn(conn net.Conn, br *bufio.Reader, authority string) *ClientConn {
	cc := &ClientConn{
		conn:              conn,
		fr:                http2.NewFramer(conn, br),
		authority:         authority,
		streams:           make(map[uint32]*stream),
		nextStreamID:      upgradeStreamID + 2,
		maxFrameSize:      defaultMaxFrameSize,
		peerInitialWindow: defaultWindowSize,
		maxConcurrent:     ^uint32(0),
		sendWindow:        defaultWindowSize,
		windowUpdated:     make(chan struct{}),
		upgradeOpen:       true,
		streamsChanged:    make(chan struct{}),
		readerDone:        make(chan struct{}),
	}
	cc.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	cc.fr.MaxHeaderListSize = maxHeaderListSize
	cc.henc = hpack.NewEncoder(&cc.hbuf)
	return cc
}

// Usable reports whether new requests may be started on the conn.
func (cc *ClientConn) Usable() bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return !cc.closed && !cc.goAway && !cc.draining
}

// RoundTrip sends req on a new stream and waits for the complete response.
// Cancelling ctx resets the stream.
func (cc *ClientConn) RoundTrip(ctx context.Context, req *Request) (*Response, error) {
	if len(req.Body) > MaxRequestBody {
		return nil, ErrRequestTooLarge
	}

	s, err := cc.openStream(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := cc.writeBody(ctx, s.id, req.Body); err != nil {
		cc.abortStream(s.id, http2.ErrCodeCancel)
		return nil, err
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		cc.abortStream(s.id, http2.ErrCodeCancel)
		return nil, grpcwire.NewTransportError("await response", ctx.Err())
	}
	if s.err != nil {
		return nil, s.err
	}
	return &Response{
		StatusCode: s.status,
		Header:     s.header,
		Trailer:    s.trailer,
		Body:       s.body.Bytes(),
	}, nil
}

// openStream opens a stream for req, waiting while the server's
// MAX_CONCURRENT_STREAMS limit is reached.
func (cc *ClientConn) openStream(ctx context.Context, req *Request) (*stream, error) {
	for {
		s, wait, err := cc.tryOpenStream(req)
		if s != nil || err != nil {
			return s, err
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, grpcwire.NewTransportError("await stream slot", ctx.Err())
		}
	}
}

// tryOpenStream allocates the next stream ID and writes the request HEADERS.
// Both happen under wmu so stream IDs reach the wire in increasing order. When
// no slot is free it returns a channel that is closed once one might be.
func (cc *ClientConn) tryOpenStream(req *Request) (*stream, <-chan struct{}, error) {
	cc.wmu.Lock()
	defer cc.wmu.Unlock()

	cc.mu.Lock()
	switch {
	case cc.closed || cc.goAway || cc.draining:
		cc.mu.Unlock()
		return nil, nil, ErrConnUnusable
	case uint32(len(req.Body)) > cc.peerInitialWindow:
		cc.mu.Unlock()
		return nil, nil, fmt.Errorf("h2c: request body of %d bytes exceeds the server stream window of %d",
			len(req.Body), cc.peerInitialWindow)
	case cc.activeStreamsLocked() >= cc.maxConcurrent:
		wait := cc.streamsChanged
		cc.mu.Unlock()
		return nil, wait, nil
	}
	s := &stream{id: cc.nextStreamID, done: make(chan struct{})}
	cc.nextStreamID += 2
	cc.streams[s.id] = s
	maxFrame := cc.maxFrameSize
	cc.mu.Unlock()

	block := cc.encodeHeaders(req)
	endStream := len(req.Body) == 0

	first := block
	if uint32(len(first)) > maxFrame {
		first = first[:maxFrame]
	}
	block = block[len(first):]
	err := cc.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      s.id,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    len(block) == 0,
	})
	for err == nil && len(block) > 0 {
		chunk := block
		if uint32(len(chunk)) > maxFrame {
			chunk = chunk[:maxFrame]
		}
		block = block[len(chunk):]
		err = cc.fr.WriteContinuation(s.id, len(block) == 0, chunk)
	}
	if err != nil {
		cc.forgetStream(s.id)
		go cc.fail(err)
		return nil, nil, grpcwire.NewTransportError("write headers", err)
	}
	return s, nil, nil
}

// activeStreamsLocked counts the streams the server holds open for us,
// including the upgrade stream. cc.mu must be held.
func (cc *ClientConn) activeStreamsLocked() uint32 {
	n := uint32(len(cc.streams))
	if cc.upgradeOpen {
		n++
	}
	return n
}

// streamsChangedLocked wakes callers waiting for a stream slot. cc.mu must be
// held.
func (cc *ClientConn) streamsChangedLocked() {
	close(cc.streamsChanged)
	cc.streamsChanged = make(chan struct{})
}

// endUpgradeStream releases the slot held by stream 1.
func (cc *ClientConn) endUpgradeStream() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if cc.upgradeOpen {
		cc.upgradeOpen = false
		cc.streamsChangedLocked()
	}
}

func (cc *ClientConn) encodeHeaders(req *Request) []byte {
	cc.hbuf.Reset()
	write := func(name, value string) {
		_ = cc.henc.WriteField(hpack.HeaderField{Name: name, Value: value})
	}
	write(":method", http.MethodPost)
	write(":scheme", "http")
	write(":authority", cc.authority)
	write(":path", req.Path)
	for name, values := range req.Header {
		lower := strings.ToLower(name)
		if lower == "connection" || lower == "host" || lower == "transfer-encoding" {
			continue
		}
		for _, v := range values {
			write(lower, v)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		write("user-agent", userAgent)
	}
	return bytes.Clone(cc.hbuf.Bytes())
}

func (cc *ClientConn) writeBody(ctx context.Context, id uint32, body []byte) error {
	for len(body) > 0 {
		cc.mu.Lock()
		maxFrame := int(cc.maxFrameSize)
		cc.mu.Unlock()

		n := min(len(body), maxFrame)
		if err := cc.takeSendWindow(ctx, int64(n)); err != nil {
			return err
		}

		cc.wmu.Lock()
		err := cc.fr.WriteData(id, n == len(body), body[:n])
		cc.wmu.Unlock()
		if err != nil {
			go cc.fail(err)
			return grpcwire.NewTransportError("write data", err)
		}
		body = body[n:]
	}
	return nil
}

// takeSendWindow reserves n bytes of the connection send window, waiting for
// WINDOW_UPDATE frames when it is exhausted.
func (cc *ClientConn) takeSendWindow(ctx context.Context, n int64) error {
	for {
		cc.mu.Lock()
		if cc.closed {
			err := cc.err
			cc.mu.Unlock()
			return grpcwire.NewTransportError("write data", err)
		}
		if cc.sendWindow >= n {
			cc.sendWindow -= n
			cc.mu.Unlock()
			return nil
		}
		wait := cc.windowUpdated
		cc.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return grpcwire.NewTransportError("await flow control", ctx.Err())
		}
	}
}

// abortStream drops the stream locally and tells the server to stop it. wmu
// is held throughout so the freed slot is not reused before the RST_STREAM is
// written.
func (cc *ClientConn) abortStream(id uint32, code http2.ErrCode) {
	cc.wmu.Lock()
	defer cc.wmu.Unlock()
	if !cc.forgetStream(id) {
		return
	}
	if err := cc.fr.WriteRSTStream(id, code); err != nil {
		go cc.fail(err)
	}
}

// forgetStream removes id from the stream table, reporting whether it was
// still there.
func (cc *ClientConn) forgetStream(id uint32) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if _, ok := cc.streams[id]; !ok {
		return false
	}
	delete(cc.streams, id)
	cc.streamsChangedLocked()
	cc.closeIfDrainedLocked()
	return true
}

// finishLocked completes s with err and removes it. cc.mu must be held.
func (cc *ClientConn) finishLocked(s *stream, err error) {
	if _, ok := cc.streams[s.id]; !ok {
		return
	}
	delete(cc.streams, s.id)
	s.err = err
	close(s.done)
	cc.streamsChangedLocked()
	cc.closeIfDrainedLocked()
}

func (cc *ClientConn) closeIfDrainedLocked() {
	if cc.draining && !cc.closed && len(cc.streams) == 0 {
		go func() { _ = cc.Close() }()
	}
}

func (cc *ClientConn) readLoop() {
	defer close(cc.readerDone)
	for {
		f, err := cc.fr.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				cc.onStreamError(se)
				continue
			}
			cc.fail(err)
			return
		}

		switch f := f.(type) {
		case *http2.MetaHeadersFrame:
			cc.onHeaders(f)
		case *http2.DataFrame:
			err = cc.onData(f)
		case *http2.RSTStreamFrame:
			cc.onReset(f)
		case *http2.SettingsFrame:
			if !f.IsAck() {
				if err = cc.applySettings(f); err == nil {
					err = cc.write(func() error { return cc.fr.WriteSettingsAck() })
				}
			}
		case *http2.PingFrame:
			if !f.IsAck() {
				err = cc.write(func() error { return cc.fr.WritePing(true, f.Data) })
			}
		case *http2.WindowUpdateFrame:
			cc.onWindowUpdate(f)
		case *http2.GoAwayFrame:
			cc.onGoAway(f)
		}
		if err != nil {
			cc.fail(err)
			return
		}
	}
}

func (cc *ClientConn) write(fn func() error) error {
	cc.wmu.Lock()
	defer cc.wmu.Unlock()
	return fn()
}

func (cc *ClientConn) onHeaders(f *http2.MetaHeadersFrame) {
	if f.StreamID == upgradeStreamID {
		if f.StreamEnded() {
			cc.endUpgradeStream()
		}
		return
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()

	s, ok := cc.streams[f.StreamID]
	if !ok {
		// a stream we gave up on
		return
	}

	h := make(http.Header, len(f.Fields))
	for _, hf := range f.RegularFields() {
		h.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
	}

	if !s.gotHead {
		s.gotHead = true
		code, err := strconv.Atoi(f.PseudoValue("status"))
		if err != nil {
			cc.finishLocked(s, grpcwire.NewTransportError("read headers",
				fmt.Errorf("stream %d: malformed :status %q", s.id, f.PseudoValue("status"))))
			return
		}
		s.status = code
		s.header = h
	} else {
		s.trailer = h
	}

	if f.StreamEnded() {
		cc.finishLocked(s, nil)
	}
}

func (cc *ClientConn) onData(f *http2.DataFrame) error {
	id := f.StreamID
	length := f.Length

	cc.mu.Lock()
	s, ok := cc.streams[id]
	tooLarge := false
	if ok {
		if s.body.Len()+len(f.Data()) > maxResponseBody {
			tooLarge = true
		} else {
			s.body.Write(f.Data())
		}
	}
	cc.mu.Unlock()

	if tooLarge {
		cc.mu.Lock()
		cc.finishLocked(s, grpcwire.NewTransportError("read data",
			fmt.Errorf("stream %d: response exceeds %d bytes", id, maxResponseBody)))
		cc.mu.Unlock()
		if err := cc.write(func() error { return cc.fr.WriteRSTStream(id, http2.ErrCodeCancel) }); err != nil {
			return err
		}
		ok = false
	}

	// DATA on every stream counts against the connection window, including the
	// drained upgrade stream.
	if length > 0 {
		err := cc.write(func() error {
			if err := cc.fr.WriteWindowUpdate(0, length); err != nil {
				return err
			}
			if ok && !f.StreamEnded() {
				return cc.fr.WriteWindowUpdate(id, length)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	if ok && f.StreamEnded() {
		cc.mu.Lock()
		cc.finishLocked(s, nil)
		cc.mu.Unlock()
	}
	if id == upgradeStreamID && f.StreamEnded() {
		cc.endUpgradeStream()
	}
	return nil
}

func (cc *ClientConn) onReset(f *http2.RSTStreamFrame) {
	if f.StreamID == upgradeStreamID {
		cc.endUpgradeStream()
		return
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	if s, ok := cc.streams[f.StreamID]; ok {
		cc.finishLocked(s, grpcwire.NewTransportError("read",
			fmt.Errorf("stream %d reset by server: %v", f.StreamID, f.ErrCode)))
	}
}

func (cc *ClientConn) onStreamError(se http2.StreamError) {
	if se.StreamID == upgradeStreamID {
		cc.endUpgradeStream()
		if err := cc.write(func() error { return cc.fr.WriteRSTStream(se.StreamID, se.Code) }); err != nil {
			go cc.fail(err)
		}
		return
	}
	cc.mu.Lock()
	s, ok := cc.streams[se.StreamID]
	if ok {
		cc.finishLocked(s, grpcwire.NewTransportError("read", se))
	}
	cc.mu.Unlock()
	if ok {
		if err := cc.write(func() error { return cc.fr.WriteRSTStream(se.StreamID, se.Code) }); err != nil {
			go cc.fail(err)
		}
	}
}

func (cc *ClientConn) onWindowUpdate(f *http2.WindowUpdateFrame) {
	if f.StreamID != 0 {
		return
	}
	cc.mu.Lock()
	cc.sendWindow += int64(f.Increment)
	close(cc.windowUpdated)
	cc.windowUpdated = make(chan struct{})
	cc.mu.Unlock()
}

func (cc *ClientConn) onGoAway(f *http2.GoAwayFrame) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	cc.goAway = true
	cc.streamsChangedLocked()
	log.Debug().
		Str("origin", cc.authority).
		Uint32("last_stream_id", f.LastStreamID).
		Str("code", f.ErrCode.String()).
		Msg("h2c server sent GOAWAY")

	for id, s := range cc.streams {
		if id > f.LastStreamID {
			cc.finishLocked(s, grpcwire.NewTransportError("read",
				fmt.Errorf("stream %d not processed: server sent GOAWAY", id)))
		}
	}
}

func (cc *ClientConn) applySettings(f *http2.SettingsFrame) error {
	var tableSize *uint32
	cc.mu.Lock()
	err := f.ForeachSetting(func(s http2.Setting) error {
		if err := s.Valid(); err != nil {
			return err
		}
		switch s.ID {
		case http2.SettingMaxFrameSize:
			cc.maxFrameSize = s.Val
		case http2.SettingInitialWindowSize:
			cc.peerInitialWindow = s.Val
		case http2.SettingMaxConcurrentStreams:
			cc.maxConcurrent = s.Val
			cc.streamsChangedLocked()
		case http2.SettingHeaderTableSize:
			v := s.Val
			tableSize = &v
		}
		return nil
	})
	cc.mu.Unlock()

	// mu is released before taking wmu; openStream locks them in the other order
	if err == nil && tableSize != nil {
		cc.wmu.Lock()
		cc.henc.SetMaxDynamicTableSizeLimit(*tableSize)
		cc.wmu.Unlock()
	}
	return err
}

// fail tears the connection down after a read or write error, failing every
// stream still waiting.
func (cc *ClientConn) fail(err error) {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return
	}
	cc.closed = true
	cc.err = err
	for _, s := range cc.streams {
		cc.finishLocked(s, grpcwire.NewTransportError("connection lost", err))
	}
	close(cc.windowUpdated)
	cc.windowUpdated = make(chan struct{})
	cc.streamsChangedLocked()
	cc.mu.Unlock()

	log.Debug().Err(err).Str("origin", cc.authority).Msg("h2c connection failed")
	_ = cc.conn.Close()
}

// Shutdown stops new streams and closes the conn once in-flight ones finish.
func (cc *ClientConn) Shutdown() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.draining = true
	cc.streamsChangedLocked()
	cc.closeIfDrainedLocked()
}

// Close sends GOAWAY, closes the connection and fails in-flight streams.
func (cc *ClientConn) Close() error {
	var err error
	cc.closeOnce.Do(func() {
		cc.mu.Lock()
		alreadyFailed := cc.closed
		cc.mu.Unlock()

		if !alreadyFailed {
			_ = cc.write(func() error { return cc.fr.WriteGoAway(0, http2.ErrCodeNo, nil) })
		}
		cc.fail(net.ErrClosed)
		err = cc.conn.Close()
		<-cc.readerDone
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
