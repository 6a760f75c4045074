// Package grpcwire holds the pieces of the gRPC wire protocol shared by the
// gRPC-Web and native HTTP/2 channels: length-prefixed message frames, status
// extraction from headers and trailers, and the grpc-timeout header.
package grpcwire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/textproto"
)

const (
	headerLen = 5

	flagCompressed byte = 0x01
	// flagTrailer marks a gRPC-Web frame whose payload is the trailer block.
	flagTrailer byte = 0x80

	// MaxMessageSize caps a single decoded message.
	MaxMessageSize = 4 << 20
)

// Frame is one length-prefixed unit of a gRPC body.
type Frame struct {
	Flags   byte
	Payload []byte
}

func (f Frame) IsTrailer() bool {
	return f.Flags&flagTrailer != 0
}

// EncodeMessage wraps an uncompressed message in a data frame.
func EncodeMessage(msg []byte) []byte {
	out := make([]byte, headerLen+len(msg))
	binary.BigEndian.PutUint32(out[1:headerLen], uint32(len(msg)))
	copy(out[headerLen:], msg)
	return out
}

// EncodeTrailer builds a gRPC-Web trailer frame from h.
func EncodeTrailer(h http.Header) []byte {
	var block bytes.Buffer
	for key, values := range h {
		for _, v := range values {
			fmt.Fprintf(&block, "%s: %s\r\n", lowerASCII(key), v)
		}
	}
	out := make([]byte, headerLen+block.Len())
	out[0] = flagTrailer
	binary.BigEndian.PutUint32(out[1:headerLen], uint32(block.Len()))
	copy(out[headerLen:], block.Bytes())
	return out
}

// DecodeFrames splits a fully buffered body into frames. A truncated frame is
// an error; compressed frames are rejected because no compression is negotiated.
func DecodeFrames(body []byte) ([]Frame, error) {
	var frames []Frame
	for len(body) > 0 {
		if len(body) < headerLen {
			return nil, fmt.Errorf("truncated frame header: %d bytes", len(body))
		}
		flags := body[0]
		size := binary.BigEndian.Uint32(body[1:headerLen])
		if size > MaxMessageSize {
			return nil, fmt.Errorf("frame of %d bytes exceeds limit of %d", size, MaxMessageSize)
		}
		if uint32(len(body)-headerLen) < size {
			return nil, fmt.Errorf("truncated frame: want %d bytes, have %d", size, len(body)-headerLen)
		}
		if flags&flagCompressed != 0 {
			return nil, fmt.Errorf("compressed frame received without negotiated encoding")
		}
		frames = append(frames, Frame{
			Flags:   flags,
			Payload: body[headerLen : headerLen+int(size)],
		})
		body = body[headerLen+int(size):]
	}
	return frames, nil
}

// ParseTrailerBlock reads a gRPC-Web trailer payload ("key: value\r\n" lines).
func ParseTrailerBlock(block []byte) (http.Header, error) {
	if len(block) == 0 {
		return http.Header{}, nil
	}
	buf := make([]byte, 0, len(block)+4)
	buf = append(buf, block...)
	if !bytes.HasSuffix(buf, []byte("\r\n")) {
		buf = append(buf, '\r', '\n')
	}
	buf = append(buf, '\r', '\n')

	r := textproto.NewReader(bufio.NewReader(bytes.NewReader(buf)))
	mime, err := r.ReadMIMEHeader()
	if err != nil {
		return nil, fmt.Errorf("parsing trailer frame: %w", err)
	}
	return http.Header(mime), nil
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Reply is the decoded body of a unary call.
type Reply struct {
	Message    []byte
	HasMessage bool
	// Trailer is set when the body ends with a gRPC-Web trailer frame.
	Trailer http.Header
}

// ReadUnary extracts the reply of a unary call from a buffered body: the first
// data frame, and the trailer frame when the body carries one.
func ReadUnary(body []byte) (*Reply, error) {
	frames, err := DecodeFrames(body)
	if err != nil {
		return nil, err
	}
	reply := &Reply{}
	for _, f := range frames {
		if f.IsTrailer() {
			if reply.Trailer != nil {
				return nil, fmt.Errorf("more than one trailer frame")
			}
			if reply.Trailer, err = ParseTrailerBlock(f.Payload); err != nil {
				return nil, err
			}
			continue
		}
		if reply.Trailer != nil {
			return nil, fmt.Errorf("data frame after trailer frame")
		}
		if !reply.HasMessage {
			reply.Message = f.Payload
			reply.HasMessage = true
		}
	}
	return reply, nil
}
