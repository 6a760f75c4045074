package grpcwire

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestEncodeMessage(t *testing.T) {
	got := EncodeMessage([]byte("hi"))

	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x00, 0x02, 'h', 'i'}, got)
}

func TestDecodeFrames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		body    []byte
		want    []Frame
		wantErr string
	}{
		{
			name: "empty body",
			body: nil,
			want: nil,
		},
		{
			name: "single empty message",
			body: EncodeMessage(nil),
			want: []Frame{{Flags: 0, Payload: []byte{}}},
		},
		{
			name: "message and trailer",
			body: append(EncodeMessage([]byte("abc")), 0x80, 0, 0, 0, 1, 'x'),
			want: []Frame{{Payload: []byte("abc")}, {Flags: 0x80, Payload: []byte("x")}},
		},
		{
			name:    "truncated header",
			body:    []byte{0x00, 0x00},
			wantErr: "truncated frame header",
		},
		{
			name:    "truncated payload",
			body:    []byte{0x00, 0x00, 0x00, 0x00, 0x05, 'a'},
			wantErr: "truncated frame",
		},
		{
			name:    "compressed",
			body:    []byte{0x01, 0x00, 0x00, 0x00, 0x00},
			wantErr: "compressed frame",
		},
		{
			name:    "oversized",
			body:    []byte{0x00, 0xff, 0xff, 0xff, 0xff},
			wantErr: "exceeds limit",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := DecodeFrames(tt.body)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadUnary(t *testing.T) {
	trailer := http.Header{}
	trailer.Set("Grpc-Status", "0")
	trailer.Set("Grpc-Message", "")

	body := append(EncodeMessage([]byte("first")), EncodeMessage([]byte("second"))...)
	body = append(body, EncodeTrailer(trailer)...)

	reply, err := ReadUnary(body)
	require.NoError(t, err)

	assert.True(t, reply.HasMessage)
	assert.Equal(t, []byte("first"), reply.Message)
	require.NotNil(t, reply.Trailer)
	assert.Equal(t, "0", reply.Trailer.Get("grpc-status"))
}

func TestReadUnaryEmptyMessageIsStillAMessage(t *testing.T) {
	reply, err := ReadUnary(EncodeMessage(nil))
	require.NoError(t, err)

	assert.True(t, reply.HasMessage)
	assert.Empty(t, reply.Message)
	assert.Nil(t, reply.Trailer)
}

func TestReadUnaryRejectsDataAfterTrailer(t *testing.T) {
	body := append(EncodeTrailer(http.Header{"Grpc-Status": {"0"}}), EncodeMessage([]byte("late"))...)

	_, err := ReadUnary(body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after trailer")
}

func TestParseTrailerBlock(t *testing.T) {
	h, err := ParseTrailerBlock([]byte("grpc-status: 5\r\ngrpc-message: no%20station"))
	require.NoError(t, err)

	assert.Equal(t, "5", h.Get("Grpc-Status"))
	assert.Equal(t, "no%20station", h.Get("Grpc-Message"))
}

func TestStatusFromHeader(t *testing.T) {
	tests := []struct {
		name     string
		header   http.Header
		wantCode codes.Code
		wantMsg  string
	}{
		{
			name:     "ok",
			header:   http.Header{"Grpc-Status": {"0"}},
			wantCode: codes.OK,
		},
		{
			name:     "not found with encoded message",
			header:   http.Header{"Grpc-Status": {"5"}, "Grpc-Message": {"station%20missing"}},
			wantCode: codes.NotFound,
			wantMsg:  "station missing",
		},
		{
			name:     "missing status",
			header:   http.Header{},
			wantCode: codes.Internal,
			wantMsg:  "without sending a grpc-status",
		},
		{
			name:     "garbage status",
			header:   http.Header{"Grpc-Status": {"five"}},
			wantCode: codes.Internal,
			wantMsg:  "malformed grpc-status",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := StatusFromHeader(tt.header)
			if tt.wantCode == codes.OK {
				assert.NoError(t, err)
				return
			}
			st, ok := status.FromError(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantCode, st.Code())
			assert.Contains(t, st.Message(), tt.wantMsg)
		})
	}
}

func TestStatusFromHTTP(t *testing.T) {
	tests := map[int]codes.Code{
		http.StatusBadRequest:          codes.Internal,
		http.StatusUnauthorized:        codes.Unauthenticated,
		http.StatusForbidden:           codes.PermissionDenied,
		http.StatusNotFound:            codes.Unimplemented,
		http.StatusServiceUnavailable:  codes.Unavailable,
		http.StatusBadGateway:          codes.Unavailable,
		http.StatusInternalServerError: codes.Unknown,
	}
	for httpCode, want := range tests {
		assert.Equal(t, want, CodeOf(StatusFromHTTP(httpCode)), "HTTP %d", httpCode)
	}
}

func TestCodeOfWrappedErrors(t *testing.T) {
	wrapped := NewTransportError("read", status.Error(codes.Unavailable, "down"))

	assert.Equal(t, codes.Unavailable, CodeOf(wrapped))
	assert.True(t, IsStatus(wrapped))
	assert.Equal(t, codes.OK, CodeOf(nil))
	assert.Equal(t, codes.Unknown, CodeOf(assert.AnError))
	assert.False(t, IsStatus(assert.AnError))
}

func TestEncodeTimeout(t *testing.T) {
	assert.Equal(t, "0n", EncodeTimeout(0))
	assert.Equal(t, "1500n", EncodeTimeout(1500*time.Nanosecond))
	assert.Equal(t, "10000000u", EncodeTimeout(10*time.Second))
	assert.Equal(t, "1000000m", EncodeTimeout(1000*time.Second))
	assert.Equal(t, "7200000m", EncodeTimeout(2*time.Hour))
}
