package stationapi

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func strPtr(s string) *string { return &s }

func TestRequestMarshalWireLayout(t *testing.T) {
	limit := uint32(1)
	req := &GetStationByCoordinatesRequest{Latitude: 35.6580, Longitude: 139.7016, Limit: &limit}

	var want []byte
	want = protowire.AppendTag(want, 1, protowire.Fixed64Type)
	want = protowire.AppendFixed64(want, math.Float64bits(35.6580))
	want = protowire.AppendTag(want, 2, protowire.Fixed64Type)
	want = protowire.AppendFixed64(want, math.Float64bits(139.7016))
	want = protowire.AppendTag(want, 3, protowire.VarintType)
	want = protowire.AppendVarint(want, 1)

	assert.Equal(t, want, req.Marshal())
}

func TestRequestMarshalOmitsZeroScalars(t *testing.T) {
	assert.Empty(t, (&GetStationByCoordinatesRequest{}).Marshal())

	zero := uint32(0)
	b := (&GetStationByCoordinatesRequest{Limit: &zero}).Marshal()
	assert.Equal(t, []byte{0x18, 0x00}, b, "explicit limit is sent even when zero")
}

func TestRequestUnmarshal(t *testing.T) {
	limit := uint32(1)
	in := &GetStationByCoordinatesRequest{Latitude: -33.8688, Longitude: 151.2093, Limit: &limit}

	var out GetStationByCoordinatesRequest
	require.NoError(t, out.Unmarshal(in.Marshal()))

	assert.Equal(t, -33.8688, out.Latitude)
	assert.Equal(t, 151.2093, out.Longitude)
	require.NotNil(t, out.Limit)
	assert.Equal(t, uint32(1), *out.Limit)
}

func TestResponseUnmarshal(t *testing.T) {
	resp := &MultipleStationResponse{Stations: []Station{
		{
			ID:        1130205,
			Name:      "渋谷",
			NameRoman: strPtr("Shibuya"),
			Lines: []Line{
				{ID: 11302, NameShort: "JY", NameRoman: strPtr("Yamanote Line")},
				{ID: 11303, NameShort: "JR"},
			},
		},
		{ID: 2, Name: "Ebisu"},
	}}

	var got MultipleStationResponse
	require.NoError(t, got.Unmarshal(resp.Marshal()))

	require.Len(t, got.Stations, 2)
	first := got.Stations[0]
	assert.Equal(t, "渋谷", first.Name)
	require.NotNil(t, first.NameRoman)
	assert.Equal(t, "Shibuya", *first.NameRoman)
	require.Len(t, first.Lines, 2)
	assert.Equal(t, "JY", first.Lines[0].NameShort)
	assert.Equal(t, "Yamanote Line", *first.Lines[0].NameRoman)
	assert.Nil(t, first.Lines[1].NameRoman)
	assert.Nil(t, got.Stations[1].NameRoman)
}

func TestResponseUnmarshalSkipsUnknownFields(t *testing.T) {
	var line []byte
	line = protowire.AppendTag(line, 2, protowire.BytesType)
	line = protowire.AppendString(line, "G")
	line = protowire.AppendTag(line, 4, protowire.BytesType)
	line = protowire.AppendString(line, "#f39700")

	var station []byte
	station = protowire.AppendTag(station, 3, protowire.BytesType)
	station = protowire.AppendString(station, "Shibuya")
	station = protowire.AppendTag(station, 7, protowire.Fixed64Type)
	station = protowire.AppendFixed64(station, math.Float64bits(35.658))
	station = protowire.AppendTag(station, 9, protowire.BytesType)
	station = protowire.AppendBytes(station, line)
	station = protowire.AppendTag(station, 20, protowire.VarintType)
	station = protowire.AppendVarint(station, 4)

	var body []byte
	body = protowire.AppendTag(body, 1, protowire.BytesType)
	body = protowire.AppendBytes(body, station)

	var got MultipleStationResponse
	require.NoError(t, got.Unmarshal(body))

	require.Len(t, got.Stations, 1)
	assert.Equal(t, "Shibuya", got.Stations[0].Name)
	require.Len(t, got.Stations[0].Lines, 1)
	assert.Equal(t, "G", got.Stations[0].Lines[0].NameShort)
}

func TestResponseUnmarshalEmpty(t *testing.T) {
	var got MultipleStationResponse
	require.NoError(t, got.Unmarshal(nil))
	assert.Empty(t, got.Stations)
}

func TestResponseUnmarshalMalformed(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{name: "truncated tag", body: []byte{0x80}},
		{name: "length past end", body: []byte{0x0a, 0x10, 0x01}},
		{name: "broken nested station", body: []byte{0x0a, 0x02, 0x1a, 0x05}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got MultipleStationResponse
			assert.Error(t, got.Unmarshal(tt.body))
		})
	}
}

func TestMethodPath(t *testing.T) {
	assert.Equal(t, "/app.trainlcd.grpc.StationAPI/GetStationsByCoordinates", GetStationsByCoordinatesMethod)
}
