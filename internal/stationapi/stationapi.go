// Package stationapi encodes and decodes the StationAPI messages the bridge
// exchanges with the upstream station directory (package app.trainlcd.grpc).
// Only the fields the bridge uses are modelled; everything else on the wire is
// skipped.
package stationapi

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	ServiceName = "app.trainlcd.grpc.StationAPI"

	// GetStationsByCoordinatesMethod is the full gRPC method path.
	GetStationsByCoordinatesMethod = "/" + ServiceName + "/GetStationsByCoordinates"
)

// Field numbers.
const (
	reqLatitudeField  protowire.Number = 1
	reqLongitudeField protowire.Number = 2
	reqLimitField     protowire.Number = 3

	respStationsField protowire.Number = 1

	stationIDField        protowire.Number = 1
	stationNameField      protowire.Number = 3
	stationNameRomanField protowire.Number = 5
	stationLinesField     protowire.Number = 9

	lineIDField        protowire.Number = 1
	lineNameShortField protowire.Number = 2
	lineNameRomanField protowire.Number = 5
)

type GetStationByCoordinatesRequest struct {
	Latitude  float64
	Longitude float64
	Limit     *uint32
}

type MultipleStationResponse struct {
	Stations []Station
}

type Station struct {
	ID        uint32
	Name      string
	NameRoman *string
	Lines     []Line
}

type Line struct {
	ID        uint32
	NameShort string
	NameRoman *string
}

func (r *GetStationByCoordinatesRequest) Marshal() []byte {
	var b []byte
	b = appendDouble(b, reqLatitudeField, r.Latitude)
	b = appendDouble(b, reqLongitudeField, r.Longitude)
	if r.Limit != nil {
		b = protowire.AppendTag(b, reqLimitField, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(*r.Limit))
	}
	return b
}

func (r *GetStationByCoordinatesRequest) Unmarshal(b []byte) error {
	*r = GetStationByCoordinatesRequest{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == reqLatitudeField && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			r.Latitude = math.Float64frombits(v)
			return n, nil
		case num == reqLongitudeField && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			r.Longitude = math.Float64frombits(v)
			return n, nil
		case num == reqLimitField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			limit := uint32(v)
			r.Limit = &limit
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func (m *MultipleStationResponse) Marshal() []byte {
	var b []byte
	for i := range m.Stations {
		b = protowire.AppendTag(b, respStationsField, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Stations[i].Marshal())
	}
	return b
}

func (m *MultipleStationResponse) Unmarshal(b []byte) error {
	*m = MultipleStationResponse{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == respStationsField && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var s Station
			if err := s.Unmarshal(v); err != nil {
				return 0, fmt.Errorf("station %d: %w", len(m.Stations), err)
			}
			m.Stations = append(m.Stations, s)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func (s *Station) Marshal() []byte {
	var b []byte
	b = appendUint32(b, stationIDField, s.ID)
	b = appendString(b, stationNameField, s.Name)
	if s.NameRoman != nil {
		b = protowire.AppendTag(b, stationNameRomanField, protowire.BytesType)
		b = protowire.AppendString(b, *s.NameRoman)
	}
	for i := range s.Lines {
		b = protowire.AppendTag(b, stationLinesField, protowire.BytesType)
		b = protowire.AppendBytes(b, s.Lines[i].Marshal())
	}
	return b
}

func (s *Station) Unmarshal(b []byte) error {
	*s = Station{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == stationIDField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			s.ID = uint32(v)
			return n, nil
		case num == stationNameField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			s.Name = v
			return n, nil
		case num == stationNameRomanField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			s.NameRoman = &v
			return n, nil
		case num == stationLinesField && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			var l Line
			if err := l.Unmarshal(v); err != nil {
				return 0, fmt.Errorf("line %d: %w", len(s.Lines), err)
			}
			s.Lines = append(s.Lines, l)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

func (l *Line) Marshal() []byte {
	var b []byte
	b = appendUint32(b, lineIDField, l.ID)
	b = appendString(b, lineNameShortField, l.NameShort)
	if l.NameRoman != nil {
		b = protowire.AppendTag(b, lineNameRomanField, protowire.BytesType)
		b = protowire.AppendString(b, *l.NameRoman)
	}
	return b
}

func (l *Line) Unmarshal(b []byte) error {
	*l = Line{}
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == lineIDField && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			l.ID = uint32(v)
			return n, nil
		case num == lineNameShortField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			l.NameShort = v
			return n, nil
		case num == lineNameRomanField && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			l.NameRoman = &v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
}

// walk iterates over the fields of one message. field consumes the value that
// follows the tag and returns the number of bytes used, negative on a wire error.
func walk(b []byte, field func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

// Scalar fields follow proto3 rules and are omitted when zero.

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	bits := math.Float64bits(v)
	if bits == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, bits)
}

func appendUint32(b []byte, num protowire.Number, v uint32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}
