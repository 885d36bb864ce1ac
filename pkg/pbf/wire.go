package pbf

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// field is one decoded protobuf field. Varint values land in v, length
// delimited payloads in data.
type field struct {
	num  protowire.Number
	typ  protowire.Type
	v    uint64
	data []byte
}

// walkFields calls fn for every top level field of msg.
func walkFields(msg []byte, fn func(f field) error) error {
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return protowire.ParseError(n)
		}
		msg = msg[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(msg)
		case protowire.BytesType:
			f.data, n = protowire.ConsumeBytes(msg)
		default:
			n = protowire.ConsumeFieldValue(num, typ, msg)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		msg = msg[n:]

		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// varints appends the values of a repeated integer field, packed or not.
func (f field) varints(dst []uint64) ([]uint64, error) {
	switch f.typ {
	case protowire.VarintType:
		return append(dst, f.v), nil
	case protowire.BytesType:
		data := f.data
		for len(data) > 0 {
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return dst, protowire.ParseError(n)
			}
			dst = append(dst, v)
			data = data[n:]
		}
		return dst, nil
	}
	return dst, malformed("field %d: unexpected wire type %d", f.num, f.typ)
}

// sint64 decodes a zigzag encoded value.
func (f field) sint64() int64 {
	return protowire.DecodeZigZag(f.v)
}

// deltas turns delta coded zigzag values into absolute values in place.
func deltas(raw []uint64) []int64 {
	out := make([]int64, len(raw))
	var acc int64
	for i, v := range raw {
		acc += protowire.DecodeZigZag(v)
		out[i] = acc
	}
	return out
}

// appendPacked appends a packed repeated varint field.
func appendPacked(b []byte, num protowire.Number, values []uint64) []byte {
	if len(values) == 0 {
		return b
	}
	var payload []byte
	for _, v := range values {
		payload = protowire.AppendVarint(payload, v)
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, payload)
}

// appendPackedDelta appends values as a packed, delta coded, zigzag field.
func appendPackedDelta(b []byte, num protowire.Number, values []int64) []byte {
	enc := make([]uint64, len(values))
	var prev int64
	for i, v := range values {
		enc[i] = protowire.EncodeZigZag(v - prev)
		prev = v
	}
	return appendPacked(b, num, enc)
}

func appendVarintField(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}
