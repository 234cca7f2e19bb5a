package message

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"pssync/pkg/pserrors"
)

// Value constrains the element types a typed cache or store can
// synchronize. All of them have a fixed wire size.
type Value interface {
	~float32 | ~float64 | ~int32 | ~int64 | ~uint32 | ~uint64
}

// EncodeVals serializes a value slice into the opaque payload form
// carried by an envelope. Little-endian, densely packed.
func EncodeVals[V Value](vals []V) ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(binary.Size(vals))
	if err := binary.Write(&buf, binary.LittleEndian, vals); err != nil {
		return nil, fmt.Errorf("encode values: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeVals fills out with values decoded from buf. The buffer length
// must match the pre-sized out slice exactly.
func DecodeVals[V Value](buf []byte, out []V) error {
	if binary.Size(out) != len(buf) {
		return fmt.Errorf("%w: payload is %d bytes, buffer wants %d",
			pserrors.ErrInvalidArgument, len(buf), binary.Size(out))
	}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, out); err != nil {
		return fmt.Errorf("decode values: %w", err)
	}
	return nil
}

// ValSize returns the wire size of one value of type V.
func ValSize[V Value]() int {
	var v V
	return binary.Size(v)
}
