// Package wire implements the msgpack envelope and three custom
// ext-type codecs so that a manager and an agent built at different
// versions stay wire-compatible: Decimal (ext 1), UUID (ext 2) and Enum
// (ext 3). A time.Time passed directly to Marshal is written as an
// ISO-8601 string (msgpack native).
package wire

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	extDecimal int8 = 1
	extUUID    int8 = 2
	extEnum    int8 = 3
)

// Enum is the wire representation of a qualified enum value:
// {qualified_name, value}.
type Enum struct {
	QualifiedName string
	Value         string
}

func init() {
	msgpack.RegisterExtEncoder(extDecimal, decimal.Decimal{}, encodeDecimal)
	msgpack.RegisterExtDecoder(extDecimal, decimal.Decimal{}, decodeDecimal)
	msgpack.RegisterExtEncoder(extUUID, uuid.UUID{}, encodeUUID)
	msgpack.RegisterExtDecoder(extUUID, uuid.UUID{}, decodeUUID)
	msgpack.RegisterExtEncoder(extEnum, Enum{}, encodeEnum)
	msgpack.RegisterExtDecoder(extEnum, Enum{}, decodeEnum)
}

func encodeDecimal(v any) ([]byte, error) {
	d, ok := v.(decimal.Decimal)
	if !ok {
		return nil, fmt.Errorf("wire: expected decimal.Decimal, got %T", v)
	}
	return []byte(d.String()), nil
}

func decodeDecimal(data []byte) (any, error) {
	d, err := decimal.NewFromString(string(data))
	if err != nil {
		return nil, fmt.Errorf("wire: invalid decimal literal %q: %w", data, err)
	}
	return d, nil
}

func encodeUUID(v any) ([]byte, error) {
	id, ok := v.(uuid.UUID)
	if !ok {
		return nil, fmt.Errorf("wire: expected uuid.UUID, got %T", v)
	}
	b := id // [16]byte array underneath
	return b[:], nil
}

func decodeUUID(data []byte) (any, error) {
	if len(data) != 16 {
		return nil, fmt.Errorf("wire: uuid ext must be 16 bytes, got %d", len(data))
	}
	var id uuid.UUID
	copy(id[:], data)
	return id, nil
}

func encodeEnum(v any) ([]byte, error) {
	e, ok := v.(Enum)
	if !ok {
		return nil, fmt.Errorf("wire: expected Enum, got %T", v)
	}
	return msgpack.Marshal([]string{e.QualifiedName, e.Value})
}

func decodeEnum(data []byte) (any, error) {
	var pair []string
	if err := msgpack.Unmarshal(data, &pair); err != nil {
		return nil, fmt.Errorf("wire: invalid enum ext payload: %w", err)
	}
	if len(pair) != 2 {
		return nil, fmt.Errorf("wire: enum ext payload must have 2 elements, got %d", len(pair))
	}
	return Enum{QualifiedName: pair[0], Value: pair[1]}, nil
}

// Marshal encodes v to msgpack using the registered ext-type codecs.
// A time.Time passed as v is encoded as an ISO-8601 string (not the
// msgpack timestamp ext type). time.Time values nested inside structs,
// maps or slices are not converted; they use msgpack's own timestamp
// encoding.
func Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("msgpack")
	if t, ok := v.(time.Time); ok {
		if err := enc.EncodeString(t.UTC().Format(time.RFC3339Nano)); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack-encoded data produced by Marshal.
func Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("msgpack")
	return dec.Decode(v)
}
