package docstore

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// helpers for hand written protobuf wire messages

type wireFieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func readWireFields(b []byte, fn wireFieldFunc) error {
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func consumeWireBytes(num protowire.Number, typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	return v, n, nil
}

func consumeWireVarint(num protowire.Number, typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("field %d: unexpected wire type %d", num, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	return v, n, nil
}

func appendWireBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendWireString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendWireVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}
