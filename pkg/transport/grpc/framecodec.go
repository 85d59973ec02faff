package grpc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

const codecName = "loadelect-frame"

// frame is an encoded NodeMessage. It crosses gRPC untouched so the wire
// format stays the one produced by pkg/codec.
type frame struct {
	Data []byte
}

type ack struct{}

// frameCodec passes frames through as raw bytes, avoiding protobuf codegen.
type frameCodec struct{}

func (frameCodec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case *frame:
		return m.Data, nil
	case *ack:
		return []byte{}, nil
	}
	return nil, fmt.Errorf("frame codec: cannot marshal %T", v)
}

func (frameCodec) Unmarshal(b []byte, v interface{}) error {
	switch m := v.(type) {
	case *frame:
		m.Data = append([]byte(nil), b...)
		return nil
	case *ack:
		return nil
	}
	return fmt.Errorf("frame codec: cannot unmarshal into %T", v)
}

func (frameCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(frameCodec{})
}
