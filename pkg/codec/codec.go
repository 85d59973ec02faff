// Package codec frames NodeMessages for the wire.
//
// A frame is a three byte header (magic, version, metrics variant) followed
// by the msgpack encoding of the message. Nodes using different metrics
// variants cannot decode each other's frames.
package codec

import (
	"errors"
	"fmt"

	"github.com/ugorji/go/codec"

	"github.com/danl5/loadelect/pkg/model"
)

const (
	magic   byte = 0xE1
	version byte = 1

	headerLen = 3

	variantBasic    byte = 'b'
	variantExtended byte = 'e'
)

var (
	ErrShortFrame      = errors.New("frame too short")
	ErrBadMagic        = errors.New("bad frame magic")
	ErrVersionMismatch = errors.New("frame version mismatch")
	ErrVariantMismatch = errors.New("metrics variant mismatch")
)

var handle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	h.RawToString = true
	return h
}()

// Handle returns the shared msgpack handle, also used by rpc codecs.
func Handle() *codec.MsgpackHandle {
	return handle
}

// Codec encodes and decodes frames for one metrics variant.
type Codec struct {
	variant byte
}

func New(v model.MetricsVariant) (*Codec, error) {
	switch v {
	case model.MetricsBasic:
		return &Codec{variant: variantBasic}, nil
	case model.MetricsExtended, "":
		return &Codec{variant: variantExtended}, nil
	}
	return nil, fmt.Errorf("codec: unknown metrics variant %q", string(v))
}

// Encode validates msg and returns its frame.
func (c *Codec) Encode(msg *model.NodeMessage) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	body := []byte{}
	if err := codec.NewEncoderBytes(&body, handle).Encode(msg); err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, err)
	}

	frame := make([]byte, 0, headerLen+len(body))
	frame = append(frame, magic, version, c.variant)
	return append(frame, body...), nil
}

// Decode parses a frame produced by a Codec of the same variant.
func (c *Codec) Decode(frame []byte) (*model.NodeMessage, error) {
	if len(frame) < headerLen {
		return nil, ErrShortFrame
	}
	switch {
	case frame[0] != magic:
		return nil, ErrBadMagic
	case frame[1] != version:
		return nil, fmt.Errorf("%w: got %d", ErrVersionMismatch, frame[1])
	case frame[2] != c.variant:
		return nil, fmt.Errorf("%w: got %q", ErrVariantMismatch, frame[2])
	}

	msg := &model.NodeMessage{}
	if err := codec.NewDecoderBytes(frame[headerLen:], handle).Decode(msg); err != nil {
		return nil, fmt.Errorf("%w: %s", model.ErrBadMessage, err.Error())
	}
	if msg.Heartbeat != nil && len(msg.Heartbeat.Candidates) == 0 {
		msg.Heartbeat.Candidates = nil
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return msg, nil
}
