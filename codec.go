package pbft

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Codec turns messages into transport payloads and back.
type Codec interface {
	Marshal(msg *Message) ([]byte, error)
	Unmarshal(data []byte) (*Message, error)
}

const (
	// DefaultMaxMessageSize bounds a single encoded message.
	DefaultMaxMessageSize = 16 << 20

	// maxNesting bounds message nesting: NewView > ViewChange > certificate.
	maxNesting = 3

	maxListLen = 1 << 16
)

// BinaryCodec is a length-prefixed big-endian encoding.
//
// Format of one message:
//
//	[type:1][view:8][seq:8][digest:32][prev:32][signerLen:2][signer][sigLen:2][sig][body]
//
// body for VIEWCHANGE:
//
//	[cpSeq:8][cpDigest:32][n:2]{[len:4][msg]}  [certs:2]{[len:4][pre-prepare][n:2]{[len:4][prepare]}}
//
// body for NEWVIEW:
//
//	[n:2]{[len:4][viewchange]}  [n:2]{[len:4][pre-prepare]}
type BinaryCodec struct {
	// MaxSize rejects larger payloads on decode. Zero means DefaultMaxMessageSize.
	MaxSize int
}

var _ Codec = BinaryCodec{}

// Marshal encodes msg including its signature.
func (c BinaryCodec) Marshal(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeMessage(&buf, msg, true, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a payload produced by Marshal.
func (c BinaryCodec) Unmarshal(data []byte) (*Message, error) {
	limit := c.MaxSize
	if limit <= 0 {
		limit = DefaultMaxMessageSize
	}
	if len(data) > limit {
		return nil, wrapInvalidMessagef("message of %d bytes exceeds limit %d", len(data), limit)
	}

	r := &reader{data: data}
	msg, err := decodeMessage(r, 0)
	if err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, wrapInvalidMessagef("%d trailing bytes", r.remaining())
	}
	return msg, nil
}

// SigningBytes returns the canonical encoding of msg without its own
// signature. Nested messages keep theirs, so a certificate stays verifiable
// after being embedded.
func SigningBytes(msg *Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeMessage(&buf, msg, false, 0); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeMessage(buf *bytes.Buffer, msg *Message, withSig bool, depth int) error {
	if msg == nil {
		return fmt.Errorf("encode: nil message")
	}
	if depth > maxNesting {
		return fmt.Errorf("encode: nesting deeper than %d", maxNesting)
	}

	var header [1 + 8 + 8 + DigestSize + DigestSize]byte
	header[0] = byte(msg.Type)
	binary.BigEndian.PutUint64(header[1:9], msg.View)
	binary.BigEndian.PutUint64(header[9:17], msg.Seq)
	copy(header[17:17+DigestSize], msg.Digest[:])
	copy(header[17+DigestSize:], msg.Prev[:])
	buf.Write(header[:])

	if err := writeShortBytes(buf, []byte(msg.Signer)); err != nil {
		return fmt.Errorf("encode signer: %w", err)
	}
	sig := msg.Signature
	if !withSig {
		sig = nil
	}
	if err := writeShortBytes(buf, sig); err != nil {
		return fmt.Errorf("encode signature: %w", err)
	}

	switch msg.Type {
	case MessageViewChange:
		cp := msg.Checkpoint
		if cp == nil {
			cp = GenesisCheckpoint()
		}
		writeUint64(buf, cp.Seq)
		buf.Write(cp.Digest[:])
		if err := encodeList(buf, cp.Messages, depth); err != nil {
			return err
		}

		if len(msg.Prepared) > maxListLen-1 {
			return fmt.Errorf("encode: %d prepared certificates", len(msg.Prepared))
		}
		writeUint16(buf, uint16(len(msg.Prepared)))
		for _, cert := range msg.Prepared {
			if err := encodeNested(buf, cert.PrePrepare, depth); err != nil {
				return err
			}
			if err := encodeList(buf, cert.Prepares, depth); err != nil {
				return err
			}
		}
	case MessageNewView:
		if err := encodeList(buf, msg.ViewChanges, depth); err != nil {
			return err
		}
		if err := encodeList(buf, msg.PrePrepares, depth); err != nil {
			return err
		}
	}
	return nil
}

func encodeList(buf *bytes.Buffer, msgs []*Message, depth int) error {
	if len(msgs) > maxListLen-1 {
		return fmt.Errorf("encode: list of %d messages", len(msgs))
	}
	writeUint16(buf, uint16(len(msgs)))
	for _, m := range msgs {
		if err := encodeNested(buf, m, depth); err != nil {
			return err
		}
	}
	return nil
}

func encodeNested(buf *bytes.Buffer, msg *Message, depth int) error {
	var inner bytes.Buffer
	if err := encodeMessage(&inner, msg, true, depth+1); err != nil {
		return err
	}
	writeUint32(buf, uint32(inner.Len()))
	buf.Write(inner.Bytes())
	return nil
}

func decodeMessage(r *reader, depth int) (*Message, error) {
	if depth > maxNesting {
		return nil, wrapInvalidMessagef("nesting deeper than %d", maxNesting)
	}

	header, err := r.next(1 + 8 + 8 + DigestSize + DigestSize)
	if err != nil {
		return nil, err
	}
	msg := &Message{
		Type: MessageType(header[0]),
		View: binary.BigEndian.Uint64(header[1:9]),
		Seq:  binary.BigEndian.Uint64(header[9:17]),
	}
	copy(msg.Digest[:], header[17:17+DigestSize])
	copy(msg.Prev[:], header[17+DigestSize:])
	if !msg.Type.Valid() {
		return nil, wrapInvalidMessagef("unknown message type %d", header[0])
	}

	signer, err := r.shortBytes()
	if err != nil {
		return nil, err
	}
	msg.Signer = ValidatorID(signer)
	sig, err := r.shortBytes()
	if err != nil {
		return nil, err
	}
	if len(sig) > 0 {
		msg.Signature = append([]byte(nil), sig...)
	}

	switch msg.Type {
	case MessageViewChange:
		cp := &CheckpointProof{}
		if cp.Seq, err = r.u64(); err != nil {
			return nil, err
		}
		d, err := r.next(DigestSize)
		if err != nil {
			return nil, err
		}
		copy(cp.Digest[:], d)
		if cp.Messages, err = decodeList(r, depth); err != nil {
			return nil, err
		}
		msg.Checkpoint = cp

		n, err := r.u16()
		if err != nil {
			return nil, err
		}
		for i := 0; i < int(n); i++ {
			pp, err := decodeNested(r, depth)
			if err != nil {
				return nil, err
			}
			prepares, err := decodeList(r, depth)
			if err != nil {
				return nil, err
			}
			msg.Prepared = append(msg.Prepared, &PreparedCert{PrePrepare: pp, Prepares: prepares})
		}
	case MessageNewView:
		if msg.ViewChanges, err = decodeList(r, depth); err != nil {
			return nil, err
		}
		if msg.PrePrepares, err = decodeList(r, depth); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

func decodeList(r *reader, depth int) ([]*Message, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	out := make([]*Message, 0, n)
	for i := 0; i < int(n); i++ {
		m, err := decodeNested(r, depth)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func decodeNested(r *reader, depth int) (*Message, error) {
	size, err := r.u32()
	if err != nil {
		return nil, err
	}
	body, err := r.next(int(size))
	if err != nil {
		return nil, err
	}
	inner := &reader{data: body}
	m, err := decodeMessage(inner, depth+1)
	if err != nil {
		return nil, err
	}
	if inner.remaining() != 0 {
		return nil, wrapInvalidMessage("trailing bytes in nested message")
	}
	return m, nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeShortBytes(buf *bytes.Buffer, data []byte) error {
	if len(data) > 0xFFFF {
		return fmt.Errorf("field of %d bytes too long", len(data))
	}
	writeUint16(buf, uint16(len(data)))
	buf.Write(data)
	return nil
}

type reader struct {
	data []byte
	off  int
}

func (r *reader) remaining() int {
	return len(r.data) - r.off
}

func (r *reader) next(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, wrapInvalidMessagef("message too short: need %d bytes at offset %d, have %d", n, r.off, r.remaining())
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) shortBytes() ([]byte, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	return r.next(int(n))
}
