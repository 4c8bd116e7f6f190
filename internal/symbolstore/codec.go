package symbolstore

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/g-k/tecken/internal/symbols"
)

// The wire form of a symbol table is zlib over a varint stream:
//
//	uvarint symbol count
//	then per symbol, in ascending offset order:
//	  uvarint offset delta from the previous symbol (first is absolute)
//	  uvarint name length, followed by the name bytes
//
// Delta coding keeps the hot part of the payload to a couple of bytes per
// symbol; the store holds millions of entries so size wins over CPU. A
// zero-length payload is reserved for the negative sentinel and never
// produced by encode.

func encodeMap(m *symbols.Map) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)

	var scratch [binary.MaxVarintLen64]byte
	writeUvarint := func(v uint64) error {
		n := binary.PutUvarint(scratch[:], v)
		_, err := zw.Write(scratch[:n])
		return err
	}

	offsets := m.Offsets()
	names := m.Names()
	if err := writeUvarint(uint64(len(offsets))); err != nil {
		return nil, err
	}
	prev := uint64(0)
	for i, off := range offsets {
		delta := off
		if i > 0 {
			delta = off - prev
		}
		prev = off
		if err := writeUvarint(delta); err != nil {
			return nil, err
		}
		name := names[off]
		if err := writeUvarint(uint64(len(name))); err != nil {
			return nil, err
		}
		if _, err := io.WriteString(zw, name); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeMap(payload []byte) (*symbols.Map, error) {
	zr, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("symbol table payload: %w", err)
	}
	defer zr.Close()
	br := newByteReader(zr)

	count, err := binary.ReadUvarint(br)
	if err != nil {
		return nil, fmt.Errorf("symbol table count: %w", err)
	}
	names := make(map[uint64]string, count)
	offset := uint64(0)
	for i := uint64(0); i < count; i++ {
		delta, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, fmt.Errorf("symbol %d offset: %w", i, err)
		}
		offset += delta
		nameLen, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, fmt.Errorf("symbol %d name length: %w", i, err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(br, name); err != nil {
			return nil, fmt.Errorf("symbol %d name: %w", i, err)
		}
		names[offset] = string(name)
	}
	return symbols.NewMap(names), nil
}

// byteReader adapts any reader to the io.ByteReader binary.ReadUvarint
// wants. It does no buffering of its own: each ReadByte reads one byte
// from the underlying reader.
type byteReader struct {
	r   io.Reader
	buf [1]byte
}

func newByteReader(r io.Reader) *byteReader {
	return &byteReader{r: r}
}

func (b *byteReader) ReadByte() (byte, error) {
	if _, err := io.ReadFull(b.r, b.buf[:]); err != nil {
		return 0, err
	}
	return b.buf[0], nil
}

func (b *byteReader) Read(p []byte) (int, error) {
	return b.r.Read(p)
}
