// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wire implements the length-framed binary record format spoken
// between a pipeline's publisher and the capture sink.
//
// A frame is laid out big endian as
//
//	int32  frame length (bytes after this field)
//	int32  stream identifier length, followed by UTF-8 bytes
//	int64  timestamp
//	array  meta, correlation, payload
//
// where each array is an int32 element count followed by elements made of a
// one byte type tag and the value. Strings inside arrays carry their own
// int32 length prefix.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

const (
	// MaxFrameSize bounds the frame length field. Larger frames are malformed.
	MaxFrameSize = 16 << 20

	lengthPrefixSize = 4
)

var (
	// ErrNeedMoreData means the buffer holds only part of a frame.
	ErrNeedMoreData = errors.New("wire: need more data")

	// ErrFrameTooLarge is returned by the encoder for records that do not fit in MaxFrameSize.
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")
)

// DecodeError describes a structurally invalid frame.
type DecodeError struct {
	Reason string
	// frameLen is the declared frame length, or -1 if the length prefix itself was invalid.
	frameLen int
}

func (e *DecodeError) Error() string {
	if e.frameLen < 0 {
		return "wire: malformed frame header: " + e.Reason
	}
	return fmt.Sprintf("wire: malformed frame (%d bytes): %s", e.frameLen, e.Reason)
}

// Recoverable reports whether the frame boundary is still known, so the
// caller can skip FrameSize bytes and resume with the next frame.
func (e *DecodeError) Recoverable() bool {
	return e.frameLen >= 0
}

// FrameSize is the number of bytes occupied by the offending frame including
// its length prefix. Only meaningful when Recoverable is true.
func (e *DecodeError) FrameSize() int {
	if e.frameLen < 0 {
		return 0
	}
	return lengthPrefixSize + e.frameLen
}

// IsMalformed reports whether err is (or wraps) a *DecodeError.
func IsMalformed(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// DecodeFrame decodes the first frame in buf. It returns the record and the
// number of bytes consumed, ErrNeedMoreData when buf holds an incomplete
// frame, or a *DecodeError when the frame is malformed.
func DecodeFrame(buf []byte) (Record, int, error) {
	if len(buf) < lengthPrefixSize {
		return Record{}, 0, ErrNeedMoreData
	}
	declared := int32(binary.BigEndian.Uint32(buf))
	if declared < 0 {
		return Record{}, 0, &DecodeError{Reason: fmt.Sprintf("negative frame length %d", declared), frameLen: -1}
	}
	if declared > MaxFrameSize {
		return Record{}, 0, &DecodeError{Reason: fmt.Sprintf("frame length %d exceeds limit %d", declared, MaxFrameSize), frameLen: -1}
	}
	total := lengthPrefixSize + int(declared)
	if len(buf) < total {
		return Record{}, 0, ErrNeedMoreData
	}

	r := frameReader{buf: buf[lengthPrefixSize:total]}
	rec, err := r.record()
	if err == nil && r.off != len(r.buf) {
		err = fmt.Errorf("%d trailing bytes after record", len(r.buf)-r.off)
	}
	if err != nil {
		return Record{}, 0, &DecodeError{Reason: err.Error(), frameLen: int(declared)}
	}
	return rec, total, nil
}

// EncodeFrame encodes rec into a new frame.
func EncodeFrame(rec Record) ([]byte, error) {
	return AppendFrame(nil, rec)
}

// AppendFrame appends the frame for rec to dst. On error dst is returned unchanged.
func AppendFrame(dst []byte, rec Record) ([]byte, error) {
	start := len(dst)
	out := append(dst, 0, 0, 0, 0)

	var err error
	if out, err = appendString(out, rec.StreamID); err != nil {
		return dst[:start], fmt.Errorf("stream identifier: %w", err)
	}
	out = binary.BigEndian.AppendUint64(out, uint64(rec.Timestamp))
	for _, section := range []struct {
		name string
		vals []Value
	}{{"meta", rec.Meta}, {"correlation", rec.Correlation}, {"payload", rec.Payload}} {
		if out, err = appendValues(out, section.vals); err != nil {
			return dst[:start], fmt.Errorf("%s: %w", section.name, err)
		}
	}

	n := len(out) - start - lengthPrefixSize
	if n > MaxFrameSize {
		return dst[:start], ErrFrameTooLarge
	}
	binary.BigEndian.PutUint32(out[start:], uint32(n))
	return out, nil
}

func appendString(dst []byte, s string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return dst, errors.New("string is not valid UTF-8")
	}
	if len(s) > MaxFrameSize {
		return dst, ErrFrameTooLarge
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...), nil
}

func appendValues(dst []byte, vals []Value) ([]byte, error) {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(vals)))
	var err error
	for i, v := range vals {
		dst = append(dst, byte(v.Kind))
		switch v.Kind {
		case KindInt32:
			if v.Int < math.MinInt32 || v.Int > math.MaxInt32 {
				return dst, fmt.Errorf("element %d: %d overflows int32", i, v.Int)
			}
			dst = binary.BigEndian.AppendUint32(dst, uint32(int32(v.Int)))
		case KindInt64:
			dst = binary.BigEndian.AppendUint64(dst, uint64(v.Int))
		case KindFloat32:
			dst = binary.BigEndian.AppendUint32(dst, math.Float32bits(float32(v.Float)))
		case KindFloat64:
			dst = binary.BigEndian.AppendUint64(dst, math.Float64bits(v.Float))
		case KindBool:
			if v.Bool {
				dst = append(dst, 1)
			} else {
				dst = append(dst, 0)
			}
		case KindString:
			if dst, err = appendString(dst, v.Str); err != nil {
				return dst, fmt.Errorf("element %d: %w", i, err)
			}
		default:
			return dst, fmt.Errorf("element %d: unknown type tag 0x%02x", i, uint8(v.Kind))
		}
	}
	return dst, nil
}

// frameReader walks the body of a single, fully buffered frame.
type frameReader struct {
	buf []byte
	off int
}

func (r *frameReader) take(n int) ([]byte, error) {
	if n < 0 || len(r.buf)-r.off < n {
		return nil, fmt.Errorf("field of %d bytes at offset %d overruns frame", n, r.off)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *frameReader) u8() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *frameReader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *frameReader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *frameReader) length() (int, error) {
	v, err := r.u32()
	if err != nil {
		return 0, err
	}
	n := int32(v)
	if n < 0 {
		return 0, fmt.Errorf("negative length %d at offset %d", n, r.off-4)
	}
	return int(n), nil
}

func (r *frameReader) str() (string, error) {
	n, err := r.length()
	if err != nil {
		return "", err
	}
	b, err := r.take(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", fmt.Errorf("invalid UTF-8 string at offset %d", r.off-n)
	}
	return string(b), nil
}

func (r *frameReader) values() ([]Value, error) {
	count, err := r.length()
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	// every element needs at least two bytes (tag + bool), which bounds the allocation
	if count > (len(r.buf)-r.off)/2 {
		return nil, fmt.Errorf("element count %d overruns frame", count)
	}
	vals := make([]Value, 0, count)
	for i := 0; i < count; i++ {
		tag, err := r.u8()
		if err != nil {
			return nil, err
		}
		var v Value
		switch Kind(tag) {
		case KindInt32:
			u, err := r.u32()
			if err != nil {
				return nil, err
			}
			v = Int32(int32(u))
		case KindInt64:
			u, err := r.u64()
			if err != nil {
				return nil, err
			}
			v = Int64(int64(u))
		case KindFloat32:
			u, err := r.u32()
			if err != nil {
				return nil, err
			}
			v = Float32(math.Float32frombits(u))
		case KindFloat64:
			u, err := r.u64()
			if err != nil {
				return nil, err
			}
			v = Float64(math.Float64frombits(u))
		case KindBool:
			b, err := r.u8()
			if err != nil {
				return nil, err
			}
			if b > 1 {
				return nil, fmt.Errorf("invalid bool byte 0x%02x in element %d", b, i)
			}
			v = Bool(b == 1)
		case KindString:
			s, err := r.str()
			if err != nil {
				return nil, err
			}
			v = String(s)
		default:
			return nil, fmt.Errorf("unknown type tag 0x%02x in element %d", tag, i)
		}
		vals = append(vals, v)
	}
	return vals, nil
}

func (r *frameReader) record() (Record, error) {
	var rec Record
	var err error
	if rec.StreamID, err = r.str(); err != nil {
		return Record{}, fmt.Errorf("stream identifier: %w", err)
	}
	ts, err := r.u64()
	if err != nil {
		return Record{}, fmt.Errorf("timestamp: %w", err)
	}
	rec.Timestamp = int64(ts)
	if rec.Meta, err = r.values(); err != nil {
		return Record{}, fmt.Errorf("meta: %w", err)
	}
	if rec.Correlation, err = r.values(); err != nil {
		return Record{}, fmt.Errorf("correlation: %w", err)
	}
	if rec.Payload, err = r.values(); err != nil {
		return Record{}, fmt.Errorf("payload: %w", err)
	}
	return rec, nil
}
