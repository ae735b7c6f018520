// Copyright 2023 LiveKit, Inc.
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

package dependencydescriptor

import (
	"io"

	"github.com/pkg/errors"
)

var (
	ErrInsufficientSpace = errors.New("insufficient space")
	ErrInvalidBitCount   = errors.New("invalid number of bits, expected 0-64")
	ErrInvalidNumValues  = errors.New("invalid number of values, expected 1-2^31")
)

// bitWriter writes MSB first into a caller provided buffer.
type bitWriter struct {
	buf       []byte
	pos       int
	bitOffset int // bit offset in the current byte
}

func newBitWriter(buf []byte) *bitWriter {
	return &bitWriter{buf: buf}
}

func (w *bitWriter) RemainingBits() int {
	return (len(w.buf)-w.pos)*8 - w.bitOffset
}

func (w *bitWriter) WriteBool(val bool) error {
	if val {
		return w.WriteBits(1, 1)
	}
	return w.WriteBits(0, 1)
}

func (w *bitWriter) WriteBits(val uint64, bitCount int) error {
	if bitCount < 0 || bitCount > 64 {
		return ErrInvalidBitCount
	}
	if bitCount > w.RemainingBits() {
		return ErrInsufficientSpace
	}

	for bitCount > 0 {
		free := 8 - w.bitOffset
		n := bitCount
		if n > free {
			n = free
		}
		// top n of the remaining bits go into the current byte
		chunk := uint8((val >> uint(bitCount-n)) & ((1 << uint(n)) - 1))
		shift := uint(free - n)
		mask := uint8(((1 << uint(n)) - 1) << shift)
		w.buf[w.pos] = (w.buf[w.pos] &^ mask) | (chunk << shift)

		bitCount -= n
		w.bitOffset += n
		if w.bitOffset == 8 {
			w.bitOffset = 0
			w.pos++
		}
	}
	return nil
}

// WriteNonSymmetric writes val in [0, numValues) with the AV1 ns(n) encoding.
func (w *bitWriter) WriteNonSymmetric(val, numValues uint32) error {
	if !(val < numValues && numValues <= 1<<31) {
		return errors.Wrapf(ErrInvalidNumValues, "val %d, numValues %d", val, numValues)
	}
	if numValues == 1 {
		// a single possible value takes zero bits
		return nil
	}

	countBits := bitwidth(numValues)
	numMinBitsValues := (uint32(1) << countBits) - numValues
	if val < numMinBitsValues {
		return w.WriteBits(uint64(val), countBits-1)
	}
	return w.WriteBits(uint64(val+numMinBitsValues), countBits)
}

func sizeNonSymmetricBits(val, numValues uint32) int {
	if numValues <= 1 {
		return 0
	}
	countBits := bitwidth(numValues)
	numMinBitsValues := (uint32(1) << countBits) - numValues
	if val < numMinBitsValues {
		return countBits - 1
	}
	return countBits
}

// bitReader reads MSB first.
type bitReader struct {
	buf           []byte
	pos           int
	remainingBits int
}

func newBitReader(buf []byte) *bitReader {
	return &bitReader{buf: buf, remainingBits: len(buf) * 8}
}

func (r *bitReader) RemainingBits() int {
	return r.remainingBits
}

// ReadBits returns an unsigned integer in range [0, 2^bits - 1].
func (r *bitReader) ReadBits(bits int) (uint64, error) {
	if bits < 0 || bits > 64 {
		return 0, ErrInvalidBitCount
	}
	if r.remainingBits < bits {
		r.remainingBits = -1
		return 0, io.ErrUnexpectedEOF
	}

	var result uint64
	for bits > 0 {
		inByte := r.remainingBits % 8
		if inByte == 0 {
			inByte = 8
		}
		n := bits
		if n > inByte {
			n = inByte
		}
		shift := uint(inByte - n)
		chunk := (r.buf[r.pos] >> shift) & uint8((1<<uint(n))-1)
		result = (result << uint(n)) | uint64(chunk)

		bits -= n
		r.remainingBits -= n
		if r.remainingBits%8 == 0 {
			r.pos++
		}
	}
	return result, nil
}

func (r *bitReader) ReadBool() (bool, error) {
	val, err := r.ReadBits(1)
	return val != 0, err
}

// ReadNonSymmetric reads a value in range [0, numValues - 1].
// https://aomediacodec.github.io/av1-spec/#nsn
func (r *bitReader) ReadNonSymmetric(numValues uint32) (uint32, error) {
	if numValues == 0 || numValues > (uint32(1)<<31) {
		return 0, ErrInvalidNumValues
	}
	if numValues == 1 {
		return 0, nil
	}

	width := bitwidth(numValues)
	numMinBitsValues := (uint32(1) << width) - numValues

	val, err := r.ReadBits(width - 1)
	if err != nil {
		return 0, err
	}
	if val < uint64(numMinBitsValues) {
		return uint32(val), nil
	}
	bit, err := r.ReadBits(1)
	if err != nil {
		return 0, err
	}
	return uint32((val << 1) + bit - uint64(numMinBitsValues)), nil
}

func (r *bitReader) BytesRead() int {
	consumed := len(r.buf)*8 - r.remainingBits
	return (consumed + 7) / 8
}

func bitwidth(n uint32) int {
	var w int
	for n != 0 {
		n >>= 1
		w++
	}
	return w
}
