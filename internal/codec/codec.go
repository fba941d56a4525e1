// Package codec implements the software DEFLATE fallback used whenever the
// orchestrator decides a call (or chunk) cannot go to hardware (spec §9
// "Software fallback"). It is the only place in the module that reaches
// for an actual DEFLATE implementation, grounded on the klauspost/compress
// stack the nishisan-dev-n-backup repo in the corpus uses for the same
// concern.
package codec

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"

	"github.com/dmaccel/qzgo/internal/interfaces"
)

// Software implements interfaces.Codec on top of klauspost/compress/flate.
type Software struct{}

// New returns the default software codec.
func New() *Software { return &Software{} }

var _ interfaces.Codec = (*Software)(nil)

// Compress writes the DEFLATE encoding of src into dest at the requested
// level, returning bytes produced or an error if dest is too small.
func (Software) Compress(dest, src []byte, level int) (int, error) {
	if level < flate.HuffmanOnly || level > flate.BestCompression {
		level = flate.DefaultCompression
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return 0, fmt.Errorf("codec: new flate writer: %w", err)
	}
	if _, err := w.Write(src); err != nil {
		return 0, fmt.Errorf("codec: flate write: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("codec: flate close: %w", err)
	}

	if buf.Len() > len(dest) {
		return 0, fmt.Errorf("codec: compressed output %d exceeds dest %d", buf.Len(), len(dest))
	}
	return copy(dest, buf.Bytes()), nil
}

// Decompress inflates src into dest, returning bytes produced.
func (Software) Decompress(dest, src []byte) (int, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()

	n, err := io.ReadFull(r, dest)
	if err != nil && err != io.ErrUnexpectedEOF {
		return n, fmt.Errorf("codec: flate read: %w", err)
	}
	// Confirm the stream is fully consumed (no trailing garbage expected
	// for a single framed chunk's deflate payload).
	var extra [1]byte
	if m, _ := r.Read(extra[:]); m > 0 {
		return n, fmt.Errorf("codec: dest %d too small for decompressed stream", len(dest))
	}
	return n, nil
}

// DecompressGzip inflates a standard gzip stream (no custom framing) into
// dest, for the case where decompress is handed a member this library
// didn't produce (spec §4.A "distinguish a standard gzip stream", §8
// scenario S5).
func (Software) DecompressGzip(dest, src []byte) (int, error) {
	r, err := gzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return 0, fmt.Errorf("codec: gzip header: %w", err)
	}
	defer r.Close()

	n, err := io.ReadFull(r, dest)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return n, fmt.Errorf("codec: gzip read: %w", err)
	}
	return n, nil
}

// CRC32 returns the CRC32 (IEEE) checksum of p.
func (Software) CRC32(p []byte) uint32 {
	return crc32.ChecksumIEEE(p)
}

// CombineCRC32 combines a running CRC32 with the CRC32 of a subsequent
// block of len2 bytes, matching the accelerator's per-chunk CRC combine
// step (spec §4.F.e) without re-scanning already-checksummed bytes.
//
// hash/crc32 exposes no zlib-style crc32_combine, and no dependency in
// the corpus carries one either (spec §1 lists "CRC32 combination
// arithmetic" as an external collaborator), so this is the one narrow
// piece of DEFLATE-adjacent math implemented directly, using the
// standard GF(2) polynomial-exponentiation combine algorithm.
func (Software) CombineCRC32(crc1, crc2 uint32, len2 int64) uint32 {
	return combineIEEE(crc1, crc2, len2)
}

const ieeePoly = 0xedb88320

// gf2MatrixTimes multiplies a GF(2) vector by a matrix, one column per
// uint32 entry, the classic bit-matrix trick used by zlib's crc32_combine.
func gf2MatrixTimes(mat [32]uint32, vec uint32) uint32 {
	var sum uint32
	for i := 0; vec != 0; i++ {
		if vec&1 != 0 {
			sum ^= mat[i]
		}
		vec >>= 1
	}
	return sum
}

func gf2MatrixSquare(square, mat *[32]uint32) {
	for i := 0; i < 32; i++ {
		square[i] = gf2MatrixTimes(*mat, mat[i])
	}
}

func combineIEEE(crc1, crc2 uint32, len2 int64) uint32 {
	if len2 <= 0 {
		return crc1
	}

	var even, odd [32]uint32

	// odd: CRC matrix for a single zero bit.
	odd[0] = ieeePoly
	row := uint32(1)
	for i := 1; i < 32; i++ {
		odd[i] = row
		row <<= 1
	}

	gf2MatrixSquare(&even, &odd) // even: two zero bits
	gf2MatrixSquare(&odd, &even) // odd: four zero bits

	crc1n := crc1
	n := uint64(len2)
	for {
		gf2MatrixSquare(&even, &odd)
		if n&1 != 0 {
			crc1n = gf2MatrixTimes(even, crc1n)
		}
		n >>= 1
		if n == 0 {
			break
		}
		gf2MatrixSquare(&odd, &even)
		if n&1 != 0 {
			crc1n = gf2MatrixTimes(odd, crc1n)
		}
		n >>= 1
		if n == 0 {
			break
		}
	}

	return crc1n ^ crc2
}
