// Package framer produces and parses the custom gzip-like framing that
// wraps every accelerator-produced chunk (spec §4.A). Marshalling follows
// the teacher's manual encoding/binary little-endian pattern rather than
// reflection, the same style internal/uapi used for kernel structs.
//
// Wire layout (18 bytes total, spec §6):
//
//	ID1, ID2, CM, FLG           4 bytes  (FLG has FEXTRA set)
//	MTIME[0:2] = magic          2 bytes  (repurposed: stateless chunks carry no timestamp)
//	MTIME[2:4] = reserved       2 bytes  (zero)
//	XFL = block_log2            1 byte
//	OS = 0xff                   1 byte
//	extra[0:4] = compressed_len  4 bytes LE
//	extra[4:8] = original_len    4 bytes LE
package framer

import (
	"encoding/binary"
	"fmt"

	"github.com/dmaccel/qzgo/internal/constants"
)

// Header is the parsed form of the 18-byte frame header.
type Header struct {
	CompressedLen uint32
	OriginalLen   uint32
	BlockLog2     uint8
}

// Footer is the parsed form of the 8-byte frame footer.
type Footer struct {
	CRC32 uint32
	ISize uint32
}

const (
	gzipID1   = 0x1f
	gzipID2   = 0x8b
	cmDeflate = 8
	flgFExtra = 1 << 2
	osUnknown = 0xff
)

// ErrNotFramed is returned by Parse when the header is a standard gzip
// header with no custom extra field - callers should route such streams
// to software decompress (spec §4.A, scenario S5).
var ErrNotFramed = fmt.Errorf("framer: standard gzip header, not a qzgo frame")

// ErrMalformed is returned when FEXTRA is set but the magic is wrong or
// the buffer is short - a mid-stream data error (spec §4.A, §7 DATA_ERROR).
var ErrMalformed = fmt.Errorf("framer: malformed frame header")

// EncodeHeader writes the 18-byte frame header for a chunk of
// compressedLen compressed bytes decoded from originalLen source bytes,
// using hwBuffSz to derive the block-size log2 field.
func EncodeHeader(compressedLen, originalLen uint32, hwBuffSz int) []byte {
	buf := make([]byte, constants.GzipHeaderSize)

	buf[0] = gzipID1
	buf[1] = gzipID2
	buf[2] = cmDeflate
	buf[3] = flgFExtra
	binary.LittleEndian.PutUint16(buf[4:6], constants.FrameMagic)
	// buf[6:8] reserved, left zero
	buf[8] = blockLog2(hwBuffSz)
	buf[9] = osUnknown

	extra := buf[10:18]
	binary.LittleEndian.PutUint32(extra[0:4], compressedLen)
	binary.LittleEndian.PutUint32(extra[4:8], originalLen)

	return buf
}

func blockLog2(hwBuffSz int) uint8 {
	var log2 uint8
	for v := hwBuffSz; v > 1; v >>= 1 {
		log2++
	}
	return log2
}

// Parse reads the frame header at the start of buf, returning the parsed
// Header and the number of header bytes consumed.
func Parse(buf []byte) (Header, int, error) {
	if len(buf) < constants.GzipHeaderSize {
		return Header{}, 0, ErrMalformed
	}
	if buf[0] != gzipID1 || buf[1] != gzipID2 || buf[2] != cmDeflate {
		return Header{}, 0, ErrMalformed
	}

	fextraSet := buf[3]&flgFExtra != 0
	if !fextraSet {
		return Header{}, 0, ErrNotFramed
	}

	magic := binary.LittleEndian.Uint16(buf[4:6])
	if magic != constants.FrameMagic {
		// FEXTRA was set but the magic doesn't match: inconsistent framing.
		return Header{}, 0, ErrMalformed
	}

	extra := buf[10:18]
	h := Header{
		BlockLog2:     buf[8],
		CompressedLen: binary.LittleEndian.Uint32(extra[0:4]),
		OriginalLen:   binary.LittleEndian.Uint32(extra[4:8]),
	}
	return h, constants.GzipHeaderSize, nil
}

// EncodeFooter writes the 8-byte CRC32+ISize footer.
func EncodeFooter(crc32, isize uint32) []byte {
	buf := make([]byte, constants.GzipFooterSize)
	binary.LittleEndian.PutUint32(buf[0:4], crc32)
	binary.LittleEndian.PutUint32(buf[4:8], isize)
	return buf
}

// ParseFooter reads the 8-byte footer.
func ParseFooter(buf []byte) (Footer, error) {
	if len(buf) < constants.GzipFooterSize {
		return Footer{}, ErrMalformed
	}
	return Footer{
		CRC32: binary.LittleEndian.Uint32(buf[0:4]),
		ISize: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// LooksLikeStandardGzip reports whether buf starts with a standard gzip
// member (ID1/ID2/CM correct) that has no FEXTRA flag set - used by the
// orchestrator to route plain gzip streams to software decompress
// (spec §4.A, scenario S5).
func LooksLikeStandardGzip(buf []byte) bool {
	if len(buf) < 10 {
		return false
	}
	if buf[0] != gzipID1 || buf[1] != gzipID2 || buf[2] != cmDeflate {
		return false
	}
	return buf[3]&flgFExtra == 0
}

// MaxCompressedLength returns an upper bound on the framed output size for
// srcSz bytes of input, chunked at hwBuffSz per spec §6. Monotone in srcSz:
// each additional byte can only add to a partial final chunk or push a new
// whole chunk, both non-decreasing contributions.
func MaxCompressedLength(srcSz int64, hwBuffSz int) uint32 {
	if srcSz <= 0 {
		return 0
	}
	const skidPad = 64

	full := srcSz / int64(hwBuffSz)
	rem := srcSz % int64(hwBuffSz)

	perChunk := func(n int64) int64 {
		// Worst-case DEFLATE expansion: ceil(9*n/8) plus fixed overhead.
		return (9*n+7)/8 + skidPad + constants.GzipHeaderSize + constants.GzipFooterSize
	}

	total := full * perChunk(int64(hwBuffSz))
	if rem > 0 {
		total += perChunk(rem)
	}
	return uint32(total)
}
