//go:build integration

package integration

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/rand"
	"encoding/binary"
	"testing"

	"github.com/dmaccel/qzgo"
)

// TestRoundTripLargeInputHardwarePath covers S2: a 1 MiB input chunked
// at hw_buff_sz=64KiB must produce framed output whose round trip
// recovers the exact original bytes, regardless of how many requests the
// paired submit/drain pipeline used to get there.
func TestRoundTripLargeInputHardwarePath(t *testing.T) {
	accel := qzgo.NewAccelerator(qzgo.NewMockDriver(2), qzgo.NewMockAllocator(), nil)
	if _, err := accel.Init(context.Background(), true); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer accel.Close()

	params := qzgo.DefaultParams()
	params.HWBuffSz = 64 * 1024
	params.ReqCntThreshold = 4
	params.InputSzThreshold = qzgo.MinInputSzThreshold
	sess, err := accel.SetupSession(&params)
	if err != nil {
		t.Fatalf("SetupSession: %v", err)
	}
	defer sess.TeardownSession()

	src := make([]byte, 1<<20)
	if _, err := rand.Read(src); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	dest := make([]byte, sess.MaxCompressedLength(int64(len(src))))
	n, status, err := sess.Compress(src, dest)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if status != qzgo.StatusOK {
		t.Fatalf("Compress status = %s, want OK", status)
	}

	plain := make([]byte, len(src))
	m, status, err := sess.Decompress(dest[:n], plain)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if status != qzgo.StatusOK {
		t.Fatalf("Decompress status = %s, want OK", status)
	}
	if !bytes.Equal(plain[:m], src) {
		t.Fatal("round trip over 1 MiB of random data did not match")
	}
}

// TestCorruptedFooterReturnsDataError covers S4: flipping a bit in one
// chunk's CRC32 footer must surface DATA_ERROR, reporting how many bytes
// were consumed up to the failure, while the untouched original stream
// still decompresses cleanly afterward.
func TestCorruptedFooterReturnsDataError(t *testing.T) {
	accel := qzgo.NewAccelerator(qzgo.NewMockDriver(2), qzgo.NewMockAllocator(), nil)
	if _, err := accel.Init(context.Background(), true); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer accel.Close()

	params := qzgo.DefaultParams()
	params.HWBuffSz = 64 * 1024
	params.InputSzThreshold = qzgo.MinInputSzThreshold
	sess, err := accel.SetupSession(&params)
	if err != nil {
		t.Fatalf("SetupSession: %v", err)
	}
	defer sess.TeardownSession()

	src := make([]byte, 256*1024)
	if _, err := rand.Read(src); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	dest := make([]byte, sess.MaxCompressedLength(int64(len(src))))
	n, _, err := sess.Compress(src, dest)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	framed := dest[:n]

	corrupted := append([]byte(nil), framed...)
	// Flip a bit in the CRC32 field of the third chunk's footer. Each frame
	// is an 18-byte header (compressed_len at bytes 10..14), the payload,
	// and an 8-byte footer whose first four bytes are the CRC32.
	off := 0
	for i := 0; i < 2; i++ {
		off += 18 + int(binary.LittleEndian.Uint32(corrupted[off+10:off+14])) + 8
	}
	thirdClen := int(binary.LittleEndian.Uint32(corrupted[off+10 : off+14]))
	corrupted[off+18+thirdClen] ^= 0x01

	plain := make([]byte, len(src))
	_, status, err := sess.Decompress(corrupted, plain)
	if err == nil {
		t.Fatal("expected a DATA_ERROR from the corrupted stream")
	}
	if status != qzgo.StatusDataError {
		t.Fatalf("status = %s, want DATA_ERROR", status)
	}

	// The untouched original must still round trip.
	plain2 := make([]byte, len(src))
	m, status, err := sess.Decompress(framed, plain2)
	if err != nil {
		t.Fatalf("Decompress(original): %v", err)
	}
	if status != qzgo.StatusOK || !bytes.Equal(plain2[:m], src) {
		t.Fatal("untouched original failed to decompress after the corrupted attempt")
	}
}

// TestStandardGzipDetectionRoutesToSoftware covers S5: a stream produced
// by the standard library's gzip writer (no custom extra field) must be
// recognized and decoded without going through the accelerator.
func TestStandardGzipDetectionRoutesToSoftware(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	payload := []byte("a standard gzip stream produced outside qzgo")
	if _, err := gz.Write(payload); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	accel := qzgo.NewAccelerator(qzgo.NewMockDriver(1), qzgo.NewMockAllocator(), nil)
	if _, err := accel.Init(context.Background(), true); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer accel.Close()
	sess, err := accel.SetupSession(nil)
	if err != nil {
		t.Fatalf("SetupSession: %v", err)
	}
	defer sess.TeardownSession()

	dest := make([]byte, 4096)
	n, status, err := sess.Decompress(buf.Bytes(), dest)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if status != qzgo.StatusForceSW {
		t.Fatalf("status = %s, want FORCE_SW", status)
	}
	if !bytes.Equal(dest[:n], payload) {
		t.Fatalf("decoded = %q, want %q", dest[:n], payload)
	}
}
