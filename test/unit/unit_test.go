//go:build !integration

package unit

import (
	"context"
	"testing"

	"github.com/dmaccel/qzgo"
)

// TestRoundTripSmallInputSoftwarePath covers S1: a 5-byte input under the
// default input_sz_thrshold always takes the software path and round
// trips exactly.
func TestRoundTripSmallInputSoftwarePath(t *testing.T) {
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

	src := []byte("hello")
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
	if string(plain[:m]) != "hello" {
		t.Fatalf("decompressed = %q, want %q", plain[:m], "hello")
	}
}

// TestUndersizedOutputReturnsBufError covers S3: a destination far too
// small to hold the compressed output must fail with BUF_ERROR, and the
// session must remain usable afterward (the instance is released on
// every error path in call()).
func TestUndersizedOutputReturnsBufError(t *testing.T) {
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

	src := make([]byte, 128*1024)
	for i := range src {
		src[i] = byte(i)
	}
	dest := make([]byte, 100)

	_, status, err := sess.Compress(src, dest)
	if err == nil {
		t.Fatal("expected an error for an undersized destination")
	}
	if status != qzgo.StatusBufError {
		t.Fatalf("status = %s, want BUF_ERROR", status)
	}

	// The session must still be usable for a call that fits (S1 reuse).
	small := []byte("hello")
	fits := make([]byte, sess.MaxCompressedLength(int64(len(small))))
	_, status, err = sess.Compress(small, fits)
	if err != nil || status != qzgo.StatusOK {
		t.Fatalf("session not reusable after BUF_ERROR: status=%s err=%v", status, err)
	}
}

// TestHardwareUnavailableNoSWBackup covers S6: with sw_backup disabled
// and no driver instances available, compress must fail NOSW_NO_HW while
// set_defaults and max_compressed_length remain usable.
func TestHardwareUnavailableNoSWBackup(t *testing.T) {
	accel := qzgo.NewAccelerator(qzgo.NewMockDriver(0), qzgo.NewMockAllocator(), nil)
	if _, err := accel.Init(context.Background(), false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer accel.Close()

	params := qzgo.DefaultParams()
	params.SWBackup = false
	sess, err := accel.SetupSession(&params)
	if err != nil {
		t.Fatalf("SetupSession: %v", err)
	}
	defer sess.TeardownSession()

	src := make([]byte, 4096)
	for i := range src {
		src[i] = 'x'
	}
	dest := make([]byte, sess.MaxCompressedLength(int64(len(src))))

	_, status, err := sess.Compress(src, dest)
	if err == nil {
		t.Fatal("expected an error with no hardware and sw_backup disabled")
	}
	if status != qzgo.StatusNoSWNoHW {
		t.Fatalf("status = %s, want NOSW_NO_HW", status)
	}

	if err := qzgo.SetDefaults(qzgo.DefaultParams()); err != nil {
		t.Fatalf("SetDefaults still failing: %v", err)
	}
	if sess.MaxCompressedLength(4096) == 0 {
		t.Fatal("max_compressed_length should stay usable")
	}
}

func TestSetDefaultsValidatesBeforeInstalling(t *testing.T) {
	before := qzgo.GetDefaults()
	bad := before
	bad.HWBuffSz = 3 // not a power of two
	if err := qzgo.SetDefaults(bad); err == nil {
		t.Fatal("expected SetDefaults to reject a non-power-of-two hw_buff_sz")
	}
	if qzgo.GetDefaults() != before {
		t.Fatal("rejected defaults must not be installed")
	}
}
