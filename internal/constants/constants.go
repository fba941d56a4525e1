// Package constants holds default configuration constants for the
// accelerator pool, sessions, and the gzip-style wire framing.
package constants

import "time"

// Session parameter defaults (spec §6 parameter ranges).
const (
	// DefaultHWBuffSz is the default hardware request chunk size (64 KiB).
	DefaultHWBuffSz = 64 * 1024

	// MinHWBuffSz / MaxHWBuffSz bound hw_buff_sz; it must be a power of two.
	MinHWBuffSz = 4 * 1024
	MaxHWBuffSz = 1 << 20

	// DefaultInputSzThreshold is the default size below which calls always
	// route to software (1 KiB).
	DefaultInputSzThreshold = 1024
	MinInputSzThreshold     = 64

	// DefaultReqCntThreshold is the default chunk-count boundary above
	// which submit and drain run on separate goroutines.
	DefaultReqCntThreshold = 4
	MinReqCntThreshold     = 1
	MaxReqCntThreshold     = 1 << 16

	// DefaultPollSleep is the default microsecond sleep between completion
	// polls and between accelerator RETRY responses.
	DefaultPollSleep = 10 * time.Microsecond

	// SlotHuntSleep is the nanosleep used while hunting for a free slot.
	SlotHuntSleep = 10 * time.Nanosecond

	// DefaultCompLevel is the default DEFLATE compression level.
	DefaultCompLevel = 1
	MinCompLevel     = 1
	MaxCompLevel     = 9

	// SoftwareOnlyCompLevel is the level always forced to software.
	SoftwareOnlyCompLevel = 9

	// RingDepth is the fixed number of slots (ring depth) per instance.
	RingDepth = 8

	// IntermediateBufferCount is the number of scratch buffers (M) an
	// instance keeps for the accelerator's intermediate-buffer requirement.
	IntermediateBufferCount = 2
)

// Driver start-up retry tuning, mirrored from the teacher's device
// start-up constants.
const (
	// MaxOpenRetry bounds attempts to start the driver in multi-process mode.
	MaxOpenRetry = 3

	// OpenRetryBackoff is the back-off between driver start attempts.
	OpenRetryBackoff = 100 * time.Millisecond

	// MaxNumRetry bounds consecutive RETRY responses accepted from the
	// accelerator for a single instance before the stream fails.
	MaxNumRetry = 16
)

// DestBufferSlack is the fractional overhead (+12.5%) plus fixed pad that
// destination DMA buffers carry over hw_buff_sz, to absorb DEFLATE
// expansion on incompressible input.
const (
	DestBufferSlackNumerator   = 9
	DestBufferSlackDenominator = 8
	DestBufferFixedPad         = 1024
)

// Gzip-style framing sizes (spec §4.A / §6 wire format).
const (
	GzipHeaderSize = 18 // 10-byte preamble + 8-byte custom extra subfield
	GzipFooterSize = 8  // crc32 + isize, little-endian

	// FrameMagic identifies the custom FEXTRA subfield that carries
	// compressed/original length metadata for a framed chunk.
	FrameMagic = uint16(0x515A) // "QZ"
)

// Driver tag names the environment/device tries in round-robin order when
// the build selects shared multi-instance devices.
var DriverTags = []string{"QATZIP", "QATZIP0", "QATZIP1", "QATZIP2"}
