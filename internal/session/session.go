// Package session implements per-caller configuration, validation, and
// the submission/drain bookkeeping a single call cycles through (spec
// §3 Session, §4.D). It is grounded on the teacher's
// internal/ctrl DeviceParams/DefaultDeviceParams validate-then-store
// pattern, generalized from one block device's parameters to the
// accelerator's compress/decompress knobs.
package session

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dmaccel/qzgo/internal/constants"
	"github.com/dmaccel/qzgo/internal/interfaces"
)

// HuffmanMode selects static or dynamic Huffman coding for the hardware
// session (spec §6 huffman_hdr).
type HuffmanMode int

const (
	HuffmanStatic HuffmanMode = iota
	HuffmanDynamic
)

// Params is the validated, user-facing configuration (spec §6 parameter
// table).
type Params struct {
	HuffmanHdr       HuffmanMode
	Direction        interfaces.Direction
	CompLvl          int
	SWBackup         bool
	HWBuffSz         int
	InputSzThreshold int
	ReqCntThreshold  int
	PollSleep        time.Duration
}

// DefaultParams returns the spec's documented default configuration.
func DefaultParams() Params {
	return Params{
		HuffmanHdr:       HuffmanStatic,
		Direction:        interfaces.DirectionBoth,
		CompLvl:          constants.DefaultCompLevel,
		SWBackup:         true,
		HWBuffSz:         constants.DefaultHWBuffSz,
		InputSzThreshold: constants.DefaultInputSzThreshold,
		ReqCntThreshold:  constants.DefaultReqCntThreshold,
		PollSleep:        constants.DefaultPollSleep,
	}
}

// Validate checks every field against spec §6's ranges, returning a
// descriptive error on the first violation found (callers surface this
// as PARAMS).
func (p Params) Validate() error {
	if p.HuffmanHdr != HuffmanStatic && p.HuffmanHdr != HuffmanDynamic {
		return fmt.Errorf("session: invalid huffman_hdr %v", p.HuffmanHdr)
	}
	if p.Direction != interfaces.DirectionCompress && p.Direction != interfaces.DirectionDecompress && p.Direction != interfaces.DirectionBoth {
		return fmt.Errorf("session: invalid direction %v", p.Direction)
	}
	if p.CompLvl < constants.MinCompLevel || p.CompLvl > constants.MaxCompLevel {
		return fmt.Errorf("session: comp_lvl %d out of range [%d,%d]", p.CompLvl, constants.MinCompLevel, constants.MaxCompLevel)
	}
	if p.HWBuffSz < constants.MinHWBuffSz || p.HWBuffSz > constants.MaxHWBuffSz || !isPowerOfTwo(p.HWBuffSz) {
		return fmt.Errorf("session: hw_buff_sz %d must be a power of two in [%d,%d]", p.HWBuffSz, constants.MinHWBuffSz, constants.MaxHWBuffSz)
	}
	if p.InputSzThreshold < constants.MinInputSzThreshold || p.InputSzThreshold > constants.MaxHWBuffSz {
		return fmt.Errorf("session: input_sz_thrshold %d out of range [%d,%d]", p.InputSzThreshold, constants.MinInputSzThreshold, constants.MaxHWBuffSz)
	}
	if p.ReqCntThreshold < constants.MinReqCntThreshold || p.ReqCntThreshold > constants.MaxReqCntThreshold {
		return fmt.Errorf("session: req_cnt_thrshold %d out of range [%d,%d]", p.ReqCntThreshold, constants.MinReqCntThreshold, constants.MaxReqCntThreshold)
	}
	if p.PollSleep <= 0 {
		return fmt.Errorf("session: poll_sleep must be positive")
	}
	return nil
}

func isPowerOfTwo(n int) bool { return n > 0 && n&(n-1) == 0 }

// UsesDynamicHuffman reports the effective Huffman mode CPA
// session configuration should request.
func (p Params) UsesDynamicHuffman() bool { return p.HuffmanHdr == HuffmanDynamic }

// UsesSoftwareOnly reports whether this configuration forces every
// compress call through software regardless of pool status; decompress
// calls are not affected (spec §4.G "compress level
// 9", and non-goal "level 9 is always forced to software").
func (p Params) UsesSoftwareOnly() bool { return p.CompLvl == constants.SoftwareOnlyCompLevel }

// Session owns per-caller state across repeated compress/decompress
// calls (spec §3 Session). Exactly one call runs against a Session at a
// time; submit and drain may run on two different goroutines for the
// duration of a single call (spec §5 "Paired"), so the fields they both
// touch are atomics.
type Session struct {
	Params Params

	InstHint int

	seq    uint64
	seqIn  uint64

	submitted atomic.Uint64
	processed atomic.Uint64

	lastSubmitted  atomic.Bool
	stopSubmitting atomic.Bool
	forceSW        atomic.Bool

	// Current-call I/O cursors. NextDest is advanced only by drain.
	Src      []byte
	SrcSz    int
	DestSz   int
	NextDest int

	hasCRC     bool
	crc32      uint32
	crcStarted bool

	ThdSessStat   interfaces.JobStatus
	PoolBoundNoHW bool
}

// New constructs a session from validated params (spec §4.D
// setup_session).
func New(params Params) *Session {
	return &Session{Params: params}
}

// ResetCounters zeroes the per-call sequence/accounting state before a
// new compress/decompress call begins (spec §4.G step 6).
func (s *Session) ResetCounters() {
	s.seq = 0
	s.seqIn = 0
	s.submitted.Store(0)
	s.processed.Store(0)
	s.lastSubmitted.Store(false)
	s.stopSubmitting.Store(false)
	s.forceSW.Store(false)
	s.hasCRC = false
	s.crc32 = 0
	s.crcStarted = false
	s.NextDest = 0
}

// NextSeq returns the next submission sequence number and advances it
// (submit-only).
func (s *Session) NextSeq() uint64 {
	v := s.seq
	s.seq++
	return v
}

// RollbackSeq undoes the last NextSeq call (submit error path, spec
// §4.E "roll back ... seq ... by one").
func (s *Session) RollbackSeq() { s.seq-- }

// SeqIn returns the current drain-order cursor.
func (s *Session) SeqIn() uint64 { return s.seqIn }

// AdvanceSeqIn increments the drain-order cursor (drain-only).
func (s *Session) AdvanceSeqIn() { s.seqIn++ }

func (s *Session) IncSubmitted()  { s.submitted.Add(1) }
func (s *Session) DecSubmitted()  { s.submitted.Add(^uint64(0)) }
func (s *Session) IncProcessed()  { s.processed.Add(1) }
func (s *Session) Submitted() uint64 { return s.submitted.Load() }
func (s *Session) Processed() uint64 { return s.processed.Load() }

func (s *Session) SetLastSubmitted()     { s.lastSubmitted.Store(true) }
func (s *Session) LastSubmitted() bool   { return s.lastSubmitted.Load() }
func (s *Session) SetStopSubmitting()    { s.stopSubmitting.Store(true) }
func (s *Session) StopSubmitting() bool  { return s.stopSubmitting.Load() }

// LatchForceSW sets the one-way force_sw latch (spec §7 FORCE_SW
// recovery): once tripped, every remaining chunk in the call routes to
// software.
func (s *Session) LatchForceSW()   { s.forceSW.Store(true) }
func (s *Session) ForceSW() bool   { return s.forceSW.Load() }

// EnableCRC turns on the running CRC32 accumulator for this call (spec
// §6 compress_crc).
func (s *Session) EnableCRC() { s.hasCRC = true }
func (s *Session) HasCRC() bool { return s.hasCRC }

// AccumulateCRC folds in a chunk's checksum: the first chunk seeds the
// running value, later chunks combine via the codec's CRC32 combine
// (spec §4.F.e).
func (s *Session) AccumulateCRC(codec interfaces.Codec, chunkCRC uint32, chunkLen int) {
	if !s.crcStarted {
		s.crc32 = chunkCRC
		s.crcStarted = true
		return
	}
	s.crc32 = codec.CombineCRC32(s.crc32, chunkCRC, int64(chunkLen))
}

// CRC32 returns the accumulated checksum for the call just completed.
func (s *Session) CRC32() uint32 { return s.crc32 }
