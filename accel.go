// Package qzgo streams DEFLATE compression and decompression through a
// pool of asynchronous hardware accelerator instances, falling back to
// software when the accelerator is unavailable, the input is too small
// to amortize offload cost, or memory allocation fails.
//
// The orchestrator in this file plays the role the teacher's backend.go
// Device type plays for a ublk block device: it is the single entry
// point gluing configuration, the process-wide resource pool, and the
// per-call worker pipeline together, while delegating every concern to
// a narrowly scoped internal package.
package qzgo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/dmaccel/qzgo/internal/codec"
	"github.com/dmaccel/qzgo/internal/engine"
	"github.com/dmaccel/qzgo/internal/framer"
	"github.com/dmaccel/qzgo/internal/interfaces"
	"github.com/dmaccel/qzgo/internal/logging"
	"github.com/dmaccel/qzgo/internal/pool"
	"github.com/dmaccel/qzgo/internal/poolmaint"
	"github.com/dmaccel/qzgo/internal/session"
	"github.com/dmaccel/qzgo/internal/stage"
	"github.com/dmaccel/qzgo/internal/topology"
)

// Params is the validated per-session configuration (spec §6).
type Params = session.Params

// HuffmanMode selects static or dynamic Huffman coding.
type HuffmanMode = session.HuffmanMode

const (
	HuffmanStatic  = session.HuffmanStatic
	HuffmanDynamic = session.HuffmanDynamic
)

// Direction selects compress, decompress, or both for a session.
type Direction = interfaces.Direction

const (
	DirectionCompress   = interfaces.DirectionCompress
	DirectionDecompress = interfaces.DirectionDecompress
	DirectionBoth       = interfaces.DirectionBoth
)

// DefaultParams returns the library's documented default configuration
// (spec §6 parameter table).
func DefaultParams() Params { return session.DefaultParams() }

var (
	defaultsMu     sync.RWMutex
	processDefault = session.DefaultParams()
)

// GetDefaults returns the process-wide default parameters (spec §6
// get_defaults).
func GetDefaults() Params {
	defaultsMu.RLock()
	defer defaultsMu.RUnlock()
	return processDefault
}

// SetDefaults validates and installs new process-wide defaults (spec §6
// set_defaults); a subsequent SetupSession(nil) picks these up.
func SetDefaults(p Params) error {
	if err := p.Validate(); err != nil {
		return newError("SetDefaults", StatusParams, err.Error(), err)
	}
	defaultsMu.Lock()
	processDefault = p
	defaultsMu.Unlock()
	return nil
}

// Accelerator is the process-wide binding to a driver and DMA allocator
// (spec §3 Pool, one level up: the thing that owns the Pool singleton
// plus the software fallback collaborators).
type Accelerator struct {
	driver    interfaces.Driver
	allocator interfaces.DMAAllocator
	codec     interfaces.Codec
	logger    interfaces.Logger
	observer  interfaces.Observer
	metrics   *Metrics

	mu   sync.Mutex
	pool *pool.Pool

	janitorOnce sync.Once
	janitor     *poolmaint.Janitor
}

// NewAccelerator binds an Accelerator to a driver and allocator. Neither
// is touched until Init runs, either called explicitly or by the first
// Compress/Decompress call (spec §4.C init is lazy, not at construction).
func NewAccelerator(driver interfaces.Driver, allocator interfaces.DMAAllocator, logger interfaces.Logger) *Accelerator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Accelerator{
		driver:    driver,
		allocator: allocator,
		codec:     codec.New(),
		logger:    logger,
		metrics:   NewMetrics(),
	}
}

// SetObserver installs a metrics observer (nil disables observation).
func (a *Accelerator) SetObserver(obs interfaces.Observer) { a.observer = obs }

// Metrics returns the accelerator's built-in metrics sink.
func (a *Accelerator) Metrics() *Metrics { return a.metrics }

// Init brings up the accelerator pool, idempotently (spec §4.C, §4.G
// step 2). A second call is non-fatal.
func (a *Accelerator) Init(ctx context.Context, swBackup bool) (Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := pool.Init(ctx, a.driver, a.allocator, swBackup, a.logger)
	a.pool = p
	if err != nil {
		if errors.Is(err, pool.ErrDuplicate) {
			return StatusDuplicate, nil
		}
		var pe *pool.Error
		if errors.As(err, &pe) {
			st := statusFromPoolStatus(pe.Status)
			return st, newError("Init", st, "", err)
		}
		return StatusFail, newError("Init", StatusFail, "", err)
	}
	return statusFromPoolStatus(p.Status()), nil
}

// Close tears down the pool (spec §4.C process-exit hook, surfaced here
// as an explicit call too).
func (a *Accelerator) Close() error {
	a.mu.Lock()
	p := a.pool
	a.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Close()
}

func statusFromPoolStatus(s pool.Status) Status {
	switch s {
	case pool.StatusOK:
		return StatusOK
	case pool.StatusNoHW:
		return StatusNoHW
	default:
		return StatusNoSWNoHW
	}
}

// StartJanitor starts an optional background utilization logger on the
// given cron schedule (e.g. "@every 1m"). It is disabled by default and
// intended for long-running daemons that embed an Accelerator; it never
// touches the compress/decompress hot path.
func (a *Accelerator) StartJanitor(schedule string, logsPerSecond float64) error {
	a.mu.Lock()
	p := a.pool
	a.mu.Unlock()
	if p == nil {
		return fmt.Errorf("qzgo: StartJanitor: pool not initialized")
	}

	a.janitorOnce.Do(func() {
		a.janitor = poolmaint.New(p, a.logger, logsPerSecond)
	})
	return a.janitor.Start(schedule)
}

// StopJanitor stops the background utilization logger, if running.
func (a *Accelerator) StopJanitor() {
	if a.janitor != nil {
		a.janitor.Stop()
	}
}

// Session owns per-caller state across repeated compress/decompress
// calls (spec §3 Session, §4.D).
type Session struct {
	accel *Accelerator
	inner *session.Session

	mu sync.Mutex
}

// SetupSession validates params (nil inherits the process-wide
// defaults) and returns a new Session (spec §4.D setup_session).
func (a *Accelerator) SetupSession(params *Params) (*Session, error) {
	p := GetDefaults()
	if params != nil {
		p = *params
	}
	if err := p.Validate(); err != nil {
		return nil, newError("SetupSession", StatusParams, err.Error(), err)
	}
	return &Session{accel: a, inner: session.New(p)}, nil
}

// TeardownSession releases the session's reference to its accelerator
// (spec §4.D teardown_session). The pool and its instances outlive the
// session.
func (s *Session) TeardownSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accel = nil
	return nil
}

// MaxCompressedLength returns an upper bound on the framed output size
// for srcSz input bytes under this session's hw_buff_sz (spec §6).
func (s *Session) MaxCompressedLength(srcSz int64) uint32 {
	return framer.MaxCompressedLength(srcSz, s.inner.Params.HWBuffSz)
}

// GetStatus is left unimplemented: the specification does not define
// its semantics precisely enough to distinguish it from the status
// already returned by Compress/Decompress (Open Question).
func (s *Session) GetStatus() (Status, error) {
	return "", ErrNotImplemented
}

// Compress streams src through the accelerator (or software fallback),
// appending framed gzip-style output to dest (spec §4.G compress).
func (s *Session) Compress(src, dest []byte) (n int, status Status, err error) {
	return s.call("Compress", interfaces.DirectionCompress, src, dest, false)
}

// CompressCRC behaves like Compress but also returns the CRC32 of src
// (spec §6 compress_crc).
func (s *Session) CompressCRC(src, dest []byte) (n int, crc uint32, status Status, err error) {
	s.inner.EnableCRC()
	n, status, err = s.call("CompressCRC", interfaces.DirectionCompress, src, dest, true)
	return n, s.inner.CRC32(), status, err
}

// Decompress streams framed (or, per spec §4.A, standard gzip) src
// through the accelerator or software, writing plaintext to dest (spec
// §4.G decompress).
func (s *Session) Decompress(src, dest []byte) (n int, status Status, err error) {
	return s.call("Decompress", interfaces.DirectionDecompress, src, dest, false)
}

// call implements the shared orchestrator body for compress/decompress
// (spec §4.G), recording per-call metrics and forwarding them to any
// installed Observer regardless of which path the call took.
func (s *Session) call(op string, dir interfaces.Direction, src, dest []byte, withCRC bool) (n int, status Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	accel := s.accel
	start := time.Now()
	hw := false
	defer func() {
		if accel == nil {
			return
		}
		latencyNs := uint64(time.Since(start).Nanoseconds())
		success := err == nil
		if dir == interfaces.DirectionCompress {
			accel.metrics.ObserveCompress(uint64(len(src)), uint64(n), latencyNs, hw, success)
			if accel.observer != nil {
				accel.observer.ObserveCompress(uint64(len(src)), uint64(n), latencyNs, hw, success)
			}
		} else {
			accel.metrics.ObserveDecompress(uint64(len(src)), uint64(n), latencyNs, hw, success)
			if accel.observer != nil {
				accel.observer.ObserveDecompress(uint64(len(src)), uint64(n), latencyNs, hw, success)
			}
		}
		if !hw && success {
			accel.reportFallback(op)
		}
	}()

	if len(src) == 0 {
		return 0, StatusOK, nil
	}

	if accel == nil {
		return 0, StatusParams, newError(op, StatusParams, "session torn down", nil)
	}

	if _, initErr := accel.Init(context.Background(), s.inner.Params.SWBackup); initErr != nil && !errors.Is(initErr, pool.ErrDuplicate) {
		var qzErr *Error
		if errors.As(initErr, &qzErr) && qzErr.Status != StatusNoHW {
			return 0, qzErr.Status, qzErr
		}
	}

	if dir == interfaces.DirectionDecompress && framer.LooksLikeStandardGzip(src) {
		n, gzErr := accel.codec.DecompressGzip(dest, src)
		if gzErr != nil {
			return n, StatusDataError, newError(op, StatusDataError, "", gzErr)
		}
		return n, StatusForceSW, nil
	}

	useSoftware := len(src) < s.inner.Params.InputSzThreshold ||
		accel.poolStatus() == pool.StatusNoHW ||
		(dir == interfaces.DirectionCompress && s.inner.Params.UsesSoftwareOnly())

	if !useSoftware {
		accel.mu.Lock()
		p := accel.pool
		accel.mu.Unlock()

		if p == nil {
			if !s.inner.Params.SWBackup {
				return 0, StatusNoSWNoHW, newError(op, StatusNoSWNoHW, "pool not initialized", nil)
			}
			useSoftware = true
		} else {
			instIdx := p.Grab(s.inner.InstHint)
			if instIdx < 0 {
				if !s.inner.Params.SWBackup {
					if p.Len() == 0 {
						return 0, StatusNoSWNoHW, newError(op, StatusNoSWNoHW, "no accelerator instances", nil)
					}
					return 0, StatusNoSWNoInstAttach, newError(op, StatusNoSWNoInstAttach, "no free instance", nil)
				}
				useSoftware = true
			} else {
				s.inner.InstHint = instIdx
				inst := p.Instance(instIdx)

				setupLevel := s.inner.Params.CompLvl
				if err := inst.EnsureSetup(accel.allocator, accel.driver, s.inner.Params.HWBuffSz, dir, setupLevel, s.inner.Params.UsesDynamicHuffman()); err != nil {
					p.Release(instIdx)
					if !s.inner.Params.SWBackup {
						return 0, StatusNoSWLowMem, newError(op, StatusNoSWLowMem, "", err)
					}
					useSoftware = true
				} else {
					busy, total := p.Utilization()
					accel.metrics.ObservePoolUtilization(busy, total)

					n, callErr := s.runHardware(accel, inst, dir, src, dest, withCRC)
					p.Release(instIdx)
					if callErr != nil {
						return n, statusFromEngineErr(callErr), newError(op, statusFromEngineErr(callErr), "", callErr)
					}
					hw = true
					return n, StatusOK, nil
				}
			}
		}
	}

	n, err = s.runSoftware(accel, dir, src, dest, withCRC)
	if err != nil {
		return n, statusFromEngineErr(err), newError(op, statusFromEngineErr(err), "", err)
	}
	return n, StatusOK, nil
}

func (a *Accelerator) poolStatus() pool.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pool == nil {
		return pool.StatusUninitialized
	}
	return a.pool.Status()
}

// reportFallback records that a call of the named operation (e.g.
// "Compress") completed on the software path, both in the accelerator's
// own metrics and via any installed observer.
func (a *Accelerator) reportFallback(op string) {
	a.metrics.ObserveFallback(op)
	if a.observer != nil {
		a.observer.ObserveFallback(op)
	}
}

// runHardware drives the paired submit/drain pipeline over one grabbed
// instance (spec §4.G step 6, §5 scheduling).
func (s *Session) runHardware(accel *Accelerator, inst *pool.Instance, dir interfaces.Direction, src, dest []byte, withCRC bool) (int, error) {
	s.inner.ResetCounters()
	if withCRC {
		s.inner.EnableCRC()
	}

	req := &engine.Request{
		Sess: s.inner, Inst: inst, Driver: accel.driver, Codec: accel.codec,
		Allocator: accel.allocator, Logger: accel.logger,
		Dir: dir, Src: src, Dest: dest, WithCRC: withCRC,
	}

	divisor := s.inner.Params.HWBuffSz
	if dir == interfaces.DirectionDecompress {
		divisor = s.inner.Params.HWBuffSz / 2
	}
	reqcnt := int(math.Ceil(float64(len(src)) / float64(divisor)))

	if reqcnt > s.inner.Params.ReqCntThreshold {
		errCh := make(chan error, 1)
		cpus := topology.NodeCPUs(inst.NodeID)
		go func() {
			// Pin this submit goroutine's OS thread to the instance's NUMA
			// node, the same per-queue affinity the teacher gives ioLoop; the
			// goroutine's lifetime is exactly this one Submit call, so the
			// lock never leaks onto unrelated work.
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			if err := topology.PinCurrentThread(cpus); err != nil && accel.logger != nil {
				accel.logger.Debug("submit: thread pin failed, continuing unpinned", "node", inst.NodeID, "error", err)
			}
			errCh <- engine.Submit(req)
		}()
		n, drainErr := engine.Drain(req)
		submitErr := <-errCh
		if submitErr != nil {
			return n, submitErr
		}
		return n, drainErr
	}

	if err := engine.Submit(req); err != nil {
		return 0, err
	}
	return engine.Drain(req)
}

// runSoftware drives the non-hardware path: one software-encoded frame
// per hw_buff_sz chunk for compress, or a frame-by-frame software decode
// for decompress (the software path never touches the slot ring, since
// it has no asynchronous completions to order).
func (s *Session) runSoftware(accel *Accelerator, dir interfaces.Direction, src, dest []byte, withCRC bool) (int, error) {
	s.inner.ResetCounters()
	if withCRC {
		s.inner.EnableCRC()
	}
	if dir == interfaces.DirectionCompress {
		return s.softwareCompress(accel, src, dest, withCRC)
	}
	return s.softwareDecompress(accel, src, dest)
}

// softwareCompress chunks src at hw_buff_sz and frames each chunk
// independently, mirroring the hardware path's per-request framing (spec
// §4.E, §6) instead of emitting one frame for the whole input. Each
// chunk's compress scratch space comes from internal/stage: a pooled
// buffer when the chunk's worst-case compressed size fits the largest
// bucket (1MB), a direct allocation when it does not (hw_buff_sz of 1MB).
func (s *Session) softwareCompress(accel *Accelerator, src, dest []byte, withCRC bool) (int, error) {
	const headerLen = 18
	const footerLen = 8

	if len(src) == 0 {
		return 0, nil
	}

	chunkSz := s.inner.Params.HWBuffSz
	level := s.inner.Params.CompLvl
	n := 0
	offset := 0

	for offset < len(src) {
		end := offset + chunkSz
		if end > len(src) {
			end = len(src)
		}
		chunk := src[offset:end]

		scratchCap := int(framer.MaxCompressedLength(int64(len(chunk)), chunkSz))
		scratch := stage.Get(scratchCap)

		produced, err := accel.codec.Compress(scratch, chunk, level)
		if err != nil {
			stage.Put(scratch)
			return n, fmt.Errorf("%w: %v", engine.ErrBufError, err)
		}

		if n+headerLen+produced+footerLen > len(dest) {
			stage.Put(scratch)
			return n, engine.ErrBufError
		}

		hdr := framer.EncodeHeader(uint32(produced), uint32(len(chunk)), chunkSz)
		copy(dest[n:], hdr)
		n += headerLen
		copy(dest[n:], scratch[:produced])
		n += produced

		crc := accel.codec.CRC32(chunk)
		footer := framer.EncodeFooter(crc, uint32(len(chunk)))
		copy(dest[n:], footer)
		n += footerLen

		stage.Put(scratch)

		if withCRC {
			s.inner.EnableCRC()
			s.inner.AccumulateCRC(accel.codec, crc, len(chunk))
		}

		offset = end
	}
	return n, nil
}

func (s *Session) softwareDecompress(accel *Accelerator, src, dest []byte) (int, error) {
	offset, written := 0, 0
	for offset < len(src) {
		hdr, hdrLen, err := framer.Parse(src[offset:])
		if err != nil {
			return written, fmt.Errorf("%w: %v", engine.ErrDataError, err)
		}
		payloadEnd := hdrLen + int(hdr.CompressedLen)
		if payloadEnd+8 > len(src)-offset {
			return written, fmt.Errorf("%w: truncated frame", engine.ErrDataError)
		}
		footer, err := framer.ParseFooter(src[offset+payloadEnd : offset+payloadEnd+8])
		if err != nil {
			return written, fmt.Errorf("%w: %v", engine.ErrDataError, err)
		}
		if written+int(hdr.OriginalLen) > len(dest) {
			return written, engine.ErrBufError
		}

		n, err := accel.codec.Decompress(dest[written:written+int(hdr.OriginalLen)], src[offset+hdrLen:offset+payloadEnd])
		if err != nil {
			return written, fmt.Errorf("%w: %v", engine.ErrDataError, err)
		}
		if uint32(n) != footer.ISize || accel.codec.CRC32(dest[written:written+n]) != footer.CRC32 {
			return written, engine.ErrDataError
		}

		written += n
		offset += payloadEnd + 8
	}
	return written, nil
}

func statusFromEngineErr(err error) Status {
	switch {
	case errors.Is(err, engine.ErrBufError):
		return StatusBufError
	case errors.Is(err, engine.ErrDataError):
		return StatusDataError
	case errors.Is(err, engine.ErrFail):
		return StatusFail
	default:
		return StatusFail
	}
}
