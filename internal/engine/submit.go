// Package engine implements the paired submit/drain pipeline that chunks
// one compress or decompress call into fixed-size hardware requests
// (spec §4.E, §4.F). It is grounded on the teacher's
// internal/queue/runner.go ioLoop/submitInitialFetchReq/handleCompletion
// split: the teacher pairs a fetch loop with a commit loop over a tag
// ring; here submit/drain play the same roles over a slot.Ring, with the
// four-counter handshake (internal/slot) standing in for the teacher's
// three-state TagState.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/dmaccel/qzgo/internal/constants"
	"github.com/dmaccel/qzgo/internal/framer"
	"github.com/dmaccel/qzgo/internal/interfaces"
	"github.com/dmaccel/qzgo/internal/pool"
	"github.com/dmaccel/qzgo/internal/session"
)

// ErrBufError reports an exhausted destination budget (spec §7
// BUF_ERROR).
var ErrBufError = errors.New("engine: destination buffer exhausted")

// ErrDataError reports a footer/header mismatch mid-stream (spec §7
// DATA_ERROR).
var ErrDataError = errors.New("engine: decompressed data failed verification")

// ErrFail reports a poll failure, retry-cap exhaustion, or a callback
// failure status (spec §7 FAIL).
var ErrFail = errors.New("engine: hardware request failed")

// Request bundles everything the submit/drain pair needs for one call.
type Request struct {
	Sess      *session.Session
	Inst      *pool.Instance
	Driver    interfaces.Driver
	Codec     interfaces.Codec
	Allocator interfaces.DMAAllocator
	Logger    interfaces.Logger

	Dir interfaces.Direction // DirectionCompress or DirectionDecompress for this call

	Src  []byte
	Dest []byte

	WithCRC bool
}

// chunkPlan is what the submit loop computed for one slot before handing
// it to the driver.
type chunkPlan struct {
	srcView       []byte // bytes fed to the accelerator
	consumed      int    // bytes consumed from Sess.Src for this chunk
	footerCRC     uint32 // decompress only: from the parsed gzip footer
	footerOrigLen int    // decompress only: from the parsed gzip footer
}

// Submit runs the producer loop (spec §4.E). It terminates when the
// input is exhausted, on an unrecoverable error (rolling back the
// reserved slot first), or when drain has signaled StopSubmitting.
func Submit(req *Request) error {
	sess := req.Sess
	offset := 0
	retries := 0

	for offset < len(req.Src) {
		if sess.StopSubmitting() {
			return nil
		}

		j := req.Inst.Ring.FindFree()
		s := req.Inst.Ring.At(j)

		plan, err := planChunk(req, offset)
		if err != nil {
			s.RollbackReservation(false)
			return fmt.Errorf("engine: submit: %w", err)
		}

		seq := sess.NextSeq()
		sess.IncSubmitted()

		isFirstChunk := seq == 0
		srcView, srcPinned := chooseSrcView(req, plan.srcView)
		destView, destPinned := chooseDestView(req, sess, isFirstChunk)

		s.WithLock(func() {
			s.Seq = seq
			s.SrcPinned = srcPinned
			s.DestPinned = destPinned
			s.OrigSrc = plan.srcView
			s.OrigDest = destView
			s.FooterCRC = plan.footerCRC
			s.FooterOrigLen = uint32(plan.footerOrigLen)
		})

		s.HandOff()

		tag := uint64(req.Inst.ID)<<16 | uint64(j)
		if !srcPinned {
			copy(req.Inst.SrcBuffer(j)[:len(plan.srcView)], plan.srcView)
			srcView = req.Inst.SrcBuffer(j)[:len(plan.srcView)]
		}
		if !destPinned {
			destView = req.Inst.DestBuffer(j)
		}

		if err := req.Driver.Submit(req.Inst.ID, j, tag, req.Dir, srcView, destView); err != nil {
			if errors.Is(err, interfaces.ErrRetry) {
				retries++
				if retries > constants.MaxNumRetry {
					s.RollbackReservation(true)
					sess.RollbackSeq()
					sess.DecSubmitted()
					sess.SetStopSubmitting()
					return fmt.Errorf("engine: submit: %w: retry cap exceeded", ErrFail)
				}
				s.RollbackReservation(true)
				sess.RollbackSeq()
				sess.DecSubmitted()
				time.Sleep(sess.Params.PollSleep)
				continue
			}
			s.RollbackReservation(true)
			sess.RollbackSeq()
			sess.DecSubmitted()
			sess.SetStopSubmitting()
			return fmt.Errorf("engine: submit: %w: %v", ErrFail, err)
		}
		retries = 0

		offset += plan.consumed
		if offset >= len(req.Src) {
			sess.SetLastSubmitted()
		}
	}

	if len(req.Src) == 0 {
		sess.SetLastSubmitted()
	}
	return nil
}

// planChunk computes the next chunk's source view and bookkeeping,
// branching on direction since decompress must parse the wire framing
// to find the chunk boundary while compress just takes the next
// hw_buff_sz window of plaintext (spec §4.A, §4.E step 2).
func planChunk(req *Request, offset int) (chunkPlan, error) {
	remaining := req.Src[offset:]
	if req.Dir == interfaces.DirectionCompress {
		n := len(remaining)
		if n > req.Sess.Params.HWBuffSz {
			n = req.Sess.Params.HWBuffSz
		}
		return chunkPlan{srcView: remaining[:n], consumed: n}, nil
	}

	hdr, hdrLen, err := framer.Parse(remaining)
	if err != nil {
		return chunkPlan{}, err
	}
	payloadEnd := hdrLen + int(hdr.CompressedLen)
	if payloadEnd+constants.GzipFooterSize > len(remaining) {
		return chunkPlan{}, fmt.Errorf("engine: truncated frame: %w", ErrDataError)
	}
	footer, err := framer.ParseFooter(remaining[payloadEnd : payloadEnd+constants.GzipFooterSize])
	if err != nil {
		return chunkPlan{}, err
	}
	consumed := payloadEnd + constants.GzipFooterSize
	return chunkPlan{
		srcView:       remaining[hdrLen:payloadEnd],
		consumed:      consumed,
		footerCRC:     footer.CRC32,
		footerOrigLen: int(footer.ISize),
	}, nil
}

// chooseSrcView decides whether the chunk's bytes can be handed to the
// driver directly (already DMA-pinned caller memory) instead of being
// bounce-copied into the instance's pre-allocated buffer (spec §4.E step
//5).
func chooseSrcView(req *Request, chunk []byte) (view []byte, pinned bool) {
	if req.Allocator != nil && req.Allocator.IsPinned(chunk) {
		return chunk, true
	}
	return chunk, false
}

// chooseDestView applies the spec's destination zero-copy rule: only the
// call's first chunk is eligible, keyed on the session's sequence
// counter rather than the slot's (Open Question resolution: slot.seq==0
// conflates slot reuse across calls with "first chunk of this call").
func chooseDestView(req *Request, sess *session.Session, isFirstChunk bool) (view []byte, pinned bool) {
	if !isFirstChunk || req.Allocator == nil {
		return nil, false
	}
	// Compress output reserves room for the framing header drain writes
	// after the fact; the pinned window only covers the payload.
	payloadStart := sess.NextDest
	if req.Dir == interfaces.DirectionCompress {
		payloadStart += constants.GzipHeaderSize
	}
	if payloadStart > len(req.Dest) {
		return nil, false
	}
	remainingDest := req.Dest[payloadStart:]
	if req.Allocator.IsPinned(remainingDest) {
		return remainingDest, true
	}
	return nil, false
}
