package engine

import (
	"fmt"
	"time"

	"github.com/dmaccel/qzgo/internal/constants"
	"github.com/dmaccel/qzgo/internal/framer"
	"github.com/dmaccel/qzgo/internal/interfaces"
)

// pollTimeout is passed to Driver.Poll meaning "return immediately with
// whatever has completed"; the drain loop itself owns the poll_sleep
// back-off between rounds (spec §4.F step 4).
const pollTimeout = 0

// Drain runs the consumer loop (spec §4.F). It writes framed output
// chunks (compress) or verified plaintext (decompress) into req.Dest in
// strict submission order, regardless of hardware completion order, and
// returns the total bytes written.
func Drain(req *Request) (int, error) {
	sess := req.Sess
	ring := req.Inst.Ring

	for !sess.LastSubmitted() || sess.Processed() < sess.Submitted() {
		completions, err := req.Driver.Poll(req.Inst.ID, pollTimeout)
		if err != nil {
			sess.SetStopSubmitting()
			return sess.NextDest, fmt.Errorf("engine: drain poll: %w: %v", ErrFail, err)
		}
		for _, c := range completions {
			j := int(c.Tag & 0xFFFF)
			if !ring.At(j).Complete(c.Result.Status, c.Result) {
				if req.Logger != nil {
					req.Logger.Warn("drain: completion for slot not in-flight", "slot", j, "tag", c.Tag)
				}
			}
		}

		progressed := false
		for {
			j := ring.FindDrainReady(sess.SeqIn())
			if j < 0 {
				break
			}
			progressed = true
			if err := emit(req, j); err != nil {
				sess.SetStopSubmitting()
				return sess.NextDest, err
			}
		}

		if !progressed && len(completions) == 0 {
			time.Sleep(sess.Params.PollSleep)
		}
	}

	return sess.NextDest, nil
}

// emit handles one drain-ready slot: assert ordering, validate/transform
// its result, append to req.Dest, and retire the slot (spec §4.F steps
// 3a-3f).
func emit(req *Request, j int) error {
	sess := req.Sess
	s := req.Inst.Ring.At(j)

	var (
		status        interfaces.JobStatus
		result        interfaces.JobResult
		seq           uint64
		destPinned    bool
		footerCRC     uint32
		footerOrigLen uint32
	)
	s.WithLock(func() {
		status = s.JobStatus
		result = s.Result
		seq = s.Seq
		destPinned = s.DestPinned
		footerCRC = s.FooterCRC
		footerOrigLen = s.FooterOrigLen
	})

	if status != interfaces.JobOK {
		s.Drain()
		sess.IncProcessed()
		return fmt.Errorf("engine: drain: %w: chunk status %v", ErrFail, status)
	}
	if seq != sess.SeqIn() {
		s.Drain()
		sess.IncProcessed()
		return fmt.Errorf("engine: drain: ordering violation: got seq %d, want %d", seq, sess.SeqIn())
	}
	sess.AdvanceSeqIn()

	var writeErr error
	if req.Dir == interfaces.DirectionCompress {
		writeErr = emitCompress(req, j, result, destPinned)
	} else {
		writeErr = emitDecompress(req, j, result, destPinned, footerCRC, footerOrigLen)
	}

	s.Drain()
	sess.IncProcessed()
	return writeErr
}

func emitCompress(req *Request, j int, result interfaces.JobResult, destPinned bool) error {
	sess := req.Sess
	need := constants.GzipHeaderSize + int(result.Produced) + constants.GzipFooterSize
	if sess.NextDest+need > len(req.Dest) {
		return fmt.Errorf("engine: drain: %w", ErrBufError)
	}

	out := req.Dest[sess.NextDest:]
	hdr := framer.EncodeHeader(result.Produced, result.Consumed, sess.Params.HWBuffSz)
	n := copy(out, hdr)

	if destPinned {
		// The accelerator wrote directly into the caller's destination
		// slice; the payload is already at out[n:n+produced].
		n += int(result.Produced)
	} else {
		n += copy(out[n:], req.Inst.DestBuffer(j)[:result.Produced])
	}

	if req.WithCRC {
		sess.AccumulateCRC(req.Codec, result.Checksum, int(result.Consumed))
	}

	footer := framer.EncodeFooter(result.Checksum, result.Consumed)
	n += copy(out[n:], footer)

	sess.NextDest += n
	return nil
}

func emitDecompress(req *Request, j int, result interfaces.JobResult, destPinned bool, footerCRC, footerOrigLen uint32) error {
	sess := req.Sess
	if result.Produced != footerOrigLen || result.Checksum != footerCRC {
		return fmt.Errorf("engine: drain: %w", ErrDataError)
	}
	if sess.NextDest+int(result.Produced) > len(req.Dest) {
		return fmt.Errorf("engine: drain: %w", ErrBufError)
	}

	if !destPinned {
		copy(req.Dest[sess.NextDest:], req.Inst.DestBuffer(j)[:result.Produced])
	}
	sess.NextDest += int(result.Produced)
	return nil
}
