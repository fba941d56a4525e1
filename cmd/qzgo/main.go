// Command qzgo is a gzip-style compress/decompress CLI built on
// the qzgo library. It ships with no real accelerator driver binding -
// that binding is an external collaborator the library takes by
// interface - so on a machine with no hardware module loaded it
// demonstrates the full software-fallback path end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/dmaccel/qzgo"
	"github.com/dmaccel/qzgo/backend"
	"github.com/dmaccel/qzgo/internal/interfaces"
	"github.com/dmaccel/qzgo/internal/logging"
)

func main() {
	var (
		decompress = flag.Bool("d", false, "decompress instead of compress")
		level      = flag.Int("level", qzgo.DefaultCompLevel, "compression level (1-9, 9 forces software)")
		hwBuffSz   = flag.Int("hw-buff-sz", qzgo.DefaultHWBuffSz, "hardware request chunk size in bytes")
		verbose    = flag.Bool("v", false, "verbose logging")
		inPath     = flag.String("in", "", "input file (default stdin)")
		outPath    = flag.String("out", "", "output file (default stdout)")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	in, err := openInput(*inPath)
	if err != nil {
		log.Fatalf("qzgo: %v", err)
	}
	defer in.Close()

	out, err := openOutput(*outPath)
	if err != nil {
		log.Fatalf("qzgo: %v", err)
	}
	defer out.Close()

	src, err := io.ReadAll(in)
	if err != nil {
		log.Fatalf("qzgo: read input: %v", err)
	}

	accel := qzgo.NewAccelerator(&unavailableDriver{}, backend.NewShardedAllocator(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandlers(cancel)

	status, err := accel.Init(ctx, true)
	logger.Info("accelerator init", "status", status, "error", err)

	params := qzgo.DefaultParams()
	params.CompLvl = *level
	params.HWBuffSz = *hwBuffSz

	sess, err := accel.SetupSession(&params)
	if err != nil {
		log.Fatalf("qzgo: setup session: %v", err)
	}
	defer sess.TeardownSession()

	dest := make([]byte, int(sess.MaxCompressedLength(int64(len(src))))+len(src)+64)
	var n int
	var callStatus qzgo.Status

	if *decompress {
		n, callStatus, err = sess.Decompress(src, dest)
	} else {
		n, callStatus, err = sess.Compress(src, dest)
	}
	if err != nil {
		log.Fatalf("qzgo: %s (status=%s): %v", opName(*decompress), callStatus, err)
	}

	if _, err := out.Write(dest[:n]); err != nil {
		log.Fatalf("qzgo: write output: %v", err)
	}

	snap := accel.Metrics().Snapshot()
	logger.Info("done", "status", callStatus, "bytes_in", len(src), "bytes_out", n,
		"fallback_reasons", snap.FallbackReasons)
}

func opName(decompress bool) string {
	if decompress {
		return "decompress"
	}
	return "compress"
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func openOutput(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopWriteCloser{os.Stdout}, nil
	}
	return os.Create(path)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// unavailableDriver simulates a machine with no accelerator kernel
// module loaded: Open always fails, forcing the orchestrator down its
// documented software-fallback path.
type unavailableDriver struct{}

func (unavailableDriver) Open(ctx context.Context) ([]interfaces.InstanceInfo, error) {
	return nil, fmt.Errorf("qzgo: no accelerator hardware detected")
}
func (unavailableDriver) Close() error { return nil }
func (unavailableDriver) ConfigureSession(int, interfaces.Direction, int, bool) error {
	return nil
}
func (unavailableDriver) Submit(int, int, uint64, interfaces.Direction, []byte, []byte) error {
	return fmt.Errorf("qzgo: no accelerator hardware detected")
}
func (unavailableDriver) Poll(int, int) ([]interfaces.PolledJob, error) {
	return nil, fmt.Errorf("qzgo: no accelerator hardware detected")
}

func installSignalHandlers(cancel context.CancelFunc) {
	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			pprof.Lookup("goroutine").WriteTo(os.Stderr, 2)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
		time.Sleep(100 * time.Millisecond)
		os.Exit(0)
	}()
}
