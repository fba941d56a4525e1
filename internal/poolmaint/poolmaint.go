// Package poolmaint is an optional, disabled-by-default background
// janitor for long-running daemons that embed the accelerator pool. It
// periodically logs instance utilization and is never on the compress/
// decompress hot path (spec §3 Pool "Utilization", an ambient operational
// aid rather than a functional requirement).
package poolmaint

import (
	"sync"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/dmaccel/qzgo/internal/interfaces"
)

// UtilizationSource reports the pool's current busy/total instance
// counts; internal/pool.Pool satisfies this.
type UtilizationSource interface {
	Utilization() (busy, total int)
}

// Janitor periodically logs pool utilization on a cron schedule, rate
// limiting its own log emission so a misconfigured schedule can't flood
// the log.
type Janitor struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
	running bool

	source  UtilizationSource
	logger  interfaces.Logger
	limiter *rate.Limiter
}

// New constructs a Janitor against the given utilization source and
// logger. logsPerSecond bounds how many log lines the janitor may emit per
// second, regardless of how often the schedule fires.
func New(source UtilizationSource, logger interfaces.Logger, logsPerSecond float64) *Janitor {
	return &Janitor{
		cron:    cron.New(),
		source:  source,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(logsPerSecond), 1),
	}
}

// Start schedules the utilization log on the given cron spec (standard
// five-field cron syntax) and begins running it in the background.
// Calling Start on an already-running Janitor is a no-op.
func (j *Janitor) Start(spec string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return nil
	}

	id, err := j.cron.AddFunc(spec, j.tick)
	if err != nil {
		return err
	}
	j.entryID = id
	j.cron.Start()
	j.running = true
	return nil
}

// Stop halts the janitor and waits for any in-flight tick to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return
	}
	<-j.cron.Stop().Done()
	j.running = false
}

func (j *Janitor) tick() {
	busy, total := j.source.Utilization()
	if !j.limiter.Allow() {
		return
	}
	if j.logger != nil {
		j.logger.Info("pool utilization", "busy", busy, "total", total)
	}
}
