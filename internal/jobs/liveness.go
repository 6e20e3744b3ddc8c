package jobs

import (
	"sync"
	"time"

	"masthead/internal/broker"
	"masthead/pkg/logging"
)

// LivenessJob periodically sweeps the broker for sessions whose heartbeat
// went stale, releasing them exactly as if the client had disconnected.
// This is the fallback path for crashed tabs, lost networks and killed
// apps that never send an explicit release.
type LivenessJob struct {
	broker   *broker.Broker
	logger   logging.Logger
	interval time.Duration
	onSweep  func(reclaimed int)
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// LivenessConfig holds configuration for the sweep job.
type LivenessConfig struct {
	Broker   *broker.Broker
	Logger   logging.Logger
	Interval time.Duration // How often to sweep (default: 30 seconds)
	// OnSweep is an optional hook receiving the reclaim count per sweep.
	OnSweep func(reclaimed int)
}

// NewLivenessJob creates a new liveness sweep job.
func NewLivenessJob(cfg LivenessConfig) *LivenessJob {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &LivenessJob{
		broker:   cfg.Broker,
		logger:   cfg.Logger,
		interval: interval,
		onSweep:  cfg.OnSweep,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (j *LivenessJob) Start() {
	j.wg.Add(1)
	go j.run()
	j.logger.WithField("interval", j.interval.String()).Info("Liveness sweep job started")
}

// Stop gracefully stops the job.
func (j *LivenessJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
	j.logger.Info("Liveness sweep job stopped")
}

func (j *LivenessJob) run() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep()
		case <-j.stopCh:
			return
		}
	}
}

func (j *LivenessJob) sweep() {
	reclaimed := j.broker.Sweep(time.Now())
	if j.onSweep != nil {
		j.onSweep(reclaimed)
	}
}
