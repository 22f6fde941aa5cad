// Package collector keeps continuous profiling coverage by rotating
// recordings on a fixed interval and shipping completed ones to the
// ingestion endpoint.
package collector

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"goScope/recorder"
	"goScope/sender"

	"go.uber.org/zap"
)

// Uploader ships a completed recording payload to the ingestion endpoint.
type Uploader interface {
	Upload(ctx context.Context, job sender.UploadJob) error
}

// Config holds the collector's rotation settings.
type Config struct {
	AppName           string
	ServerURL         string // Destination, logged at startup
	RotationInterval  time.Duration
	RecordingDuration time.Duration
	SampleRateHz      int
	CPU               bool
	Allocations       bool
	Locks             bool
	TempDir           string // Where dumped profiles are staged ("" = system temp)
}

// slot wraps the active recording so the reference can be swapped atomically.
type slot struct {
	rec recorder.Recording
}

// Collector owns exactly one active recording at a time. A ticker triggers
// rotation cycles; each cycle starts a new recording before stopping the old
// one, so coverage has no gap, then exports and releases the old recording.
type Collector struct {
	cfg      Config
	engine   recorder.Engine
	uploader Uploader
	metrics  *Metrics
	logger   *zap.Logger

	current atomic.Pointer[slot]

	done   chan struct{}
	work   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a collector. Start must be called before it does anything.
func New(cfg Config, engine recorder.Engine, uploader Uploader, metrics *Metrics, logger *zap.Logger) *Collector {
	return &Collector{
		cfg:      cfg,
		engine:   engine,
		uploader: uploader,
		metrics:  metrics,
		logger:   logger,
		done:     make(chan struct{}),
		work:     make(chan struct{}, 1),
	}
}

// Active returns the recording currently collecting samples, or nil before
// Start / after a failed start.
func (c *Collector) Active() recorder.Recording {
	if s := c.current.Load(); s != nil {
		return s.rec
	}
	return nil
}

// Start creates the initial recording and launches the rotation loops.
func (c *Collector) Start() error {
	c.logger.Info("starting profile rotation collector",
		zap.String("app", c.cfg.AppName),
		zap.String("server_url", c.cfg.ServerURL),
		zap.Duration("rotation_interval", c.cfg.RotationInterval),
		zap.Duration("recording_duration", c.cfg.RecordingDuration),
		zap.Int("sample_rate_hz", c.cfg.SampleRateHz),
		zap.Bool("cpu", c.cfg.CPU),
		zap.Bool("allocations", c.cfg.Allocations),
		zap.Bool("locks", c.cfg.Locks))

	rec, err := c.startRecording()
	if err != nil {
		return fmt.Errorf("starting initial recording: %w", err)
	}
	c.current.Store(&slot{rec: rec})

	c.wg.Add(2)
	go c.tickLoop()
	go c.workLoop()
	return nil
}

// tickLoop fires rotation work on the configured interval. Sends are
// non-blocking: a tick arriving while a cycle is still in flight is dropped,
// which also keeps at most one cycle running at a time.
func (c *Collector) tickLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.RotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			select {
			case c.work <- struct{}{}:
			default:
			}
		}
	}
}

func (c *Collector) workLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.work:
			c.rotate()
		}
	}
}

// rotate runs one rotation cycle. Every fallible step is guarded on its own:
// a failure is logged and counted and the cycle carries on, except a failed
// recording creation, which leaves the previous recording active.
func (c *Collector) rotate() {
	c.metrics.Cycles.Inc()

	old := c.Active()
	if old == nil {
		return
	}

	// The new recording starts before the old one stops so there is no gap
	// in coverage.
	newRec, err := c.startRecording()
	if err != nil {
		c.logger.Error("failed to start recording", zap.Error(err))
		c.metrics.Failures.WithLabelValues("start").Inc()
		return
	}

	if err := old.Stop(); err != nil {
		c.logger.Error("failed to stop recording",
			zap.String("recording", old.Name()), zap.Error(err))
		c.metrics.Failures.WithLabelValues("stop").Inc()
	} else {
		c.export(context.Background(), old)
	}

	if err := old.Close(); err != nil {
		c.logger.Error("failed to close recording",
			zap.String("recording", old.Name()), zap.Error(err))
		c.metrics.Failures.WithLabelValues("close").Inc()
	}

	c.current.Store(&slot{rec: newRec})
	c.logger.Debug("rotation cycle completed", zap.String("recording", newRec.Name()))
}

// export dumps a stopped recording, uploads the payload and deletes the
// staged file whether or not the upload succeeded.
func (c *Collector) export(ctx context.Context, rec recorder.Recording) {
	path, err := rec.Dump(c.cfg.TempDir)
	if err != nil {
		c.logger.Error("failed to dump recording",
			zap.String("recording", rec.Name()), zap.Error(err))
		c.metrics.Failures.WithLabelValues("dump").Inc()
		return
	}
	defer func() {
		if err := os.Remove(path); err != nil {
			c.logger.Error("failed to delete staged profile",
				zap.String("path", path), zap.Error(err))
			c.metrics.Failures.WithLabelValues("cleanup").Inc()
		}
	}()

	payload, err := os.ReadFile(path)
	if err != nil {
		c.logger.Error("failed to read staged profile",
			zap.String("path", path), zap.Error(err))
		c.metrics.Failures.WithLabelValues("read").Inc()
		return
	}

	job := sender.UploadJob{
		Name:         rec.Name(),
		StartTime:    rec.StartedAt(),
		EndTime:      rec.StoppedAt(),
		SampleRateHz: c.cfg.SampleRateHz,
		Profile:      payload,
	}
	if err := c.uploader.Upload(ctx, job); err != nil {
		// Best effort: the interval's data is dropped, the next cycle runs
		// on schedule.
		c.logger.Warn("failed to upload profile",
			zap.String("recording", rec.Name()), zap.Error(err))
		c.metrics.Uploads.WithLabelValues("error").Inc()
		return
	}
	c.metrics.Uploads.WithLabelValues("ok").Inc()
	c.logger.Debug("uploaded profile",
		zap.String("recording", rec.Name()),
		zap.Int("bytes", len(payload)))
}

// startRecording creates and starts a recording named after its creation
// time.
func (c *Collector) startRecording() (recorder.Recording, error) {
	name := fmt.Sprintf("%s-profile-%d", c.cfg.AppName, time.Now().UnixNano())
	rec, err := c.engine.NewRecording(recorder.Options{
		Name:         name,
		MaxDuration:  c.cfg.RecordingDuration,
		SampleRateHz: c.cfg.SampleRateHz,
		CPU:          c.cfg.CPU,
		Allocations:  c.cfg.Allocations,
		Locks:        c.cfg.Locks,
	})
	if err != nil {
		return nil, err
	}
	if err := rec.Start(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Close stops the rotation loops, waits for an in-flight cycle and makes a
// best-effort final export of the active recording. It never aborts
// shutdown: failures are logged and the recording is released regardless.
func (c *Collector) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.done)
	c.wg.Wait()

	rec := c.Active()
	if rec == nil {
		return nil
	}
	c.logger.Info("stopping profiling, flushing final recording",
		zap.String("recording", rec.Name()))

	if err := rec.Stop(); err != nil {
		c.logger.Error("failed to stop final recording",
			zap.String("recording", rec.Name()), zap.Error(err))
	} else {
		c.export(ctx, rec)
	}
	if err := rec.Close(); err != nil {
		c.logger.Error("failed to close final recording",
			zap.String("recording", rec.Name()), zap.Error(err))
		return err
	}
	return nil
}
