package recorder

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/metrics"
	"sync"
	"time"

	"go.uber.org/zap"
)

const mutexWaitMetric = "/sync/mutex/wait/total:seconds"

// RuntimeEngine creates recordings backed by the Go runtime: goroutine
// stacks are sampled at the configured rate, and allocation / mutex-wait
// totals are read at the window boundaries.
type RuntimeEngine struct {
	logger *zap.Logger
}

// NewRuntimeEngine creates a new engine logging through the given logger.
func NewRuntimeEngine(logger *zap.Logger) *RuntimeEngine {
	return &RuntimeEngine{logger: logger}
}

// NewRecording creates a recording in the created state.
func (e *RuntimeEngine) NewRecording(opts Options) (Recording, error) {
	if opts.Name == "" {
		return nil, errors.New("recording name is required")
	}
	if opts.SampleRateHz <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", opts.SampleRateHz)
	}
	return &runtimeRecording{
		opts:    opts,
		logger:  e.logger,
		samples: make(map[string]*stackSample),
	}, nil
}

// stackSample aggregates identical stacks observed during the window.
type stackSample struct {
	pcs   []uintptr
	count int64
}

type runtimeRecording struct {
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	state     State
	startedAt time.Time
	stoppedAt time.Time
	samples   map[string]*stackSample

	stop     chan struct{}
	done     chan struct{}
	maxTimer *time.Timer

	startMem  runtime.MemStats
	endMem    runtime.MemStats
	startWait float64
	endWait   float64
}

func (r *runtimeRecording) Name() string { return r.opts.Name }

func (r *runtimeRecording) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *runtimeRecording) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startedAt
}

func (r *runtimeRecording) StoppedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stoppedAt
}

func (r *runtimeRecording) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateCreated {
		return fmt.Errorf("%w: cannot start a %s recording", ErrInvalidState, r.state)
	}
	r.state = StateRunning
	r.startedAt = time.Now()

	if r.opts.Allocations {
		runtime.ReadMemStats(&r.startMem)
	}
	if r.opts.Locks {
		r.startWait = mutexWaitSeconds()
	}

	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.sampleLoop()

	if r.opts.MaxDuration > 0 {
		r.maxTimer = time.AfterFunc(r.opts.MaxDuration, func() {
			if err := r.Stop(); err != nil {
				r.logger.Warn("auto-stop failed",
					zap.String("recording", r.opts.Name), zap.Error(err))
			}
		})
	}

	r.logger.Debug("started recording", zap.String("recording", r.opts.Name))
	return nil
}

func (r *runtimeRecording) Stop() error {
	r.mu.Lock()
	switch r.state {
	case StateStopped:
		// Explicit stop raced the max-duration auto-stop.
		r.mu.Unlock()
		return nil
	case StateRunning:
	default:
		state := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot stop a %s recording", ErrInvalidState, state)
	}
	r.state = StateStopped
	r.stoppedAt = time.Now()
	stop := r.stop
	r.mu.Unlock()

	close(stop)
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxTimer != nil {
		r.maxTimer.Stop()
	}
	if r.opts.Allocations {
		runtime.ReadMemStats(&r.endMem)
	}
	if r.opts.Locks {
		r.endWait = mutexWaitSeconds()
	}
	r.logger.Debug("stopped recording",
		zap.String("recording", r.opts.Name),
		zap.Int("stacks", len(r.samples)))
	return nil
}

func (r *runtimeRecording) Dump(dir string) (string, error) {
	r.mu.Lock()
	if r.state != StateStopped {
		state := r.state
		r.mu.Unlock()
		return "", fmt.Errorf("%w: cannot dump a %s recording", ErrInvalidState, state)
	}
	samples := make([]*stackSample, 0, len(r.samples))
	for _, s := range r.samples {
		samples = append(samples, s)
	}
	win := window{
		start:          r.startedAt,
		end:            r.stoppedAt,
		allocObjects:   int64(r.endMem.Mallocs - r.startMem.Mallocs),
		allocBytes:     int64(r.endMem.TotalAlloc - r.startMem.TotalAlloc),
		lockDelayNanos: int64((r.endWait - r.startWait) * float64(time.Second)),
	}
	opts := r.opts
	r.mu.Unlock()

	prof := buildProfile(samples, opts, win)

	f, err := os.CreateTemp(dir, "goscope-*.pprof.gz")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	if err := prof.Write(f); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing profile: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	return f.Name(), nil
}

func (r *runtimeRecording) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateClosed:
		return nil
	case StateStopped:
		r.state = StateClosed
		r.samples = nil
		return nil
	default:
		return fmt.Errorf("%w: cannot close a %s recording", ErrInvalidState, r.state)
	}
}

// sampleLoop captures goroutine stacks at the configured rate until stopped.
func (r *runtimeRecording) sampleLoop() {
	defer close(r.done)

	ticker := time.NewTicker(time.Second / time.Duration(r.opts.SampleRateHz))
	defer ticker.Stop()

	records := make([]runtime.StackRecord, 128)
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			records = r.capture(records)
		}
	}
}

// capture takes one snapshot of all goroutine stacks and folds it into the
// aggregated sample map. The records slice is grown as needed and returned
// for reuse.
func (r *runtimeRecording) capture(records []runtime.StackRecord) []runtime.StackRecord {
	var n int
	for {
		var ok bool
		n, ok = runtime.GoroutineProfile(records)
		if ok {
			break
		}
		records = make([]runtime.StackRecord, n+n/4+16)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRunning {
		return records
	}
	for i := 0; i < n; i++ {
		pcs := records[i].Stack()
		if len(pcs) == 0 {
			continue
		}
		key := stackKey(pcs)
		if s, ok := r.samples[key]; ok {
			s.count++
			continue
		}
		// pcs aliases the reusable records buffer, so keep a copy
		r.samples[key] = &stackSample{
			pcs:   append([]uintptr(nil), pcs...),
			count: 1,
		}
	}
	return records
}

// stackKey builds an exact map key from the program counters of a stack.
func stackKey(pcs []uintptr) string {
	b := make([]byte, 8*len(pcs))
	for i, pc := range pcs {
		binary.LittleEndian.PutUint64(b[i*8:], uint64(pc))
	}
	return string(b)
}

// mutexWaitSeconds reads the cumulative mutex wait time of the process.
func mutexWaitSeconds() float64 {
	s := []metrics.Sample{{Name: mutexWaitMetric}}
	metrics.Read(s)
	if s[0].Value.Kind() == metrics.KindFloat64 {
		return s[0].Value.Float64()
	}
	return 0
}
