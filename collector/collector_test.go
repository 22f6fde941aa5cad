package collector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"goScope/recorder"
	"goScope/sender"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRecording implements recorder.Recording with real timestamps and real
// staged files so the collector's ordering and cleanup can be observed.
type fakeRecording struct {
	eng  *fakeEngine
	name string

	mu        sync.Mutex
	state     recorder.State
	startedAt time.Time
	stoppedAt time.Time
}

func (r *fakeRecording) Name() string { return r.name }

func (r *fakeRecording) State() recorder.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *fakeRecording) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startedAt
}

func (r *fakeRecording) StoppedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stoppedAt
}

func (r *fakeRecording) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != recorder.StateCreated {
		return recorder.ErrInvalidState
	}
	r.state = recorder.StateRunning
	r.startedAt = time.Now()
	return nil
}

func (r *fakeRecording) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case recorder.StateStopped:
		return nil
	case recorder.StateRunning:
		r.state = recorder.StateStopped
		r.stoppedAt = time.Now()
		return nil
	default:
		return recorder.ErrInvalidState
	}
}

func (r *fakeRecording) Dump(dir string) (string, error) {
	if r.State() != recorder.StateStopped {
		return "", recorder.ErrInvalidState
	}
	f, err := os.CreateTemp(dir, "fake-*.pprof")
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString("payload-" + r.name); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	r.eng.recordDump(f.Name())
	return f.Name(), nil
}

func (r *fakeRecording) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != recorder.StateStopped && r.state != recorder.StateClosed {
		return recorder.ErrInvalidState
	}
	r.state = recorder.StateClosed
	return nil
}

type fakeEngine struct {
	mu      sync.Mutex
	fail    bool
	created []*fakeRecording
	dumped  []string
}

func (e *fakeEngine) NewRecording(opts recorder.Options) (recorder.Recording, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fail {
		return nil, errors.New("recording engine unavailable")
	}
	r := &fakeRecording{eng: e, name: opts.Name, state: recorder.StateCreated}
	e.created = append(e.created, r)
	return r, nil
}

func (e *fakeEngine) setFail(fail bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail = fail
}

func (e *fakeEngine) recordDump(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dumped = append(e.dumped, path)
}

func (e *fakeEngine) recordings() []*fakeRecording {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*fakeRecording(nil), e.created...)
}

func (e *fakeEngine) dumpedFiles() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.dumped...)
}

type fakeUploader struct {
	mu   sync.Mutex
	err  error
	jobs []sender.UploadJob
}

func (u *fakeUploader) Upload(_ context.Context, job sender.UploadJob) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.jobs = append(u.jobs, job)
	return u.err
}

func (u *fakeUploader) uploads() []sender.UploadJob {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]sender.UploadJob(nil), u.jobs...)
}

func newTestCollector(t *testing.T, interval time.Duration, eng *fakeEngine, up *fakeUploader) (*Collector, *Metrics) {
	t.Helper()
	metrics := NewMetrics(prometheus.NewRegistry())
	cfg := Config{
		AppName:          "demo-app",
		ServerURL:        "http://pyroscope:4040",
		RotationInterval: interval,
		SampleRateHz:     100,
		CPU:              true,
		TempDir:          t.TempDir(),
	}
	return New(cfg, eng, up, metrics, zap.NewNop()), metrics
}

// nameTimestamp extracts the creation timestamp a recording name ends with.
func nameTimestamp(t *testing.T, name string) int64 {
	t.Helper()
	i := strings.LastIndexByte(name, '-')
	require.Greater(t, i, 0, "unexpected recording name %q", name)
	ts, err := strconv.ParseInt(name[i+1:], 10, 64)
	require.NoError(t, err)
	return ts
}

func TestCollectorRotatesAndUploads(t *testing.T) {
	eng := &fakeEngine{}
	up := &fakeUploader{}
	c, _ := newTestCollector(t, 20*time.Millisecond, eng, up)

	require.NoError(t, c.Start())
	defer c.Close(context.Background())

	require.Eventually(t, func() bool {
		return len(up.uploads()) >= 3
	}, 3*time.Second, 5*time.Millisecond)

	jobs := up.uploads()[:3]
	prev := int64(0)
	for _, job := range jobs {
		ts := nameTimestamp(t, job.Name)
		assert.Greater(t, ts, prev, "recording name timestamps must be strictly increasing")
		prev = ts
		assert.False(t, job.StartTime.IsZero())
		assert.False(t, job.EndTime.Before(job.StartTime))
		assert.Equal(t, "payload-"+job.Name, string(job.Profile))
	}

	// each rotation starts the replacement before stopping the old
	// recording, so coverage has no gap
	recs := eng.recordings()
	require.GreaterOrEqual(t, len(recs), 4)
	for i := 0; i+1 < len(recs); i++ {
		if recs[i].StoppedAt().IsZero() {
			continue
		}
		assert.False(t, recs[i+1].StartedAt().After(recs[i].StoppedAt()),
			"recording %d started after recording %d stopped", i+1, i)
	}

	// exactly one recording is published as active
	active := c.Active()
	require.NotNil(t, active)
	assert.Equal(t, recorder.StateRunning, active.(*fakeRecording).State())

	// staged files are deleted after every upload attempt
	for _, path := range eng.dumpedFiles()[:3] {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "staged file %s should be deleted", path)
	}
}

func TestCollectorKeepsRecordingWhenCreationFails(t *testing.T) {
	eng := &fakeEngine{}
	up := &fakeUploader{}
	c, metrics := newTestCollector(t, 15*time.Millisecond, eng, up)

	require.NoError(t, c.Start())
	defer c.Close(context.Background())

	first := c.Active()
	require.NotNil(t, first)
	eng.setFail(true)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.Failures.WithLabelValues("start")) >= 2
	}, 3*time.Second, 5*time.Millisecond)

	// the previous recording stays active and keeps collecting
	assert.Same(t, first, c.Active())
	assert.Equal(t, recorder.StateRunning, first.(*fakeRecording).State())
	assert.Empty(t, up.uploads())
}

func TestCollectorSurvivesUploadFailures(t *testing.T) {
	eng := &fakeEngine{}
	up := &fakeUploader{err: fmt.Errorf("unexpected status code: 503")}
	c, metrics := newTestCollector(t, 15*time.Millisecond, eng, up)

	require.NoError(t, c.Start())
	defer c.Close(context.Background())

	require.Eventually(t, func() bool {
		return len(up.uploads()) >= 3
	}, 3*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.Uploads.WithLabelValues("error")), float64(3))

	// data for the failed intervals is discarded, not retried
	for _, path := range eng.dumpedFiles()[:3] {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "staged file %s should be deleted", path)
	}

	// rotation continues on schedule
	active := c.Active()
	require.NotNil(t, active)
	assert.Equal(t, recorder.StateRunning, active.(*fakeRecording).State())
}

func TestCollectorShutdownFlushesFinalRecording(t *testing.T) {
	eng := &fakeEngine{}
	up := &fakeUploader{}
	// interval far beyond the test so only the final flush uploads
	c, _ := newTestCollector(t, time.Hour, eng, up)

	require.NoError(t, c.Start())
	active := c.Active()
	require.NotNil(t, active)

	require.NoError(t, c.Close(context.Background()))

	jobs := up.uploads()
	require.Len(t, jobs, 1)
	assert.Equal(t, active.Name(), jobs[0].Name)
	assert.Equal(t, recorder.StateClosed, active.(*fakeRecording).State())

	// closing twice is safe
	require.NoError(t, c.Close(context.Background()))
	require.Len(t, up.uploads(), 1)
}
