package service

import (
	"container/heap"
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mouse256/alfen-mqtt/internal/codec"
	"github.com/mouse256/alfen-mqtt/internal/domain"
	"github.com/mouse256/alfen-mqtt/internal/metrics"
	"github.com/rs/zerolog"
)

// SchedulerConfig holds configuration for the poll scheduler.
type SchedulerConfig struct {
	// WorkerCount bounds concurrent reads across all devices.
	WorkerCount int

	// PollTimeout bounds one batched read including queueing on the device.
	PollTimeout time.Duration

	// DegradedThreshold is the number of consecutive failures after which a
	// job runs at its degraded interval.
	DegradedThreshold int

	// DegradedFactor multiplies the interval of a degraded job.
	DegradedFactor float64

	// MaxDegradedInterval caps the degraded interval.
	MaxDegradedInterval time.Duration

	// Now is the scheduler clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		WorkerCount:         4,
		PollTimeout:         10 * time.Second,
		DegradedThreshold:   3,
		DegradedFactor:      4,
		MaxDegradedInterval: 5 * time.Minute,
	}
}

func (c *SchedulerConfig) applyDefaults() {
	d := DefaultSchedulerConfig()
	if c.WorkerCount <= 0 {
		c.WorkerCount = d.WorkerCount
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = d.PollTimeout
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = d.DegradedThreshold
	}
	if c.DegradedFactor < 1 {
		c.DegradedFactor = d.DegradedFactor
	}
	if c.MaxDegradedInterval <= 0 {
		c.MaxDegradedInterval = d.MaxDegradedInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// SchedulerStats tracks scheduler statistics.
type SchedulerStats struct {
	Polls        atomic.Uint64
	Failures     atomic.Uint64
	Skipped      atomic.Uint64
	PointsRead   atomic.Uint64
	DecodeErrors atomic.Uint64
}

// SchedulerStatsSnapshot is a point-in-time copy of SchedulerStats.
type SchedulerStatsSnapshot struct {
	Polls        uint64 `json:"polls"`
	Failures     uint64 `json:"failures"`
	Skipped      uint64 `json:"skipped"`
	PointsRead   uint64 `json:"points_read"`
	DecodeErrors uint64 `json:"decode_errors"`
}

// JobStatus describes one poll job.
type JobStatus struct {
	DeviceID            string        `json:"device_id"`
	Groups              []string      `json:"groups"`
	Function            string        `json:"function"`
	Start               uint16        `json:"start"`
	Count               uint16        `json:"count"`
	Interval            time.Duration `json:"interval"`
	EffectiveInterval   time.Duration `json:"effective_interval"`
	Priority            int           `json:"priority"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Degraded            bool          `json:"degraded"`
	NextDue             time.Time     `json:"next_due"`
	LastError           string        `json:"last_error,omitempty"`
}

type pollJob struct {
	batch    Batch
	conn     domain.Transactor
	nextDue  time.Time
	failures int
	degraded bool
	lastErr  error
	index    int
}

// Scheduler drives periodic batched reads across devices. A single loop
// picks the earliest due job; reads run on a bounded worker pool and each
// job is rescheduled at completion time plus its interval.
type Scheduler struct {
	config  SchedulerConfig
	cache   *StateCache
	logger  zerolog.Logger
	metrics *metrics.Registry

	mu      sync.Mutex
	queue   jobQueue
	jobs    []*pollJob
	wake    chan struct{}
	workers chan struct{}
	wg      sync.WaitGroup
	rng     *rand.Rand
	stats   SchedulerStats
}

// NewScheduler creates a scheduler with no jobs.
func NewScheduler(config SchedulerConfig, cache *StateCache, logger zerolog.Logger, metricsReg *metrics.Registry) *Scheduler {
	config.applyDefaults()
	return &Scheduler{
		config:  config,
		cache:   cache,
		logger:  logger.With().Str("component", "poll-scheduler").Logger(),
		metrics: metricsReg,
		wake:    make(chan struct{}, 1),
		workers: make(chan struct{}, config.WorkerCount),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// AddDevice plans the batches of a device and schedules one job per batch.
// First runs are spread over the first tenth of each interval.
func (s *Scheduler) AddDevice(device *domain.Device, conn domain.Transactor) int {
	batches := PlanBatches(device)
	now := s.config.Now()

	s.mu.Lock()
	for _, b := range batches {
		var jitter time.Duration
		if spread := int64(b.Interval / 10); spread > 0 {
			jitter = time.Duration(s.rng.Int63n(spread))
		}
		job := &pollJob{batch: b, conn: conn, nextDue: now.Add(jitter)}
		s.jobs = append(s.jobs, job)
		heap.Push(&s.queue, job)
	}
	s.mu.Unlock()
	s.signal()

	s.logger.Info().
		Str("device_id", device.ID).
		Int("groups", len(device.Groups)).
		Int("jobs", len(batches)).
		Msg("Scheduled device")
	return len(batches)
}

// Expedite makes every queued job of a device due now.
func (s *Scheduler) Expedite(deviceID string) {
	now := s.config.Now()
	s.mu.Lock()
	var matched []*pollJob
	for _, job := range s.queue {
		if job.batch.DeviceID == deviceID && job.nextDue.After(now) {
			matched = append(matched, job)
		}
	}
	for _, job := range matched {
		job.nextDue = now
		heap.Fix(&s.queue, job.index)
	}
	s.mu.Unlock()
	s.signal()
}

// Run drives the schedule until ctx is cancelled, then waits for in-flight
// reads to return.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.wg.Wait()

	s.logger.Info().Int("workers", s.config.WorkerCount).Msg("Starting poll scheduler")

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		for _, job := range s.popDue(s.config.Now()) {
			s.dispatch(ctx, job)
		}

		wait := s.untilNext()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Poll scheduler stopped")
			return
		case <-timer.C:
		case <-s.wake:
		}
	}
}

// PollDue runs every job due at the current clock synchronously and returns
// the number of reads issued.
func (s *Scheduler) PollDue(ctx context.Context) int {
	issued := 0
	for _, job := range s.popDue(s.config.Now()) {
		if !s.ready(job) {
			s.reschedule(job)
			continue
		}
		s.poll(ctx, job)
		s.reschedule(job)
		issued++
	}
	return issued
}

func (s *Scheduler) dispatch(ctx context.Context, job *pollJob) {
	if !s.ready(job) {
		s.reschedule(job)
		return
	}

	select {
	case s.workers <- struct{}{}:
	default:
		s.skip(job, "back_pressure")
		s.reschedule(job)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.workers }()
		s.poll(ctx, job)
		if ctx.Err() == nil {
			s.reschedule(job)
		}
	}()
}

// ready reports whether the job's device can take a read. Jobs of devices
// that are not connected are skipped without counting as failures.
func (s *Scheduler) ready(job *pollJob) bool {
	if job.conn.State() == domain.StateConnected {
		return true
	}
	s.skip(job, "disconnected")
	return false
}

func (s *Scheduler) skip(job *pollJob, reason string) {
	s.stats.Skipped.Add(1)
	if s.metrics != nil {
		s.metrics.RecordPollSkipped(job.batch.DeviceID, reason)
	}
	s.logger.Debug().
		Str("device_id", job.batch.DeviceID).
		Str("batch", job.batch.String()).
		Str("reason", reason).
		Msg("Poll skipped")
}

func (s *Scheduler) poll(ctx context.Context, job *pollJob) {
	s.stats.Polls.Add(1)
	start := s.config.Now()

	readCtx, cancel := context.WithTimeout(ctx, s.config.PollTimeout)
	resp, err := job.conn.Transact(readCtx, job.batch.Request())
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.fail(job, err)
		return
	}

	ts := s.config.Now()
	s.succeed(job)
	decoded := s.deliver(job, resp, ts)

	s.stats.PointsRead.Add(uint64(decoded))
	if s.metrics != nil {
		s.metrics.RecordPollSuccess(job.batch.DeviceID, ts.Sub(start).Seconds(), decoded)
	}
}

func (s *Scheduler) succeed(job *pollJob) {
	s.mu.Lock()
	recovered := job.degraded
	job.failures = 0
	job.degraded = false
	job.lastErr = nil
	s.mu.Unlock()

	if recovered {
		s.logger.Info().
			Str("device_id", job.batch.DeviceID).
			Str("batch", job.batch.String()).
			Msg("Poll job recovered")
		if s.metrics != nil {
			s.setDegradedMetric(job, false)
		}
	}
}

func (s *Scheduler) fail(job *pollJob, err error) {
	s.stats.Failures.Add(1)

	s.mu.Lock()
	job.failures++
	job.lastErr = err
	failures := job.failures
	degrade := !job.degraded && failures >= s.config.DegradedThreshold
	if degrade {
		job.degraded = true
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordPollError(job.batch.DeviceID)
	}

	event := s.logger.Debug()
	if failures == 1 {
		event = s.logger.Warn()
	}
	event.Err(err).
		Str("device_id", job.batch.DeviceID).
		Str("batch", job.batch.String()).
		Int("consecutive_failures", failures).
		Msg("Poll failed")

	if degrade {
		s.logger.Warn().
			Str("device_id", job.batch.DeviceID).
			Str("batch", job.batch.String()).
			Dur("interval", s.effectiveInterval(job)).
			Msg("Poll job degraded")
		if s.metrics != nil {
			s.setDegradedMetric(job, true)
		}
	}

	// The slave answered but refused the read: the values are unknown
	// while the connection stays up.
	if errors.Is(err, domain.ErrProtocolException) {
		for _, g := range job.batch.Groups {
			for pi := range g.Points {
				s.cache.MarkUnknown(g.Points[pi].Key())
			}
		}
	}
}

// deliver decodes each point of the batch and pushes it to the cache. A
// point that fails to decode is marked Unknown without affecting its siblings.
func (s *Scheduler) deliver(job *pollJob, resp domain.Response, ts time.Time) int {
	decoded := 0
	b := &job.batch
	for _, g := range b.Groups {
		for pi := range g.Points {
			p := &g.Points[pi]
			offset := int(p.Address - b.Start)

			var (
				value interface{}
				err   error
			)
			if b.Function.IsBit() {
				value, err = codec.DecodeBit(resp.Bits, offset)
			} else {
				var words []uint16
				if offset < len(resp.Words) {
					words = resp.Words[offset:]
				}
				value, err = codec.Decode(words, p.Template)
			}

			if err != nil {
				var de *domain.DecodeError
				if errors.As(err, &de) {
					de.PointID = string(p.Key())
				}
				s.stats.DecodeErrors.Add(1)
				if s.metrics != nil {
					s.metrics.RecordDecodeError(b.DeviceID)
				}
				s.logger.Warn().Err(err).Str("point", string(p.Key())).Msg("Failed to decode point")
				s.cache.MarkUnknown(p.Key())
				continue
			}

			s.cache.Update(p, value, ts)
			decoded++
		}
	}
	return decoded
}

func (s *Scheduler) setDegradedMetric(job *pollJob, degraded bool) {
	for _, id := range job.batch.GroupIDs() {
		s.metrics.SetJobDegraded(job.batch.DeviceID, id, degraded)
	}
}

func (s *Scheduler) reschedule(job *pollJob) {
	s.mu.Lock()
	job.nextDue = s.config.Now().Add(s.effectiveIntervalLocked(job))
	heap.Push(&s.queue, job)
	s.mu.Unlock()
	s.signal()
}

func (s *Scheduler) effectiveInterval(job *pollJob) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveIntervalLocked(job)
}

func (s *Scheduler) effectiveIntervalLocked(job *pollJob) time.Duration {
	interval := job.batch.Interval
	if !job.degraded {
		return interval
	}
	degraded := time.Duration(float64(interval) * s.config.DegradedFactor)
	if degraded > s.config.MaxDegradedInterval {
		degraded = s.config.MaxDegradedInterval
	}
	if degraded < interval {
		return interval
	}
	return degraded
}

func (s *Scheduler) popDue(now time.Time) []*pollJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*pollJob
	for len(s.queue) > 0 && !s.queue[0].nextDue.After(now) {
		due = append(due, heap.Pop(&s.queue).(*pollJob))
	}
	return due
}

func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return time.Minute
	}
	wait := s.queue[0].nextDue.Sub(s.config.Now())
	if wait < 0 {
		return 0
	}
	return wait
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Jobs returns the status of every job ordered by device and start address.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		st := JobStatus{
			DeviceID:            job.batch.DeviceID,
			Groups:              job.batch.GroupIDs(),
			Function:            string(job.batch.Function),
			Start:               job.batch.Start,
			Count:               job.batch.Count,
			Interval:            job.batch.Interval,
			EffectiveInterval:   s.effectiveIntervalLocked(job),
			Priority:            job.batch.Priority,
			ConsecutiveFailures: job.failures,
			Degraded:            job.degraded,
			NextDue:             job.nextDue,
		}
		if job.lastErr != nil {
			st.LastError = job.lastErr.Error()
		}
		out = append(out, st)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		if out[i].Function != out[j].Function {
			return out[i].Function < out[j].Function
		}
		return out[i].Start < out[j].Start
	})
	return out
}

// Stats returns a snapshot of the scheduler statistics.
func (s *Scheduler) Stats() SchedulerStatsSnapshot {
	return SchedulerStatsSnapshot{
		Polls:        s.stats.Polls.Load(),
		Failures:     s.stats.Failures.Load(),
		Skipped:      s.stats.Skipped.Load(),
		PointsRead:   s.stats.PointsRead.Load(),
		DecodeErrors: s.stats.DecodeErrors.Load(),
	}
}

// jobQueue orders jobs by due time, then by descending priority.
type jobQueue []*pollJob

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].nextDue.Equal(q[j].nextDue) {
		return q[i].batch.Priority > q[j].batch.Priority
	}
	return q[i].nextDue.Before(q[j].nextDue)
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x interface{}) {
	job := x.(*pollJob)
	job.index = len(*q)
	*q = append(*q, job)
}

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*q = old[:n-1]
	return job
}
