package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/dd0wney/cluso-shardsync/pkg/checkpoint"
	"github.com/dd0wney/cluso-shardsync/pkg/logging"
	"github.com/dd0wney/cluso-shardsync/pkg/metrics"
	"github.com/dd0wney/cluso-shardsync/pkg/routing"
)

// Phase is where a tracker is in its cycle.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhasePolling  Phase = "polling"
	PhaseApplying Phase = "applying"
	PhaseFailed   Phase = "failed"
	PhaseStopped  Phase = "stopped"
)

// RollbackPolicy governs what happens when the repository reports a newest
// id below what this shard already indexed, as after a restore from backup.
type RollbackPolicy struct {
	// SuspectCycles is how many consecutive cycles the regression must
	// persist before the tracker flags it.
	SuspectCycles int `yaml:"suspect_cycles"`
	// AutoResync resets the checkpoint to zero once flagged so the stream
	// is re-applied from the start.
	AutoResync bool `yaml:"auto_resync"`
}

// Config tunes a Tracker.
type Config struct {
	Topology       routing.Topology
	BatchSize      int
	PollInterval   time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Rollback       RollbackPolicy
	// Router, when set, is checked for a total partition at startup.
	Router           routing.DocRouter
	ValidationSample int
	PacerWindow      int
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(30*time.Second, c.InitialBackoff)
	}
	if c.Rollback.SuspectCycles <= 0 {
		c.Rollback.SuspectCycles = 3
	}
	if c.ValidationSample <= 0 {
		c.ValidationSample = 256
	}
}

// Option configures optional collaborators.
type Option func(*Tracker)

func WithLogger(logger logging.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(t *Tracker) { t.metrics = m }
}

// Tracker drives one Stream for one shard.
type Tracker struct {
	stream  Stream
	store   checkpoint.Store
	cfg     Config
	state   *State
	pacer   *Pacer
	logger  logging.Logger
	metrics *metrics.Registry

	mu                sync.Mutex
	phase             Phase
	reason            string
	cycles            int64
	unitsApplied      int64
	unitsSkipped      int64
	resyncs           int64
	suspectCount      int
	rollbackSuspected bool
	lastCycleAt       time.Time
	reindex           []int64

	nudge    chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
}

// New builds a tracker. Call Restore before Run.
func New(stream Stream, store checkpoint.Store, cfg Config, opts ...Option) (*Tracker, error) {
	if stream == nil || store == nil {
		return nil, fmt.Errorf("%w: stream and checkpoint store are required", ErrInvalidConfig)
	}
	if err := cfg.Topology.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.applyDefaults()

	pacer, err := NewPacer(cfg.PollInterval, cfg.BatchSize, cfg.PacerWindow)
	if err != nil {
		return nil, err
	}

	t := &Tracker{
		stream: stream,
		store:  store,
		cfg:    cfg,
		state:  NewState(stream.Name()),
		pacer:  pacer,
		logger: logging.NewNopLogger(),
		phase:  PhaseIdle,
		nudge:  make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(
		logging.Component("tracker"),
		logging.Stream(stream.Name()),
		logging.Shard(cfg.Topology.ShardInstance, cfg.Topology.ShardCount),
	)
	return t, nil
}

func (t *Tracker) Name() string { return t.stream.Name() }

func (t *Tracker) key() checkpoint.Key {
	return checkpoint.Key{
		ShardCount:    t.cfg.Topology.ShardCount,
		ShardInstance: t.cfg.Topology.ShardInstance,
		Stream:        t.stream.Name(),
	}
}

// Restore loads the persisted checkpoint and checks the routing policy. A
// routing ambiguity is returned as is and must stop the shard.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.cfg.Router != nil {
		nodes, acls := routing.SampleEntities(t.cfg.ValidationSample)
		if err := routing.ValidatePartition(t.cfg.Router, t.cfg.Topology.ShardCount, nodes, acls); err != nil {
			t.logger.Error("routing policy does not partition entities", logging.Error(err))
			t.setPhase(PhaseFailed, err.Error())
			return err
		}
	}

	rec, err := t.store.Load(ctx, t.key())
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		t.logger.Info("no checkpoint, starting from the beginning")
		return nil
	case err != nil:
		return fmt.Errorf("load checkpoint %s: %w", t.key(), err)
	}
	t.state.Restore(rec)
	t.logger.Info("checkpoint restored",
		logging.TxID(rec.LastIndexedTxID),
		logging.Int64("tx_on_server", rec.LastTxIDOnServer))
	return nil
}

// Run cycles until Stop is called, ctx ends or a fatal error occurs.
func (t *Tracker) Run(ctx context.Context) (err error) {
	if !t.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(t.done)
	defer func() {
		// A fatal failure stays visible with its reason.
		if err == nil || !IsFatal(err) {
			t.setPhase(PhaseStopped, "")
		}
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.cfg.InitialBackoff
	b.MaxInterval = t.cfg.MaxBackoff
	b.Reset()

	t.logger.Info("tracker started")
	for {
		if t.stopping() {
			t.logger.Info("tracker stopped")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var wait time.Duration
		failed := false
		cycleErr := t.RunOnce(ctx)
		switch {
		case cycleErr == nil:
			b.Reset()
			wait = t.pacer.NextWait()
		case ctx.Err() != nil:
			return ctx.Err()
		case IsFatal(cycleErr):
			t.fail(cycleErr)
			return cycleErr
		default:
			t.fail(cycleErr)
			failed = true
			wait = b.NextBackOff()
			t.logger.Warn("cycle failed, backing off", logging.Error(cycleErr), logging.Duration("backoff", wait))
		}

		if !t.wait(ctx, wait) {
			if t.stopping() {
				t.logger.Info("tracker stopped")
				return nil
			}
			return ctx.Err()
		}
		if failed {
			t.setPhase(PhaseIdle, "")
		}
	}
}

// wait returns false when the tracker should exit.
func (t *Tracker) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-t.stopCh:
			return false
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-t.nudge:
		return true
	case <-timer.C:
		return true
	}
}

// Stop asks the tracker to finish the unit in flight and exit, and waits for
// it when it is running.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	if t.started.Load() {
		<-t.done
	}
}

func (t *Tracker) stopping() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

// Nudge wakes a waiting tracker so it polls now.
func (t *Tracker) Nudge() {
	select {
	case t.nudge <- struct{}{}:
	default:
	}
}

// Reindex queues already indexed units to be fetched and applied again at
// the start of the next cycle. The checkpoint is not touched.
func (t *Tracker) Reindex(ids ...int64) {
	t.mu.Lock()
	t.reindex = append(t.reindex, ids...)
	t.mu.Unlock()
	t.Nudge()
}

// Snapshot returns the current state.
func (t *Tracker) Snapshot() Snapshot {
	return t.state.Snapshot()
}

// RunOnce runs a single cycle: drain the maintenance queue, refresh the
// server's newest id, then poll and apply one batch.
func (t *Tracker) RunOnce(ctx context.Context) error {
	start := time.Now()
	t.mu.Lock()
	t.cycles++
	t.lastCycleAt = start
	t.mu.Unlock()

	if err := t.drainReindex(ctx); err != nil {
		return err
	}

	t.setPhase(PhasePolling, "")
	pollStart := time.Now()
	if err := t.refreshServer(ctx); err != nil {
		return err
	}
	snap := t.state.Snapshot()
	units, err := t.stream.Poll(ctx, snap.LastIndexedTxID, t.cfg.BatchSize)
	if t.metrics != nil {
		t.metrics.RecordPoll(t.Name(), time.Since(pollStart))
	}
	if err != nil {
		return err
	}

	if len(units) > 0 {
		t.setPhase(PhaseApplying, "")
	}
	applied := 0
	applyStart := time.Now()
	for _, u := range units {
		if t.stopping() || ctx.Err() != nil {
			break
		}
		if err := t.applyUnit(ctx, u); err != nil {
			if errors.Is(err, ErrNotMonotonic) {
				t.logger.Warn("feed returned a unit at or below the checkpoint", logging.Unit(u.ID))
				continue
			}
			t.pacer.Observe(applied, time.Since(applyStart))
			return err
		}
		applied++
	}
	t.pacer.Observe(applied, time.Since(applyStart))
	t.setPhase(PhaseIdle, "")
	t.publishProgress()

	if applied > 0 {
		t.logger.Debug("cycle complete",
			logging.Count(applied),
			logging.TxID(t.state.Snapshot().LastIndexedTxID),
			logging.Latency(time.Since(start)))
	}
	return nil
}

// refreshServer records the server's newest id and runs the rollback policy.
func (t *Tracker) refreshServer(ctx context.Context) error {
	maxID, err := t.stream.MaxIDOnServer(ctx)
	if err != nil {
		return err
	}
	t.state.ObserveServer(maxID)
	snap := t.state.Snapshot()

	t.mu.Lock()
	if maxID >= snap.LastIndexedTxID {
		cleared := t.rollbackSuspected
		t.suspectCount = 0
		t.rollbackSuspected = false
		t.mu.Unlock()
		if cleared {
			t.logger.Info("repository caught up again, rollback suspicion cleared", logging.Int64("tx_on_server", maxID))
			t.setRollbackMetric(false)
		}
		return nil
	}
	t.suspectCount++
	flag := t.suspectCount >= t.cfg.Rollback.SuspectCycles && !t.rollbackSuspected
	if flag {
		t.rollbackSuspected = true
	}
	t.mu.Unlock()

	if !flag {
		return nil
	}
	t.logger.Warn("repository reports fewer units than indexed, rollback suspected",
		logging.Int64("tx_on_server", maxID),
		logging.TxID(snap.LastIndexedTxID),
		logging.Bool("auto_resync", t.cfg.Rollback.AutoResync))
	t.setRollbackMetric(true)

	if t.cfg.Rollback.AutoResync {
		return t.resync(ctx)
	}
	return nil
}

// resync drops what the stream indexed, then starts it over from zero.
// Reissued ids are lower than the rolled-back versions still in the index,
// so replay alone would not replace them. A crash between the two steps
// leaves the checkpoint high and the regression is detected again.
func (t *Tracker) resync(ctx context.Context) error {
	snap := t.state.Snapshot()
	if r, ok := t.stream.(Resetter); ok {
		if err := r.Reset(ctx); err != nil {
			return &TransientError{Op: "reset stream", Err: err}
		}
	}
	rec := checkpoint.Record{
		Key:              t.key(),
		LastTxIDOnServer: snap.LastTxIDOnServer,
		UpdatedAt:        time.Now().UTC(),
	}
	if err := t.store.Save(ctx, rec); err != nil {
		return &TransientError{Op: "reset checkpoint", Err: err}
	}
	t.state.Reset()

	t.mu.Lock()
	t.resyncs++
	t.suspectCount = 0
	t.rollbackSuspected = false
	t.mu.Unlock()
	t.setRollbackMetric(false)
	t.logger.Warn("stream reset for full re-index", logging.TxID(snap.LastIndexedTxID))
	return nil
}

// applyUnit applies, commits and persists u, then advances the state. A
// permanent failure is logged and skipped but still advances the state.
// Once started, a unit runs to its checkpoint even if ctx ends.
func (t *Tracker) applyUnit(ctx context.Context, u Unit) error {
	last := t.state.Snapshot().LastIndexedTxID
	if u.ID <= last {
		return fmt.Errorf("%w: %d after %d", ErrNotMonotonic, u.ID, last)
	}
	ctx = context.WithoutCancel(ctx)

	res, err := t.stream.Apply(ctx, u)
	skipped := false
	if err != nil {
		switch classify(err) {
		case classPermanent:
			t.skip(u, err)
			skipped = true
		default:
			if t.metrics != nil {
				t.metrics.RecordApplyError(t.Name(), classify(err).String())
			}
			return err
		}
	}

	if err := t.stream.Commit(ctx); err != nil {
		return err
	}
	if err := t.persist(ctx, u); err != nil {
		return err
	}
	if err := t.state.Advance(u.ID, u.CommitTime); err != nil {
		return err
	}
	if o, ok := t.stream.(CheckpointObserver); ok {
		o.Checkpointed(u.ID)
	}

	if !skipped {
		t.mu.Lock()
		t.unitsApplied++
		t.mu.Unlock()
		if t.metrics != nil {
			t.metrics.RecordUnitApplied(t.Name(), res.Applied, res.NotOwned)
		}
	}
	return nil
}

func (t *Tracker) skip(u Unit, err error) {
	fields := []logging.Field{logging.Unit(u.ID), logging.Error(err)}
	var perm *PermanentError
	if errors.As(err, &perm) && perm.EntityID != 0 {
		fields = append(fields, logging.Entity(string(perm.Kind), perm.EntityID))
	}
	t.logger.Error("skipping unit that cannot be applied", fields...)

	t.mu.Lock()
	t.unitsSkipped++
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.RecordUnitSkipped(t.Name(), "permanent")
	}
}

func (t *Tracker) persist(ctx context.Context, u Unit) error {
	rec := checkpoint.Record{
		Key:                     t.key(),
		LastIndexedTxID:         u.ID,
		LastIndexedTxCommitTime: u.CommitTime,
		LastTxIDOnServer:        t.state.Snapshot().LastTxIDOnServer,
		UpdatedAt:               time.Now().UTC(),
	}
	if err := t.store.Save(ctx, rec); err != nil {
		return &TransientError{Op: "save checkpoint", Err: err}
	}
	return nil
}

// drainReindex re-applies queued units that are at or below the checkpoint.
// Ids above it are dropped; the normal poll will reach them.
func (t *Tracker) drainReindex(ctx context.Context) error {
	t.mu.Lock()
	queue := t.reindex
	t.reindex = nil
	t.mu.Unlock()
	if len(queue) == 0 {
		return nil
	}

	t.setPhase(PhaseApplying, "")
	last := t.state.Snapshot().LastIndexedTxID
	for i, id := range queue {
		if t.stopping() || ctx.Err() != nil {
			t.mu.Lock()
			t.reindex = append(queue[i:], t.reindex...)
			t.mu.Unlock()
			return nil
		}
		if id > last {
			continue
		}
		units, err := t.stream.Poll(ctx, id-1, 1)
		if err == nil && (len(units) == 0 || units[0].ID != id) {
			t.logger.Warn("reindex target not found", logging.Unit(id))
			continue
		}
		work := context.WithoutCancel(ctx)
		if err == nil {
			_, err = t.reapply(work, units[0])
			if err != nil && classify(err) == classPermanent {
				t.skip(units[0], err)
				err = nil
			}
		}
		if err == nil {
			err = t.stream.Commit(work)
		}
		if err != nil {
			t.mu.Lock()
			t.reindex = append(queue[i:], t.reindex...)
			t.mu.Unlock()
			return err
		}
		t.logger.Info("unit reindexed", logging.Unit(id))
	}
	return nil
}

func (t *Tracker) reapply(ctx context.Context, u Unit) (ApplyResult, error) {
	if r, ok := t.stream.(Reapplier); ok {
		return r.Reapply(ctx, u)
	}
	return t.stream.Apply(ctx, u)
}

func (t *Tracker) setPhase(p Phase, reason string) {
	t.mu.Lock()
	t.phase = p
	t.reason = reason
	t.mu.Unlock()
	if t.metrics != nil {
		t.metrics.SetTrackerState(t.Name(), string(p))
	}
}

func (t *Tracker) fail(err error) {
	t.setPhase(PhaseFailed, err.Error())
	t.publishProgress()
}

func (t *Tracker) setRollbackMetric(suspected bool) {
	if t.metrics != nil {
		t.metrics.SetRollbackSuspected(t.Name(), suspected)
	}
}

func (t *Tracker) publishProgress() {
	if t.metrics == nil {
		return
	}
	snap := t.state.Snapshot()
	t.metrics.ObserveProgress(t.Name(), snap.LastIndexedTxID, snap.LastTxIDOnServer, snap.TxRemaining())
}
