package memory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/dotsetgreg/dotrecall/pkg/logger"
	"github.com/dotsetgreg/dotrecall/pkg/metrics"
)

// Config configures the conversation memory subsystem.
type Config struct {
	Workspace string
	// DBPath overrides <workspace>/state/recall.db.
	DBPath          string
	BlockSize       int
	RawWindow       int
	MaxBridge       int
	Workers         int
	WorkerPoll      time.Duration
	WorkerLease     time.Duration
	SummaryTimeout  time.Duration
	DescribeTimeout time.Duration
	// SweepCron schedules a rollup pass over every conversation. Empty disables it.
	SweepCron string
	// DisableWorkers keeps the service passive: jobs are queued but only run
	// through RunPending.
	DisableWorkers bool
}

// Service owns the store handle and runs background rollup and describe jobs.
type Service struct {
	cfg       Config
	store     Store
	engine    *RollupEngine
	assembler *Assembler
	describer Describer

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

func NewService(cfg Config, summarizer Summarizer, describer Describer) (*Service, error) {
	if strings.TrimSpace(cfg.Workspace) == "" && strings.TrimSpace(cfg.DBPath) == "" {
		return nil, fmt.Errorf("memory workspace is required")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.Workspace, "state", "recall.db")
	}
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		return nil, err
	}
	svc, err := NewServiceWithStore(cfg, store, summarizer, describer)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return svc, nil
}

// NewServiceWithStore wires a service around an already opened store. The
// service takes ownership and closes it in Close.
func NewServiceWithStore(cfg Config, store Store, summarizer Summarizer, describer Describer) (*Service, error) {
	if cfg.BlockSize < 2 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.RawWindow <= 0 {
		cfg.RawWindow = DefaultRawWindow
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.WorkerPoll <= 0 {
		cfg.WorkerPoll = 700 * time.Millisecond
	}
	if cfg.WorkerLease <= 0 {
		cfg.WorkerLease = 2 * time.Minute
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = 2 * time.Minute
	}
	if cfg.DescribeTimeout <= 0 {
		cfg.DescribeTimeout = time.Minute
	}
	if cfg.SweepCron != "" && !gronx.IsValid(cfg.SweepCron) {
		return nil, fmt.Errorf("invalid rollup sweep cron expression: %s", cfg.SweepCron)
	}

	svc := &Service{
		cfg:   cfg,
		store: store,
		engine: NewRollupEngine(store, summarizer, RollupOptions{
			BlockSize:      cfg.BlockSize,
			SummaryTimeout: cfg.SummaryTimeout,
		}),
		assembler: NewAssembler(store, AssemblerOptions{
			RawWindow: cfg.RawWindow,
			BlockSize: cfg.BlockSize,
			MaxBridge: cfg.MaxBridge,
		}),
		describer: describer,
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}

	if !cfg.DisableWorkers {
		for i := 0; i < cfg.Workers; i++ {
			svc.wg.Add(1)
			go svc.runWorker(i)
		}
		if cfg.SweepCron != "" {
			svc.wg.Add(1)
			go svc.runSweep(cfg.SweepCron)
		}
	}
	return svc, nil
}

func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

func (s *Service) Store() Store { return s.store }

// Ping reports whether the store is reachable. Stores without a ping are
// assumed healthy.
func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (s *Service) Engine() *RollupEngine { return s.engine }

func (s *Service) Assemble(ctx context.Context, conversationID string, includeFullHistory bool) (AssembledContext, error) {
	return s.assembler.Assemble(ctx, conversationID, includeFullHistory)
}

// RecentWindow returns up to limit of the newest messages, newest first.
func (s *Service) RecentWindow(ctx context.Context, conversationID string, limit int) ([]MessageView, error) {
	return s.store.RecentWindow(ctx, conversationID, limit)
}

// EnsureRollups runs a rollup pass inline, bypassing the job queue.
func (s *Service) EnsureRollups(ctx context.Context, conversationID string) (RollupReport, error) {
	return s.engine.EnsureRollups(ctx, conversationID)
}

// ScheduleRollup queues a rollup pass for the conversation. Repeated calls
// coalesce into one job row.
func (s *Service) ScheduleRollup(ctx context.Context, conversationID string) error {
	now := time.Now().UnixMilli()
	if err := s.store.EnqueueJob(ctx, Job{
		ID:             jobID(JobRollup, conversationID, ""),
		JobType:        JobRollup,
		ConversationID: conversationID,
		Status:         JobPending,
		Priority:       50,
		RunAfterMS:     now,
		CreatedAtMS:    now,
		UpdatedAtMS:    now,
	}); err != nil {
		return err
	}
	s.signal()
	return nil
}

// ScheduleDescribe queues a vision description of a message attachment.
func (s *Service) ScheduleDescribe(ctx context.Context, conversationID, nativeID string, att Attachment) error {
	if s.describer == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	if err := s.store.EnqueueJob(ctx, Job{
		ID:             jobID(JobDescribe, conversationID, nativeID),
		JobType:        JobDescribe,
		ConversationID: conversationID,
		Status:         JobPending,
		Priority:       20,
		Payload: map[string]string{
			"native_id":    nativeID,
			"url":          att.URL,
			"content_type": att.ContentType,
		},
		RunAfterMS:  now,
		CreatedAtMS: now,
		UpdatedAtMS: now,
	}); err != nil {
		return err
	}
	s.signal()
	return nil
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// RunPending drains due jobs on the calling goroutine and returns how many ran.
func (s *Service) RunPending(ctx context.Context) int {
	return s.processPendingJobs(ctx)
}

func (s *Service) runWorker(id int) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(s.cfg.WorkerPoll)
	defer ticker.Stop()

	// Pick up jobs left over from a previous process right away.
	s.processPendingJobs(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.wake:
		}
		if n := s.processPendingJobs(ctx); n > 0 {
			logger.DebugCF("memory", "Worker drained jobs", map[string]interface{}{
				"worker": id,
				"jobs":   n,
			})
		}
	}
}

// processPendingJobs runs up to a batch of claimable jobs. Jobs whose lease
// expired under a crashed worker are claimable again; live leases are renewed
// while a job runs.
func (s *Service) processPendingJobs(ctx context.Context) int {
	const maxBatch = 32
	leaseForMS := s.cfg.WorkerLease.Milliseconds()
	ran := 0
	for i := 0; i < maxBatch; i++ {
		if ctx.Err() != nil {
			return ran
		}
		job, ok, err := s.store.ClaimNextJob(ctx, time.Now().UnixMilli(), leaseForMS)
		if err != nil {
			logger.WarnCF("memory", "Claim job failed", map[string]interface{}{"error": err})
			return ran
		}
		if !ok {
			return ran
		}
		ran++

		release := s.holdLease(ctx, job.ID)
		err = s.handleJob(ctx, job)
		release()
		if err != nil {
			_ = s.store.FailJob(ctx, job.ID, err.Error())
			metrics.Jobs.WithLabelValues(job.JobType, "failed").Inc()
			logger.WarnCF("memory", "Background job failed", map[string]interface{}{
				"job":          job.ID,
				"type":         job.JobType,
				"conversation": job.ConversationID,
				"error":        err,
			})
			continue
		}
		_ = s.store.CompleteJob(ctx, job.ID)
		metrics.Jobs.WithLabelValues(job.JobType, "completed").Inc()
	}
	return ran
}

// holdLease renews the job lease every third of WorkerLease until the
// returned func is called, so a long rollup backlog is never reclaimed and
// summarized twice.
func (s *Service) holdLease(ctx context.Context, id string) func() {
	lease := s.cfg.WorkerLease
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(max(lease/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			until := time.Now().Add(lease).UnixMilli()
			if err := s.store.RenewJobLease(ctx, id, until); err != nil && ctx.Err() == nil {
				logger.WarnCF("memory", "Renew job lease failed", map[string]interface{}{
					"job":   id,
					"error": err,
				})
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (s *Service) handleJob(ctx context.Context, job Job) error {
	switch job.JobType {
	case JobRollup:
		if strings.TrimSpace(job.ConversationID) == "" {
			return fmt.Errorf("invalid rollup job: empty conversation")
		}
		_, err := s.engine.EnsureRollups(ctx, job.ConversationID)
		return err
	case JobDescribe:
		return s.describe(ctx, job)
	default:
		return fmt.Errorf("unknown job type: %s", job.JobType)
	}
}

func (s *Service) describe(ctx context.Context, job Job) error {
	nativeID := job.Payload["native_id"]
	url := job.Payload["url"]
	if nativeID == "" || url == "" {
		return fmt.Errorf("invalid describe job payload")
	}
	if s.describer == nil {
		return fmt.Errorf("%w: no describer configured", ErrCapabilityUnavailable)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.DescribeTimeout)
	defer cancel()
	start := time.Now()
	text, err := s.describer.Describe(callCtx, url, job.Payload["content_type"])
	metrics.ObserveSince("describe", start)
	if err != nil {
		return fmt.Errorf("%w: describe attachment: %w", ErrCapabilityUnavailable, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("%w: empty attachment description", ErrCapabilityUnavailable)
	}
	if err := s.store.SetDerivedContext(ctx, job.ConversationID, nativeID, text); err != nil {
		if errors.Is(err, ErrNotFound) {
			logger.WarnCF("memory", "Described message no longer resolvable", map[string]interface{}{
				"conversation": job.ConversationID,
				"native_id":    nativeID,
			})
			return nil
		}
		return err
	}
	return nil
}

// SweepOnce queues a rollup for every known conversation.
func (s *Service) SweepOnce(ctx context.Context) (int, error) {
	convs, err := s.store.ListConversations(ctx)
	if err != nil {
		return 0, err
	}
	for _, conv := range convs {
		if err := s.ScheduleRollup(ctx, conv); err != nil {
			return 0, err
		}
	}
	return len(convs), nil
}

// runSweep fires SweepOnce on every tick of the cron expression.
func (s *Service) runSweep(cronExpr string) {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		next, err := gronx.NextTickAfter(cronExpr, time.Now(), false)
		if err != nil {
			logger.ErrorCF("memory", "Rollup sweep schedule failed", map[string]interface{}{
				"cron":  cronExpr,
				"error": err,
			})
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		n, err := s.SweepOnce(ctx)
		if err != nil {
			logger.WarnCF("memory", "Rollup sweep failed", map[string]interface{}{"error": err})
			continue
		}
		logger.InfoCF("memory", "Rollup sweep queued conversations", map[string]interface{}{"conversations": n})
	}
}

// jobID is deterministic so redundant triggers share one row.
func jobID(jobType, conversationID, nativeID string) string {
	h := sha1.Sum([]byte(jobType + "|" + conversationID + "|" + nativeID))
	return "job-" + hex.EncodeToString(h[:8])
}
