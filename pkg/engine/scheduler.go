package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StartOptions tunes how resources are started.
type StartOptions struct {
	// MaxParallel caps concurrent starts within a level. Zero uses the scheduler default.
	MaxParallel int

	// MaxRetries is the number of retries for transient start errors.
	MaxRetries int

	// Timeout bounds each start attempt. Zero means no per-attempt timeout.
	Timeout time.Duration

	// BaseBackoff is the first retry delay. Zero means one second.
	BaseBackoff time.Duration
}

// StartResult is the outcome of starting one resource.
type StartResult struct {
	Resource    string        `json:"resource"`
	Status      StartStatus   `json:"status"`
	Attempts    int           `json:"attempts"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Error       *EngineError  `json:"error,omitempty"`
}

// StartScheduler starts resources level by level, running independent
// resources in parallel within each level.
type StartScheduler struct {
	// maxParallel is the maximum number of concurrent workers
	maxParallel int

	// starter starts individual resources
	starter Starter

	// eventPublisher publishes start events
	eventPublisher EventPublisher

	// mu protects shared state during a start pass
	mu sync.RWMutex

	// results maps resource names to their start results
	results map[string]*StartResult

	// status tracks the current start status of each resource
	status map[string]StartStatus
}

// NewStartScheduler creates a new start scheduler.
func NewStartScheduler(maxParallel int, starter Starter, eventPublisher EventPublisher) *StartScheduler {
	if maxParallel <= 0 {
		maxParallel = 10
	}

	return &StartScheduler{
		maxParallel:    maxParallel,
		starter:        starter,
		eventPublisher: eventPublisher,
		results:        make(map[string]*StartResult),
		status:         make(map[string]StartStatus),
	}
}

// StartAll starts every startable resource of g following the levels of sg.
// A failed resource is marked failed on g; its dependents still start.
// It returns the summary of the pass and an error only on cancellation.
func (s *StartScheduler) StartAll(
	ctx context.Context,
	g *Graph,
	sg *StartupGraph,
	runID string,
	opts StartOptions,
) (RunSummary, error) {
	s.mu.Lock()
	for _, level := range sg.Levels {
		for _, name := range level {
			s.status[name] = StartStatusPending
		}
	}
	s.mu.Unlock()

	for level, names := range sg.Levels {
		levelResources := make([]*Resource, 0, len(names))
		for _, name := range names {
			res, ok := g.Resource(name)
			if !ok {
				continue
			}
			if !res.Kind().Startable() {
				s.markSkipped(res)
				continue
			}
			levelResources = append(levelResources, res)
		}

		if len(levelResources) > 0 {
			s.startLevelParallel(ctx, g, runID, levelResources, opts)
		}

		select {
		case <-ctx.Done():
			s.handleCancellation()
			return s.Summary(), NewPermanentError(
				fmt.Sprintf("start cancelled at level %d", level), ctx.Err(),
			).WithCode(ErrCodeTimeout)
		default:
		}
	}

	return s.Summary(), nil
}

// startLevelParallel starts all resources at a level using a worker pool.
func (s *StartScheduler) startLevelParallel(
	ctx context.Context,
	g *Graph,
	runID string,
	resources []*Resource,
	opts StartOptions,
) {
	workerCount := s.maxParallel
	if opts.MaxParallel > 0 && opts.MaxParallel < workerCount {
		workerCount = opts.MaxParallel
	}
	if len(resources) < workerCount {
		workerCount = len(resources)
	}

	workQueue := make(chan *Resource, len(resources))
	for _, res := range resources {
		workQueue <- res
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for res := range workQueue {
				select {
				case <-ctx.Done():
					return
				default:
				}
				s.startResource(ctx, g, runID, res, opts)
			}
		}()
	}

	wg.Wait()
}

// startResource starts a single resource with retry logic.
func (s *StartScheduler) startResource(
	ctx context.Context,
	g *Graph,
	runID string,
	res *Resource,
	opts StartOptions,
) {
	s.updateStatus(res.Name(), StartStatusRunning)
	s.publishEvent(ctx, runID, res.Name(), EventTypeResourceStarting,
		fmt.Sprintf("Starting %s %s", res.Kind(), res.Name()), "info")

	result := &StartResult{
		Resource:  res.Name(),
		StartedAt: time.Now(),
	}

	var err error
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if opts.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		}
		err = s.starter.Start(attemptCtx, g, res)
		cancel()

		if err == nil || !IsRetryable(err) || attempt >= opts.MaxRetries {
			break
		}

		backoff := s.calculateBackoff(attempt, err, opts.BaseBackoff)
		s.publishEvent(ctx, runID, res.Name(), EventTypeWarning,
			fmt.Sprintf("Retrying start of %s (attempt %d/%d)", res.Name(), attempt+1, opts.MaxRetries+1),
			"warning")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			err = ctx.Err()
			attempt = opts.MaxRetries
		}
	}

	result.CompletedAt = time.Now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)

	if err != nil {
		result.Status = StartStatusFailed
		result.Error = classifyStartError(err, res.Name())
		g.MarkFailed(res, err)
		s.storeResult(result)
		s.updateStatus(res.Name(), StartStatusFailed)
		s.publishEvent(ctx, runID, res.Name(), EventTypeResourceFailed,
			fmt.Sprintf("Failed to start %s: %v", res.Name(), err), "error")
		return
	}

	result.Status = StartStatusStarted
	s.storeResult(result)
	s.updateStatus(res.Name(), StartStatusStarted)
	s.publishEvent(ctx, runID, res.Name(), EventTypeResourceStarted,
		fmt.Sprintf("Started %s", res.Name()), "info")
}

// calculateBackoff calculates exponential backoff with jitter.
func (s *StartScheduler) calculateBackoff(attempt int, err error, base time.Duration) time.Duration {
	baseDelay := base
	if baseDelay <= 0 {
		baseDelay = time.Second
	}

	if IsThrottled(err) {
		baseDelay *= 5
	} else if IsConflict(err) {
		baseDelay *= 2
	}

	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}

	jitter := time.Duration(float64(delay) * 0.25)
	return delay + jitter/2
}

// classifyStartError converts a start error to an EngineError.
func classifyStartError(err error, resource string) *EngineError {
	classified := Classify(err)
	if classified.Code == ErrCodeInternal {
		return NewPermanentError("start failed", err).
			WithCode(ErrCodeStartFailed).
			WithResource(resource)
	}
	return classified
}

// handleCancellation marks resources that never ran as cancelled.
func (s *StartScheduler) handleCancellation() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, status := range s.status {
		if status == StartStatusPending {
			s.status[name] = StartStatusCancelled
		}
	}
}

func (s *StartScheduler) markSkipped(res *Resource) {
	now := time.Now()
	s.storeResult(&StartResult{
		Resource:    res.Name(),
		Status:      StartStatusSkipped,
		StartedAt:   now,
		CompletedAt: now,
	})
	s.updateStatus(res.Name(), StartStatusSkipped)
}

func (s *StartScheduler) updateStatus(name string, status StartStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[name] = status
}

func (s *StartScheduler) storeResult(result *StartResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[result.Resource] = result
}

// Result returns the start result of a resource.
func (s *StartScheduler) Result(name string) (*StartResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[name]
	return r, ok
}

// Status returns the start status of a resource.
func (s *StartScheduler) Status(name string) StartStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status[name]
}

// Summary counts start outcomes.
func (s *StartScheduler) Summary() RunSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := RunSummary{Total: len(s.status)}
	for _, status := range s.status {
		switch status {
		case StartStatusStarted:
			summary.Started++
		case StartStatusFailed:
			summary.Failed++
		case StartStatusSkipped, StartStatusCancelled, StartStatusPending:
			summary.Skipped++
		}
	}
	return summary
}

func (s *StartScheduler) publishEvent(
	ctx context.Context,
	runID, resource string,
	eventType EventType,
	message, level string,
) {
	if s.eventPublisher == nil {
		return
	}

	_ = s.eventPublisher.Publish(ctx, &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		RunID:     runID,
		Resource:  resource,
		Phase:     PhaseStart,
		Message:   message,
		Level:     level,
	})
}
