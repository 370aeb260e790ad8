package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
	"github.com/nicnocquee/dataqueue-sub002/internal/repository"
)

// Step keys that implement the wait machinery live in the same step-data
// map as user steps but under a reserved prefix, so a resumed handler can
// tell "this wait already happened" from "this wait is new".
const (
	waitKeyPrefix  = "$wait:"
	tokenKeyPrefix = "$token:"
	awaitKeyPrefix = "$waittoken:"
)

// JobContext is the per-invocation object handed to a handler. It exposes
// step memoization, waits, token creation, progress and logging. It is not
// safe for use from multiple goroutines.
type JobContext struct {
	job     *domain.Job
	backend repository.Backend
	logger  *slog.Logger

	stepData  domain.StepData
	seenSteps map[string]struct{}
	waitSeq   int
	tokenSeq  int
}

func newJobContext(job *domain.Job, backend repository.Backend, logger *slog.Logger) *JobContext {
	stepData := job.StepData
	if stepData == nil {
		stepData = make(domain.StepData)
	}
	return &JobContext{
		job:       job,
		backend:   backend,
		logger:    logger.With("job_id", job.ID, "job_type", job.JobType),
		stepData:  stepData,
		seenSteps: make(map[string]struct{}),
	}
}

// JobID returns the id of the job being executed.
func (c *JobContext) JobID() int64 { return c.job.ID }

// Attempt returns the 1-based attempt number of this invocation.
func (c *JobContext) Attempt() int { return c.job.Attempts }

// RunStep executes fn exactly once across all attempts of this job. The
// return value is serialized into the job's step data before the next step
// begins; on retry the cached value is returned without invoking fn. Step
// names must be unique within a handler.
func (c *JobContext) RunStep(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	if _, seen := c.seenSteps[name]; seen {
		return nil, fmt.Errorf("%w: %q", domain.ErrDuplicateStepName, name)
	}
	c.seenSteps[name] = struct{}{}

	if cached, ok := c.stepData[name]; ok {
		return cached, nil
	}

	out, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("step %q: encode result: %w", name, err)
	}
	c.stepData[name] = encoded
	// Persistence is best-effort: losing it means the step re-runs on the
	// next attempt, which at-least-once semantics already allow.
	if err := c.backend.UpdateStepData(ctx, c.job.ID, c.stepData); err != nil {
		c.logger.Warn("persist step data failed", "step", name, "error", err)
	}
	return encoded, nil
}

// RunStepInto is RunStep with the result decoded into target.
func (c *JobContext) RunStepInto(ctx context.Context, name string, target any, fn func(ctx context.Context) (any, error)) error {
	raw, err := c.RunStep(ctx, name, fn)
	if err != nil {
		return err
	}
	if target == nil || raw == nil {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("step %q: decode cached result: %w", name, err)
	}
	return nil
}

// WaitFor suspends the job for the given duration. The first time a wait
// site executes it persists the step data, transitions the job to waiting
// and aborts the invocation; when the job is re-claimed after the timer
// the same site observes its marker and returns immediately.
func (c *JobContext) WaitFor(ctx context.Context, d time.Duration) error {
	key := fmt.Sprintf("%s%d", waitKeyPrefix, c.waitSeq)
	c.waitSeq++
	if _, ok := c.stepData[key]; ok {
		return nil
	}
	c.stepData[key] = json.RawMessage("true")
	if err := c.backend.WaitJob(ctx, c.job.ID, repository.WaitInput{
		WaitFor:  &d,
		StepData: c.stepData,
	}); err != nil {
		delete(c.stepData, key)
		return fmt.Errorf("wait for %s: %w", d, err)
	}
	panic(suspendSignal{})
}

// WaitUntil suspends the job until an absolute time. Times in the past
// make the job immediately claimable again.
func (c *JobContext) WaitUntil(ctx context.Context, t time.Time) error {
	key := fmt.Sprintf("%s%d", waitKeyPrefix, c.waitSeq)
	c.waitSeq++
	if _, ok := c.stepData[key]; ok {
		return nil
	}
	c.stepData[key] = json.RawMessage("true")
	if err := c.backend.WaitJob(ctx, c.job.ID, repository.WaitInput{
		WaitUntil: &t,
		StepData:  c.stepData,
	}); err != nil {
		delete(c.stepData, key)
		return fmt.Errorf("wait until %s: %w", t, err)
	}
	panic(suspendSignal{})
}

// CreateToken creates a waitpoint bound to this job. Creation is memoized
// like a step so a retried handler gets the same token id back.
func (c *JobContext) CreateToken(ctx context.Context, opts CreateTokenOptions) (string, error) {
	key := fmt.Sprintf("%s%d", tokenKeyPrefix, c.tokenSeq)
	c.tokenSeq++
	if cached, ok := c.stepData[key]; ok {
		var id string
		if err := json.Unmarshal(cached, &id); err != nil {
			return "", fmt.Errorf("decode cached token id: %w", err)
		}
		return id, nil
	}

	jobID := c.job.ID
	wp, err := c.backend.CreateWaitpoint(ctx, &jobID, repository.CreateWaitpointInput{
		Timeout: opts.Timeout,
		Tags:    opts.Tags,
	})
	if err != nil {
		return "", fmt.Errorf("create token: %w", err)
	}
	encoded, _ := json.Marshal(wp.ID)
	c.stepData[key] = encoded
	if err := c.backend.UpdateStepData(ctx, c.job.ID, c.stepData); err != nil {
		c.logger.Warn("persist step data failed", "token_id", wp.ID, "error", err)
	}
	return wp.ID, nil
}

// WaitForToken suspends the job until the token is completed or expires.
// On resume it reports {OK: true, Data} for a completed token and
// {OK: false, Error: "timeout"} for an expired one.
func (c *JobContext) WaitForToken(ctx context.Context, tokenID string) (TokenResult, error) {
	key := awaitKeyPrefix + tokenID
	if _, ok := c.stepData[key]; !ok {
		c.stepData[key] = json.RawMessage("true")
		if err := c.backend.WaitJob(ctx, c.job.ID, repository.WaitInput{
			WaitTokenID: &tokenID,
			StepData:    c.stepData,
		}); err != nil {
			delete(c.stepData, key)
			return TokenResult{}, fmt.Errorf("wait for token %s: %w", tokenID, err)
		}
		panic(suspendSignal{})
	}

	wp, err := c.backend.GetWaitpoint(ctx, tokenID)
	if err != nil {
		return TokenResult{}, fmt.Errorf("get token %s: %w", tokenID, err)
	}
	switch wp.Status {
	case domain.WaitpointCompleted:
		return TokenResult{OK: true, Data: wp.Data}, nil
	case domain.WaitpointExpired:
		return TokenResult{OK: false, Error: "timeout"}, nil
	}
	// Still pending: the job was woken without the token resolving
	// (reclaim after a crash). Park it again.
	if err := c.backend.WaitJob(ctx, c.job.ID, repository.WaitInput{
		WaitTokenID: &tokenID,
		StepData:    c.stepData,
	}); err != nil {
		return TokenResult{}, fmt.Errorf("re-wait for token %s: %w", tokenID, err)
	}
	panic(suspendSignal{})
}

// Prolong refreshes the claim lock. Long-running handlers call this
// periodically so the supervisor does not reclaim the job mid-run.
func (c *JobContext) Prolong(ctx context.Context) error {
	if err := c.backend.ProlongJob(ctx, c.job.ID); err != nil {
		return fmt.Errorf("prolong job: %w", err)
	}
	return nil
}

// SetProgress records handler progress, clamped to 0-100. A progress event
// is logged only when the value actually changes.
func (c *JobContext) SetProgress(ctx context.Context, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if err := c.backend.SetJobProgress(ctx, c.job.ID, progress); err != nil {
		return fmt.Errorf("set progress: %w", err)
	}
	return nil
}

// SetOutput stores the handler's result on the job row.
func (c *JobContext) SetOutput(ctx context.Context, v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	if err := c.backend.SetJobOutput(ctx, c.job.ID, encoded); err != nil {
		return fmt.Errorf("set output: %w", err)
	}
	return nil
}

// Log writes a structured log line tagged with the job id and type.
func (c *JobContext) Log(msg string, args ...any) {
	c.logger.Info(msg, args...)
}
