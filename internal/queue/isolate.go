package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/nicnocquee/dataqueue-sub002/internal/domain"
)

// Jobs flagged forceKillOnTimeout run in a re-exec of the current binary
// so a blown timeout can SIGKILL the whole attempt, including handler code
// that ignores context cancellation. The child is selected by env var and
// speaks a one-shot JSON request/response over stdin/stdout.

const (
	isolatedEnvKey     = "DATAQUEUE_ISOLATED_JOB"
	isolatedEnvJobType = "DATAQUEUE_ISOLATED_JOB_TYPE"
)

type isolatedRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type isolatedResponse struct {
	OK     bool            `json:"ok"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ValidateIsolatable rejects handlers that cannot survive a re-exec.
// Closures and bound methods capture state that does not exist in the
// child process, so only top-level named functions are accepted.
func ValidateIsolatable(jobType string, fn IsolatedHandler) error {
	if fn == nil {
		return fmt.Errorf("isolated handler for %q is nil", jobType)
	}
	name := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()
	if strings.Contains(name, ".func") {
		return fmt.Errorf("isolated handler for %q is a closure (%s); force-kill handlers must be top-level functions", jobType, name)
	}
	if strings.HasSuffix(name, "-fm") {
		return fmt.Errorf("isolated handler for %q is a bound method (%s); force-kill handlers must be top-level functions", jobType, name)
	}
	return nil
}

// MaybeRunIsolated must be called early in main, before flags or servers.
// When the process was spawned as an isolation child it runs the requested
// handler and exits; in the normal parent case it returns immediately.
func MaybeRunIsolated(handlers IsolatedHandlers) {
	if os.Getenv(isolatedEnvKey) != "1" {
		return
	}
	jobType := os.Getenv(isolatedEnvJobType)

	var req isolatedRequest
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		writeIsolatedResponse(isolatedResponse{Error: fmt.Sprintf("decode request: %v", err)})
		os.Exit(1)
	}

	handler, ok := handlers[jobType]
	if !ok {
		writeIsolatedResponse(isolatedResponse{Error: fmt.Sprintf("no isolated handler for job type %q", jobType)})
		os.Exit(1)
	}

	out, err := handler(context.Background(), req.Payload)
	if err != nil {
		writeIsolatedResponse(isolatedResponse{Error: err.Error()})
		os.Exit(0)
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		writeIsolatedResponse(isolatedResponse{Error: fmt.Sprintf("encode output: %v", err)})
		os.Exit(0)
	}
	writeIsolatedResponse(isolatedResponse{OK: true, Output: encoded})
	os.Exit(0)
}

func writeIsolatedResponse(resp isolatedResponse) {
	_ = json.NewEncoder(os.Stdout).Encode(resp)
}

// invokeIsolated runs the job in a child process and hard-kills it when
// runCtx expires. The child's output, if any, is stored on the job row.
func (p *Processor) invokeIsolated(runCtx context.Context, job *domain.Job, _ IsolatedHandler) (runOutcome, error) {
	exe, err := os.Executable()
	if err != nil {
		return outcomeFailed, fmt.Errorf("resolve executable: %w", err)
	}

	cmd := exec.CommandContext(runCtx, exe)
	cmd.Env = append(os.Environ(),
		isolatedEnvKey+"=1",
		isolatedEnvJobType+"="+job.JobType,
	)
	cmd.Stderr = os.Stderr

	reqBytes, err := json.Marshal(isolatedRequest{Payload: job.Payload})
	if err != nil {
		return outcomeFailed, fmt.Errorf("encode isolated request: %w", err)
	}
	cmd.Stdin = strings.NewReader(string(reqBytes))

	out, err := cmd.Output()
	if runCtx.Err() != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return outcomeTimedOut, fmt.Errorf("job killed after timeout")
	}
	if err != nil {
		return outcomeFailed, fmt.Errorf("isolated child: %w", err)
	}

	var resp isolatedResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return outcomeFailed, fmt.Errorf("decode isolated response: %w", err)
	}
	if !resp.OK {
		return outcomeFailed, errors.New(resp.Error)
	}
	if len(resp.Output) > 0 {
		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(runCtx), 5*time.Second)
		defer cancel()
		if serr := p.backend.SetJobOutput(storeCtx, job.ID, resp.Output); serr != nil {
			p.logger.Warn("store isolated output failed", "job_id", job.ID, "error", serr)
		}
	}
	return outcomeCompleted, nil
}
