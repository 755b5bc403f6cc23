package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/example/whisperd/internal/model"
	"github.com/example/whisperd/internal/stream"
)

// DefaultGracePeriod is how long a child gets to exit after SIGTERM before
// escalation to SIGKILL.
const DefaultGracePeriod = 5 * time.Second

// ProcessWorker runs the python transcriber as a child process, decoding the
// status-line protocol from both its output channels. Cancellation follows
// the escalation policy: cooperative SIGTERM first, SIGKILL after the grace
// period. Signal races with a process that already exited are tolerated.
type ProcessWorker struct {
	PythonPath  string
	ScriptPath  string
	GracePeriod time.Duration
	Log         *slog.Logger
}

func NewProcessWorker(pythonPath, scriptPath string, logger *slog.Logger) *ProcessWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessWorker{
		PythonPath:  pythonPath,
		ScriptPath:  scriptPath,
		GracePeriod: DefaultGracePeriod,
		Log:         logger.With("component", "worker"),
	}
}

func (w *ProcessWorker) Run(ctx context.Context, req Request, onEvent EventFunc) (*model.Result, error) {
	cmd := exec.Command(w.PythonPath, w.ScriptPath, req.AudioPath, req.OutputPath, req.Model)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrExecution, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrExecution, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start transcriber: %v", ErrExecution, err)
	}
	w.Log.Info("transcriber started", "job_id", req.JobID, "pid", cmd.Process.Pid, "model", req.Model)

	var readers sync.WaitGroup
	readers.Add(2)
	go w.readStream(stdout, onEvent, &readers)
	go w.readStream(stderr, onEvent, &readers)

	done := make(chan struct{})
	go w.superviseCancel(ctx, cmd, req.JobID, done)

	readers.Wait()
	waitErr := cmd.Wait()
	close(done)

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if waitErr != nil {
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		return nil, fmt.Errorf("%w: exit code %d", ErrExecution, code)
	}

	return readArtifact(req.OutputPath)
}

// readStream feeds one output channel through a decoder. Each channel gets
// its own decoder so partial lines never interleave across channels.
func (w *ProcessWorker) readStream(r io.Reader, onEvent EventFunc, readers *sync.WaitGroup) {
	defer readers.Done()

	dec := stream.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			emitAll(onEvent, dec.Feed(buf[:n]))
		}
		if err != nil {
			emitAll(onEvent, dec.Flush())
			return
		}
	}
}

func emitAll(onEvent EventFunc, events []stream.Event) {
	if onEvent == nil {
		return
	}
	for _, event := range events {
		onEvent(event)
	}
}

// superviseCancel implements SIGTERM -> grace period -> SIGKILL once the job
// context is canceled. done closes when the process has been reaped.
func (w *ProcessWorker) superviseCancel(ctx context.Context, cmd *exec.Cmd, jobID string, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}

	w.Log.Info("terminating transcriber", "job_id", jobID, "pid", cmd.Process.Pid)
	_ = cmd.Process.Signal(syscall.SIGTERM)

	grace := w.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		w.Log.Warn("transcriber ignored SIGTERM, escalating", "job_id", jobID, "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
	}
}

// resultArtifact mirrors the JSON the transcriber writes on success. Extra
// per-segment fields from the model output are ignored.
type resultArtifact struct {
	Text     string          `json:"text"`
	Segments []model.Segment `json:"segments"`
	Language string          `json:"language"`
}

func readArtifact(path string) (*model.Result, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMissingArtifact, path)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrMissingArtifact, path, err)
	}

	var artifact resultArtifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadArtifact, path, err)
	}
	return &model.Result{
		Text:     artifact.Text,
		Segments: artifact.Segments,
		Language: artifact.Language,
	}, nil
}
