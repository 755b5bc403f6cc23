package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/example/whisperd/internal/gate"
	"github.com/example/whisperd/internal/jobs"
	"github.com/example/whisperd/internal/model"
	"github.com/example/whisperd/internal/modelmgr"
	"github.com/example/whisperd/internal/stream"
	"github.com/example/whisperd/internal/worker"
)

type fakeProber struct {
	seconds float64
	err     error
}

func (p fakeProber) Duration(ctx context.Context, path string) (float64, error) {
	return p.seconds, p.err
}

type fakeWorker struct {
	run func(ctx context.Context, req worker.Request, onEvent worker.EventFunc) (*model.Result, error)
}

func (w fakeWorker) Run(ctx context.Context, req worker.Request, onEvent worker.EventFunc) (*model.Result, error) {
	return w.run(ctx, req, onEvent)
}

type countingLoader struct {
	mu     sync.Mutex
	loads  []string
	closes int
}

func (l *countingLoader) Load(ctx context.Context, name string) (modelmgr.Instance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loads = append(l.loads, name)
	return countingInstance{loader: l}, nil
}

func (l *countingLoader) Device() string { return "cpu" }

func (l *countingLoader) loadedModels() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.loads...)
}

type countingInstance struct{ loader *countingLoader }

func (i countingInstance) Close() error {
	i.loader.mu.Lock()
	defer i.loader.mu.Unlock()
	i.loader.closes++
	return nil
}

func (i countingInstance) MemoryUsedMB() float64 { return 0 }

type recordingArchive struct {
	mu      sync.Mutex
	records []model.ArchivedTranscript
}

func (a *recordingArchive) SaveTranscript(ctx context.Context, t model.ArchivedTranscript) error {
	a.mu.Lock()
	a.records = append(a.records, t)
	a.mu.Unlock()
	return nil
}

type fixture struct {
	orch    *Orchestrator
	loader  *countingLoader
	archive *recordingArchive
	gate    *gate.Gate
	models  *modelmgr.Manager
}

func newFixture(t *testing.T, w worker.Worker, prober DurationProber) *fixture {
	t.Helper()
	logger := slog.Default()
	loader := &countingLoader{}
	archive := &recordingArchive{}
	g := gate.New(1)
	models := modelmgr.New(loader, nil, 0, logger)
	orch := New(
		jobs.NewRegistry(logger),
		jobs.NewCanceler(),
		g,
		models,
		w,
		prober,
		archive,
		t.TempDir(),
		logger,
	)
	return &fixture{orch: orch, loader: loader, archive: archive, gate: g, models: models}
}

func waitTerminal(t *testing.T, o *Orchestrator, id string) model.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := o.Status(id)
		if !ok {
			t.Fatalf("job %s vanished", id)
		}
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal state", id)
	return model.Job{}
}

func checkTerminalInvariants(t *testing.T, job model.Job) {
	t.Helper()
	if job.EndedAt == nil {
		t.Errorf("terminal job %s has no endedAt", job.ID)
	}
	hasResult := job.Result != nil
	hasError := job.Error != ""
	switch job.Status {
	case model.JobCompleted:
		if !hasResult || hasError {
			t.Errorf("completed job: result=%v error=%q", hasResult, job.Error)
		}
	case model.JobFailed:
		if hasResult || !hasError {
			t.Errorf("failed job: result=%v error=%q", hasResult, job.Error)
		}
	case model.JobCanceled:
		if hasResult {
			t.Errorf("canceled job carries a result")
		}
	}
}

func okResult() *model.Result {
	return &model.Result{
		Text:     "first half second half",
		Segments: []model.Segment{{Start: 0, End: 6.25, Text: "first half"}, {Start: 6.25, End: 12.5, Text: "second half"}},
		Language: "en",
	}
}

func TestHappyPathProgressScenario(t *testing.T) {
	// Worker emits whisper verbose segment lines; duration 12.5s comes from
	// the probe, so the decoded end timestamps map to 50% then 100%.
	var seen []float64
	var seenMu sync.Mutex

	var orch *Orchestrator
	w := fakeWorker{run: func(ctx context.Context, req worker.Request, onEvent worker.EventFunc) (*model.Result, error) {
		dec := stream.NewDecoder()
		for _, line := range []string{
			"[00:00.000 --> 00:06.250] first half\n",
			"[00:06.250 --> 00:12.500] second half\n",
		} {
			for _, event := range dec.Feed([]byte(line)) {
				onEvent(event)
			}
			job, _ := orch.Status(req.JobID)
			seenMu.Lock()
			seen = append(seen, job.Progress)
			seenMu.Unlock()
			// Step past the progress rate limit between segments.
			time.Sleep(600 * time.Millisecond)
		}
		return okResult(), nil
	}}

	f := newFixture(t, w, fakeProber{seconds: 12.5})
	orch = f.orch

	job := orch.Submit(filepath.Join(t.TempDir(), "in.wav"), "tiny")
	if job.Status != model.JobQueued {
		t.Fatalf("submitted status = %s, want queued", job.Status)
	}

	final := waitTerminal(t, orch, job.ID)
	checkTerminalInvariants(t, final)

	if final.Status != model.JobCompleted {
		t.Fatalf("status = %s (%s), want completed", final.Status, final.Error)
	}
	if final.Progress != 100.0 {
		t.Fatalf("final progress = %v, want 100", final.Progress)
	}
	if final.Duration == nil || *final.Duration != 12.5 {
		t.Fatalf("duration = %v, want 12.5", final.Duration)
	}
	if final.Result.Language != "en" || len(final.Result.Segments) != 2 {
		t.Fatalf("result = %+v", final.Result)
	}

	seenMu.Lock()
	defer seenMu.Unlock()
	if len(seen) < 1 || seen[0] < 50.0 {
		t.Fatalf("observed progress %v, want first sample >= 50", seen)
	}

	f.archive.mu.Lock()
	defer f.archive.mu.Unlock()
	if len(f.archive.records) != 1 || f.archive.records[0].ID != job.ID {
		t.Fatalf("archive records = %+v", f.archive.records)
	}
}

func TestCancelWhileQueued(t *testing.T) {
	w := fakeWorker{run: func(ctx context.Context, req worker.Request, onEvent worker.EventFunc) (*model.Result, error) {
		t.Error("worker ran for a job canceled while queued")
		return nil, nil
	}}
	f := newFixture(t, w, fakeProber{seconds: 12.5})

	// Occupy the only admission slot so the job stays queued.
	if err := f.gate.Admit(context.Background()); err != nil {
		t.Fatalf("occupy gate: %v", err)
	}
	defer f.gate.Release()

	job := f.orch.Submit("in.wav", "tiny")

	time.Sleep(20 * time.Millisecond)
	status, accepted, err := f.orch.RequestCancel(job.ID)
	if err != nil || !accepted || status != model.JobCanceling {
		t.Fatalf("cancel = (%s, %v, %v)", status, accepted, err)
	}

	final := waitTerminal(t, f.orch, job.ID)
	checkTerminalInvariants(t, final)
	if final.Status != model.JobCanceled {
		t.Fatalf("status = %s, want canceled", final.Status)
	}
	if len(f.loader.loadedModels()) != 0 {
		t.Fatalf("model was loaded for a queued-canceled job: %v", f.loader.loadedModels())
	}

	// A second cancel reports the terminal state instead of erroring.
	status, accepted, err = f.orch.RequestCancel(job.ID)
	if err != nil || accepted || status != model.JobCanceled {
		t.Fatalf("repeat cancel = (%s, %v, %v)", status, accepted, err)
	}
}

func TestBackToBackJobsSwitchModels(t *testing.T) {
	w := fakeWorker{run: func(ctx context.Context, req worker.Request, onEvent worker.EventFunc) (*model.Result, error) {
		return okResult(), nil
	}}
	f := newFixture(t, w, fakeProber{seconds: 12.5})

	first := f.orch.Submit("a.wav", "tiny")
	second := f.orch.Submit("b.wav", "base")

	finalFirst := waitTerminal(t, f.orch, first.ID)
	finalSecond := waitTerminal(t, f.orch, second.ID)
	if finalFirst.Status != model.JobCompleted || finalSecond.Status != model.JobCompleted {
		t.Fatalf("statuses = %s/%s", finalFirst.Status, finalSecond.Status)
	}

	// Each model was loaded fresh; the switch evicted the stale instance.
	loads := f.loader.loadedModels()
	if len(loads) != 2 {
		t.Fatalf("loads = %v, want one per model", loads)
	}
	if loads[0] == loads[1] {
		t.Fatalf("second job reused a stale model: %v", loads)
	}
	if f.models.ActiveRefs() != 0 {
		t.Fatalf("refs = %d after both jobs finished", f.models.ActiveRefs())
	}
}

func TestMissingArtifactFailsJob(t *testing.T) {
	w := fakeWorker{run: func(ctx context.Context, req worker.Request, onEvent worker.EventFunc) (*model.Result, error) {
		return nil, fmt.Errorf("%w: %s", worker.ErrMissingArtifact, req.OutputPath)
	}}
	f := newFixture(t, w, fakeProber{seconds: 12.5})

	job := f.orch.Submit("in.wav", "tiny")
	final := waitTerminal(t, f.orch, job.ID)
	checkTerminalInvariants(t, final)

	if final.Status != model.JobFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.Result != nil {
		t.Fatal("failed job carries a result")
	}
	if final.Error == "" {
		t.Fatal("failed job has no error")
	}
}

func TestDurationProbeFailureFailsBeforeAcquire(t *testing.T) {
	w := fakeWorker{run: func(ctx context.Context, req worker.Request, onEvent worker.EventFunc) (*model.Result, error) {
		t.Error("worker ran despite probe failure")
		return nil, nil
	}}
	f := newFixture(t, w, fakeProber{err: fmt.Errorf("ffprobe exploded")})

	job := f.orch.Submit("in.wav", "tiny")
	final := waitTerminal(t, f.orch, job.ID)
	checkTerminalInvariants(t, final)

	if final.Status != model.JobFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if len(f.loader.loadedModels()) != 0 {
		t.Fatal("model acquired despite probe failure")
	}
	if f.gate.Active() != 0 {
		t.Fatalf("gate slot leaked: active = %d", f.gate.Active())
	}
}

func TestCancelDuringTranscription(t *testing.T) {
	started := make(chan struct{})
	w := fakeWorker{run: func(ctx context.Context, req worker.Request, onEvent worker.EventFunc) (*model.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	f := newFixture(t, w, fakeProber{seconds: 12.5})

	job := f.orch.Submit("in.wav", "tiny")
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never started")
	}

	if _, accepted, err := f.orch.RequestCancel(job.ID); err != nil || !accepted {
		t.Fatalf("cancel rejected: %v", err)
	}

	final := waitTerminal(t, f.orch, job.ID)
	checkTerminalInvariants(t, final)
	if final.Status != model.JobCanceled {
		t.Fatalf("status = %s, want canceled", final.Status)
	}
	if f.models.ActiveRefs() != 0 {
		t.Fatalf("refs = %d after cancel", f.models.ActiveRefs())
	}
}

func TestWorkerErrorRecordWithCleanExit(t *testing.T) {
	w := fakeWorker{run: func(ctx context.Context, req worker.Request, onEvent worker.EventFunc) (*model.Result, error) {
		onEvent(stream.Event{Kind: stream.KindError, Code: "cuda_error", Message: "CUDA is not available"})
		return okResult(), nil
	}}
	f := newFixture(t, w, fakeProber{seconds: 12.5})

	job := f.orch.Submit("in.wav", "tiny")
	final := waitTerminal(t, f.orch, job.ID)
	checkTerminalInvariants(t, final)

	if final.Status != model.JobFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}
	if final.Error != "cuda_error: CUDA is not available" {
		t.Fatalf("error = %q", final.Error)
	}
}

func TestUnknownJob(t *testing.T) {
	f := newFixture(t, fakeWorker{run: nil}, fakeProber{seconds: 1})
	if _, ok := f.orch.Status("nope"); ok {
		t.Fatal("status resolved unknown job")
	}
	if _, _, err := f.orch.RequestCancel("nope"); err != model.ErrNotFound {
		t.Fatalf("cancel unknown = %v, want ErrNotFound", err)
	}
}
