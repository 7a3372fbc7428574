package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/fastflow-labs/fastflow/internal/runtimeexec"
)

type workload struct {
	logsR *io.PipeReader
	logsW *io.PipeWriter
	done  chan struct{}
	once  sync.Once
	code  int
}

func (w *workload) exit(code int) {
	w.once.Do(func() {
		w.code = code
		_ = w.logsW.Close()
		close(w.done)
	})
}

func (w *workload) finished() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

type fakeExecutor struct {
	mu         sync.Mutex
	workloads  map[runtimeexec.Handle]*workload
	specs      []runtimeexec.LaunchSpec
	cleaned    []runtimeexec.Handle
	terminated []runtimeexec.Handle
	oom        bool
	// stuck makes Terminate fail and leave the workload running.
	stuck      bool
	launchHook func(spec runtimeexec.LaunchSpec) error

	launched chan runtimeexec.Handle
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		workloads: map[runtimeexec.Handle]*workload{},
		launched:  make(chan runtimeexec.Handle, 16),
	}
}

func (f *fakeExecutor) Kind() string { return "fake" }

func (f *fakeExecutor) add(h runtimeexec.Handle) *workload {
	r, w := io.Pipe()
	wl := &workload{logsR: r, logsW: w, done: make(chan struct{})}
	f.mu.Lock()
	f.workloads[h] = wl
	f.mu.Unlock()
	return wl
}

func (f *fakeExecutor) get(h runtimeexec.Handle) (*workload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.workloads[h]
	return w, ok
}

func (f *fakeExecutor) Launch(_ context.Context, spec runtimeexec.LaunchSpec) (runtimeexec.Handle, error) {
	f.mu.Lock()
	hook := f.launchHook
	f.mu.Unlock()
	if hook != nil {
		if err := hook(spec); err != nil {
			return "", err
		}
	}
	h := runtimeexec.Handle("w-" + spec.RunID)
	f.add(h)
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	f.launched <- h
	return h, nil
}

func (f *fakeExecutor) Poll(_ context.Context, h runtimeexec.Handle) (runtimeexec.Observation, error) {
	w, ok := f.get(h)
	if !ok {
		return runtimeexec.Observation{}, runtimeexec.ErrWorkloadNotFound
	}
	if w.finished() {
		f.mu.Lock()
		oom := f.oom
		f.mu.Unlock()
		return runtimeexec.Observation{ContainerStatus: "exited", Health: "none", ExitCode: w.code, Finished: true, OOMKilled: oom}, nil
	}
	return runtimeexec.Observation{ContainerStatus: "running", Health: "healthy", Running: true}, nil
}

func (f *fakeExecutor) Stats(_ context.Context, h runtimeexec.Handle) (runtimeexec.Usage, error) {
	if _, ok := f.get(h); !ok {
		return runtimeexec.Usage{}, runtimeexec.ErrWorkloadNotFound
	}
	return runtimeexec.Usage{CPUPercent: 12.5, MemoryBytes: 64 << 20}, nil
}

func (f *fakeExecutor) Logs(_ context.Context, h runtimeexec.Handle) (io.ReadCloser, error) {
	w, ok := f.get(h)
	if !ok {
		return nil, runtimeexec.ErrWorkloadNotFound
	}
	return w.logsR, nil
}

func (f *fakeExecutor) Wait(ctx context.Context, h runtimeexec.Handle) (int, error) {
	w, ok := f.get(h)
	if !ok {
		return -1, runtimeexec.ErrWorkloadNotFound
	}
	select {
	case <-w.done:
		return w.code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (f *fakeExecutor) Terminate(_ context.Context, h runtimeexec.Handle, _ time.Duration) (int, error) {
	w, ok := f.get(h)
	if !ok {
		return 0, runtimeexec.ErrWorkloadNotFound
	}
	f.mu.Lock()
	f.terminated = append(f.terminated, h)
	stuck := f.stuck
	f.mu.Unlock()
	if stuck {
		return 0, errors.New("daemon did not answer")
	}
	w.exit(143)
	return 143, nil
}

func (f *fakeExecutor) Cleanup(_ context.Context, h runtimeexec.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleaned = append(f.cleaned, h)
	return nil
}

func (f *fakeExecutor) Ping(context.Context) error { return nil }

// emit writes lines as the workload's output. It blocks until the log pump
// has read them.
func (f *fakeExecutor) emit(h runtimeexec.Handle, lines ...string) error {
	w, ok := f.get(h)
	if !ok {
		return fmt.Errorf("no workload %s", h)
	}
	for _, line := range lines {
		if _, err := io.WriteString(w.logsW, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeExecutor) finish(h runtimeexec.Handle, code int) {
	if w, ok := f.get(h); ok {
		w.exit(code)
	}
}

func (f *fakeExecutor) wasCleaned(h runtimeexec.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.cleaned, h)
}

func (f *fakeExecutor) wasTerminated(h runtimeexec.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Contains(f.terminated, h)
}

func (f *fakeExecutor) launches() []runtimeexec.LaunchSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.specs)
}
