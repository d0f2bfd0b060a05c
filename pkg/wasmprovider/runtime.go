package wasmprovider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/krustlet/krustlet/pkg/errs"
)

// ModuleSpec is everything one container needs to run as a WASI module,
// grounded on wasi_runtime.rs's Data struct: module bytes, env, args, and a
// host-path-to-guest-path directory preopen map.
type ModuleSpec struct {
	Name   string
	Binary []byte
	Env    map[string]string
	Args   []string
	Dirs   map[string]string // host path -> guest path
}

// Instance is one running (or exited) WASI module. A background goroutine
// runs the module to completion while callers read logs and wait for exit,
// grounded on wasi_runtime.rs's WasiRuntime/Runtime split between the
// long-lived handle and the spawned task.
type Instance struct {
	name    string
	logPath string

	mu       sync.Mutex
	exited   bool
	exitCode int32
	runErr   error

	cancel context.CancelFunc
	done   chan struct{}
}

// StartInstance compiles and runs spec in a background goroutine on rt,
// writing combined stdout/stderr into a log file under logDir.
func StartInstance(ctx context.Context, rt wazero.Runtime, spec ModuleSpec, logDir string) (*Instance, error) {
	logPath := filepath.Join(logDir, spec.Name+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("%w: creating log file for container %s: %v", errs.ErrProvider, spec.Name, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	inst := &Instance{name: spec.Name, logPath: logPath, cancel: cancel, done: make(chan struct{})}

	config := wazero.NewModuleConfig().
		WithName(spec.Name).
		WithArgs(append([]string{spec.Name}, spec.Args...)...).
		WithStdout(logFile).
		WithStderr(logFile).
		WithCloseOnContextDone(true)
	for k, v := range spec.Env {
		config = config.WithEnv(k, v)
	}
	fsConfig := wazero.NewFSConfig()
	for hostPath, guestPath := range spec.Dirs {
		fsConfig = fsConfig.WithDirMount(hostPath, guestPath)
	}
	config = config.WithFSConfig(fsConfig)

	go inst.run(runCtx, rt, spec.Binary, config, logFile)
	return inst, nil
}

func (i *Instance) run(ctx context.Context, rt wazero.Runtime, binary []byte, config wazero.ModuleConfig, logFile *os.File) {
	defer close(i.done)
	defer logFile.Close()

	compiled, err := rt.CompileModule(ctx, binary)
	if err != nil {
		i.finish(1, fmt.Errorf("%w: compiling module %s: %v", errs.ErrProvider, i.name, err))
		return
	}
	defer compiled.Close(ctx)

	wasi, err := wasi_snapshot_preview1.Instantiate(ctx, rt)
	if err != nil {
		i.finish(1, fmt.Errorf("%w: instantiating WASI for %s: %v", errs.ErrProvider, i.name, err))
		return
	}
	defer wasi.Close(ctx)

	_, err = rt.InstantiateModule(ctx, compiled, config)
	if err == nil {
		i.finish(0, nil)
		return
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		code := int32(exitErr.ExitCode())
		if code != 0 {
			i.finish(code, fmt.Errorf("%w: module %s exited with code %d", errs.ErrProvider, i.name, code))
			return
		}
		i.finish(0, nil)
		return
	}

	i.finish(1, fmt.Errorf("%w: running module %s: %v", errs.ErrProvider, i.name, err))
}

func (i *Instance) finish(code int32, err error) {
	i.mu.Lock()
	i.exited = true
	i.exitCode = code
	i.runErr = err
	i.mu.Unlock()
}

// Kill interrupts the running module by canceling its context; wazero's
// WithCloseOnContextDone tears the running instance down promptly.
func (i *Instance) Kill() { i.cancel() }

// Done returns a channel closed when the module exits.
func (i *Instance) Done() <-chan struct{} { return i.done }

// Exited reports whether the module has finished running.
func (i *Instance) Exited() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exited
}

// ExitCode returns the module's exit code; valid only after Exited reports
// true.
func (i *Instance) ExitCode() int32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exitCode
}

// Err returns the run error (nil for a clean exit), valid only after Exited
// reports true.
func (i *Instance) Err() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.runErr
}

// Logs opens the container's combined stdout/stderr log file, trimming to
// the last tail lines when tail > 0 and, when follow is true, continuing to
// return new bytes until the instance exits — analogous to the real
// krustlet's tempfile-reopen log tail, reshaped around a stdlib-only
// tail/follow reader since no pack repo reaches for a third-party log-tail
// library for a plain text file.
func (i *Instance) Logs(tail int, follow bool) (io.ReadCloser, error) {
	f, err := os.Open(i.logPath)
	if err != nil {
		return nil, fmt.Errorf("%w: opening log for %s: %v", errs.ErrProvider, i.name, err)
	}

	if tail > 0 {
		if err := seekTailLines(f, tail); err != nil {
			f.Close()
			return nil, err
		}
	}

	if !follow {
		return f, nil
	}
	return &followReader{f: f, done: i.done}, nil
}

// seekTailLines seeks f so the next read starts at the first of its last n
// lines.
func seekTailLines(f *os.File, n int) error {
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("reading log for tail: %w", err)
	}
	lines := bytes.Split(data, []byte("\n"))
	keep := n
	if bytes.HasSuffix(data, []byte("\n")) {
		keep++ // the empty element after the final newline
	}
	if len(lines) > keep {
		lines = lines[len(lines)-keep:]
	}
	offset := len(data) - len(bytes.Join(lines, []byte("\n")))
	if offset < 0 {
		offset = 0
	}
	_, err = f.Seek(int64(offset), io.SeekStart)
	return err
}

// followReader polls the underlying file for newly-appended bytes until the
// instance's done channel closes, then returns io.EOF once drained.
type followReader struct {
	f    *os.File
	done <-chan struct{}
	r    *bufio.Reader
}

func (fr *followReader) Read(p []byte) (int, error) {
	if fr.r == nil {
		fr.r = bufio.NewReader(fr.f)
	}
	for {
		n, err := fr.r.Read(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && err != io.EOF {
			return 0, err
		}
		select {
		case <-fr.done:
			return fr.r.Read(p)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (fr *followReader) Close() error { return fr.f.Close() }
