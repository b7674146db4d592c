package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kernelbox/kernelbox/sandbox"
)

func newTestDispatcher(t *testing.T, ctrl *mockController) *Dispatcher {
	t.Helper()
	cfg := testConfig(t)
	r := NewRegistry(zap.NewNop(), ctrl, cfg)
	return NewDispatcher(zap.NewNop(), ctrl, r, cfg)
}

func TestExecute(t *testing.T) {
	var stagedDir, stagedName string
	var stagedData []byte
	ctrl := &mockController{}
	ctrl.copyFn = func(_ sandbox.Handle, destDir, name string, data []byte) error {
		stagedDir, stagedName, stagedData = destDir, name, data
		return nil
	}
	ctrl.runFn = func(_ sandbox.Handle, cmd []string) (sandbox.RunResult, error) {
		if cmd[0] == "rm" {
			return sandbox.RunResult{}, nil
		}
		return sandbox.RunResult{Stdout: "4\n", ExitCode: 0}, nil
	}
	d := newTestDispatcher(t, ctrl)

	res, err := d.Execute(context.Background(), "alpha", "print(2 + 2)", 0)
	require.NoError(t, err)
	assert.Equal(t, "4\n", res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)

	assert.Equal(t, "/tmp", stagedDir)
	assert.True(t, strings.HasPrefix(stagedName, "exec_"))
	assert.True(t, strings.HasSuffix(stagedName, ".py"))
	assert.Contains(t, string(stagedData), "print(2 + 2)")

	// The interpreter invocation names the staged script; the follow-up
	// removes it.
	require.Len(t, ctrl.runs, 2)
	assert.Equal(t, []string{"python3", "/tmp/" + stagedName}, ctrl.runs[0])
	assert.Equal(t, []string{"rm", "-f", "/tmp/" + stagedName}, ctrl.runs[1])
}

func TestExecuteTimeoutOverride(t *testing.T) {
	ctrl := &mockController{}
	d := newTestDispatcher(t, ctrl)

	_, err := d.Execute(context.Background(), "alpha", "print(1)", 5*time.Second)
	require.NoError(t, err)

	_, err = d.Execute(context.Background(), "alpha", "print(1)", 0)
	require.NoError(t, err)

	// Interpreter runs carry the requested deadline, falling back to the
	// configured default; cleanup runs use their own short deadline.
	require.Len(t, ctrl.runTimeouts, 4)
	assert.Equal(t, 5*time.Second, ctrl.runTimeouts[0])
	assert.Equal(t, cleanupTimeout, ctrl.runTimeouts[1])
	assert.Equal(t, 30*time.Second, ctrl.runTimeouts[2])
	assert.Equal(t, cleanupTimeout, ctrl.runTimeouts[3])
}

func TestExecuteWrapsCodeWithHooks(t *testing.T) {
	var staged string
	ctrl := &mockController{}
	ctrl.copyFn = func(_ sandbox.Handle, _, _ string, data []byte) error {
		staged = string(data)
		return nil
	}
	cfg := testConfig(t)
	cfg.Sandbox.PrefixCode = "import warnings"
	cfg.Sandbox.PostfixCode = "print('done')"
	r := NewRegistry(zap.NewNop(), ctrl, cfg)
	d := NewDispatcher(zap.NewNop(), ctrl, r, cfg)

	_, err := d.Execute(context.Background(), "alpha", "x = 1", 0)
	require.NoError(t, err)
	assert.Equal(t, "import warnings\nx = 1\nprint('done')", staged)
}

func TestExecuteSerializedPerSession(t *testing.T) {
	var (
		mu     sync.Mutex
		events []string
		calls  int
	)
	firstEntered := make(chan struct{})
	releaseFirst := make(chan struct{})

	ctrl := &mockController{}
	ctrl.runFn = func(_ sandbox.Handle, cmd []string) (sandbox.RunResult, error) {
		if cmd[0] == "rm" {
			return sandbox.RunResult{}, nil
		}
		mu.Lock()
		calls++
		n := calls
		events = append(events, fmt.Sprintf("enter-%d", n))
		mu.Unlock()
		if n == 1 {
			close(firstEntered)
			<-releaseFirst
		}
		mu.Lock()
		events = append(events, fmt.Sprintf("exit-%d", n))
		mu.Unlock()
		return sandbox.RunResult{}, nil
	}
	d := newTestDispatcher(t, ctrl)

	done1 := make(chan error, 1)
	go func() {
		_, err := d.Execute(context.Background(), "alpha", "print(1)", 0)
		done1 <- err
	}()
	<-firstEntered

	done2 := make(chan error, 1)
	go func() {
		_, err := d.Execute(context.Background(), "alpha", "print(2)", 0)
		done2 <- err
	}()

	// While the first run holds the session, the second must not enter.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"enter-1"}, events)
	mu.Unlock()

	close(releaseFirst)
	require.NoError(t, <-done1)
	require.NoError(t, <-done2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"enter-1", "exit-1", "enter-2", "exit-2"}, events)
}

func TestExecuteTimeoutIsAResult(t *testing.T) {
	ctrl := &mockController{}
	timedOut := false
	ctrl.runFn = func(_ sandbox.Handle, cmd []string) (sandbox.RunResult, error) {
		if cmd[0] == "rm" {
			return sandbox.RunResult{}, nil
		}
		// Only the first execution blows its deadline.
		if !timedOut {
			timedOut = true
			return sandbox.RunResult{Stdout: "partial", ExitCode: sandbox.TimeoutExitCode, TimedOut: true}, nil
		}
		return sandbox.RunResult{Stdout: "still here\n"}, nil
	}
	d := newTestDispatcher(t, ctrl)

	res, err := d.Execute(context.Background(), "alpha", "while True: pass", 0)
	require.NoError(t, err)
	assert.True(t, res.TimedOut)
	assert.Equal(t, sandbox.TimeoutExitCode, res.ExitCode)
	assert.Equal(t, "partial", res.Stdout)

	// The sandbox survives a timeout.
	assert.Empty(t, ctrl.terminatedIDs())
	res, err = d.Execute(context.Background(), "alpha", "print('still here')", 0)
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, 1, ctrl.provisionCount())
}

func TestExecuteReplacesLostSandboxOnce(t *testing.T) {
	ctrl := &mockController{}
	ctrl.runFn = func(h sandbox.Handle, cmd []string) (sandbox.RunResult, error) {
		if h.ContainerID == "ctr-1" {
			return sandbox.RunResult{}, fmt.Errorf("%w: container gone", sandbox.ErrUnavailable)
		}
		if cmd[0] == "rm" {
			return sandbox.RunResult{}, nil
		}
		return sandbox.RunResult{Stdout: "ok\n"}, nil
	}
	d := newTestDispatcher(t, ctrl)

	res, err := d.Execute(context.Background(), "alpha", "print('ok')", 0)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", res.Stdout)
	assert.Equal(t, 2, ctrl.provisionCount())
	assert.Equal(t, []string{"ctr-1"}, ctrl.terminatedIDs())
}

func TestExecuteGivesUpAfterSecondLoss(t *testing.T) {
	ctrl := &mockController{}
	ctrl.runFn = func(sandbox.Handle, []string) (sandbox.RunResult, error) {
		return sandbox.RunResult{}, fmt.Errorf("%w: container gone", sandbox.ErrUnavailable)
	}
	d := newTestDispatcher(t, ctrl)

	_, err := d.Execute(context.Background(), "alpha", "print('ok')", 0)
	require.Error(t, err)
	assert.Equal(t, KindUnavailable, Kind(err))
	assert.Equal(t, 2, ctrl.provisionCount())
}

func TestExecuteRejectsEmptyCode(t *testing.T) {
	d := newTestDispatcher(t, &mockController{})

	for _, code := range []string{"", "   ", "\n\t"} {
		_, err := d.Execute(context.Background(), "alpha", code, 0)
		require.Error(t, err)
		assert.Equal(t, KindValidation, Kind(err))
	}
}

func TestExecuteCollectsNewFiles(t *testing.T) {
	cfg := testConfig(t)
	ctrl := &mockController{}
	ctrl.runFn = func(h sandbox.Handle, cmd []string) (sandbox.RunResult, error) {
		if cmd[0] == "rm" {
			return sandbox.RunResult{}, nil
		}
		// Code writing to the bind mount shows up on the host side.
		dir := filepath.Join(cfg.Data.HostDir, h.SessionKey)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return sandbox.RunResult{}, err
		}
		return sandbox.RunResult{}, os.WriteFile(filepath.Join(dir, "plot.png"), []byte("png"), 0o644)
	}
	r := NewRegistry(zap.NewNop(), ctrl, cfg)
	d := NewDispatcher(zap.NewNop(), ctrl, r, cfg)

	res, err := d.Execute(context.Background(), "alpha", "save_plot()", 0)
	require.NoError(t, err)
	require.Len(t, res.NewFiles, 1)
	rec := res.NewFiles[0]
	assert.Equal(t, "plot.png", rec.Name)
	assert.Len(t, rec.ID, ExternalIDLength)
	assert.Equal(t, "image/png", rec.ContentType)
	assert.Equal(t, "/mnt/data/plot.png", rec.Path)

	// Unchanged files are not re-announced.
	res, err = d.Execute(context.Background(), "alpha", "pass", 0)
	require.NoError(t, err)
	assert.Empty(t, res.NewFiles)
}

func TestUpload(t *testing.T) {
	var stagedDir, stagedName string
	var stagedData []byte
	ctrl := &mockController{}
	ctrl.copyFn = func(_ sandbox.Handle, destDir, name string, data []byte) error {
		stagedDir, stagedName, stagedData = destDir, name, data
		return nil
	}
	d := newTestDispatcher(t, ctrl)

	rec, err := d.Upload(context.Background(), "alpha", "input.csv", []byte("a,b\n1,2\n"))
	require.NoError(t, err)
	assert.Equal(t, "input.csv", rec.Name)
	assert.Len(t, rec.ID, ExternalIDLength)
	assert.Equal(t, 1, ctrl.provisionCount(), "upload provisions an unknown session")

	assert.Equal(t, "/mnt/data", stagedDir)
	assert.Equal(t, "input.csv", stagedName)
	assert.Equal(t, "a,b\n1,2\n", string(stagedData))

	// Re-uploading the same name keeps the id stable.
	again, err := d.Upload(context.Background(), "alpha", "input.csv", []byte("a,b\n3,4\n"))
	require.NoError(t, err)
	assert.Equal(t, rec.ID, again.ID)

	require.Len(t, d.ListFiles("alpha"), 1)
}

func TestUploadStripsPathComponents(t *testing.T) {
	var stagedName string
	ctrl := &mockController{}
	ctrl.copyFn = func(_ sandbox.Handle, _, name string, _ []byte) error {
		stagedName = name
		return nil
	}
	d := newTestDispatcher(t, ctrl)

	rec, err := d.Upload(context.Background(), "alpha", "../../etc/passwd", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "passwd", rec.Name)
	assert.Equal(t, "passwd", stagedName)

	_, err = d.Upload(context.Background(), "alpha", "..", []byte("x"))
	require.Error(t, err)
	assert.Equal(t, KindValidation, Kind(err))
}

func TestListFilesUnknownSession(t *testing.T) {
	d := newTestDispatcher(t, &mockController{})

	assert.Empty(t, d.ListFiles("ghost"), "listing never provisions")
}

func TestDownload(t *testing.T) {
	cfg := testConfig(t)
	ctrl := &mockController{}
	r := NewRegistry(zap.NewNop(), ctrl, cfg)
	d := NewDispatcher(zap.NewNop(), ctrl, r, cfg)

	rec, err := d.Upload(context.Background(), "alpha", "report.txt", []byte("hello"))
	require.NoError(t, err)

	dir := filepath.Join(cfg.Data.HostDir, "alpha")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "report.txt"), []byte("hello"), 0o644))

	t.Run("by id", func(t *testing.T) {
		got, hostPath, err := d.Download("alpha", rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		content, err := os.ReadFile(hostPath)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(content))
	})

	t.Run("by name", func(t *testing.T) {
		got, _, err := d.Download("alpha", "report.txt")
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, _, err := d.Download("alpha", NewExternalID())
		require.Error(t, err)
		assert.Equal(t, KindFileNotFound, Kind(err))
	})

	t.Run("unknown session", func(t *testing.T) {
		_, _, err := d.Download("ghost", rec.ID)
		require.Error(t, err)
		assert.Equal(t, KindSessionNotFound, Kind(err))
	})

	t.Run("record without content on disk", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(dir, "report.txt")))
		_, _, err := d.Download("alpha", rec.ID)
		require.Error(t, err)
		assert.Equal(t, KindFileNotFound, Kind(err))
	})
}

func TestDispatcherTerminate(t *testing.T) {
	ctrl := &mockController{}
	d := newTestDispatcher(t, ctrl)

	_, err := d.Execute(context.Background(), "alpha", "print(1)", 0)
	require.NoError(t, err)

	require.NoError(t, d.Terminate(context.Background(), "alpha"))
	assert.Equal(t, []string{"ctr-1"}, ctrl.terminatedIDs())

	// File ids do not survive termination.
	assert.Empty(t, d.ListFiles("alpha"))
}
