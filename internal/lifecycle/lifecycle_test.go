/*
Copyright 2025 The Portalcrane Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cyr-ius/portalcrane/internal/command"
	"github.com/cyr-ius/portalcrane/internal/config"
	"github.com/cyr-ius/portalcrane/internal/supervisor"
)

type fakeSupervisor struct {
	mu      sync.Mutex
	stops   []string
	starts  []string
	stopErr error
}

func (f *fakeSupervisor) Stop(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, name)
	return f.stopErr
}

func (f *fakeSupervisor) Start(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, name)
	return nil
}

func (f *fakeSupervisor) Info(string) (*supervisor.ProcessInfo, error) {
	return &supervisor.ProcessInfo{State: 20}, nil
}

// gcRunner scripts successive garbage-collect invocations.
type gcRunner struct {
	mu      sync.Mutex
	calls   int
	results []*command.Result
	onRun   func()
}

func (g *gcRunner) Run(_ context.Context, inv command.Invocation) (*command.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.onRun != nil {
		g.onRun()
	}
	res := g.results[g.calls]
	g.calls++
	return res, nil
}

type fakeGhosts struct {
	ghosts []string
}

func (f *fakeGhosts) ListEmptyRepositories(context.Context) ([]string, error) {
	return f.ghosts, nil
}

func newSettings(t *testing.T) *config.Settings {
	t.Helper()
	return &config.Settings{
		RegistryDataRoot:   t.TempDir(),
		RegistryBinary:     "/usr/local/bin/registry",
		RegistryConfigPath: "/etc/registry/config.yml",
	}
}

func waitGC(t *testing.T, c *Controller) GCState {
	t.Helper()
	var state GCState
	require.Eventually(t, func() bool {
		state = c.GCState()
		return state.Status == GCDone || state.Status == GCFailed
	}, 5*time.Second, 10*time.Millisecond)
	return state
}

func TestGCHappyPath(t *testing.T) {
	settings := newSettings(t)
	// Something reclaimable under the data root.
	blob := filepath.Join(settings.RegistryDataRoot, "blob")
	require.NoError(t, os.WriteFile(blob, make([]byte, 4096), 0o600))

	super := &fakeSupervisor{}
	runner := &gcRunner{results: []*command.Result{
		{ExitCode: 0, Stdout: "deleted 3 blobs"},
	}}
	// The scripted GC run reclaims the blob, like the real binary would.
	runner.onRun = func() {
		_ = os.Remove(blob)
	}
	c := NewController(settings, super, runner, &fakeGhosts{})

	require.NoError(t, c.StartGC(context.Background()))
	state := waitGC(t, c)
	require.Equal(t, GCDone, state.Status)
	require.Contains(t, state.Output, "deleted 3 blobs")
	require.GreaterOrEqual(t, state.FreedBytes, int64(4096))
	require.NotEmpty(t, state.FreedHuman)
	require.NotEmpty(t, state.FinishedAt)
	require.Equal(t, []string{RegistryProcess}, super.stops)
	require.Equal(t, []string{RegistryProcess}, super.starts)
}

func TestGCGhostRetry(t *testing.T) {
	settings := newSettings(t)
	ghostDir := filepath.Join(settings.RegistryDataRoot,
		"docker", "registry", "v2", "repositories", "ghost", "app")
	require.NoError(t, os.MkdirAll(filepath.Join(ghostDir, "_layers"), 0o755))

	super := &fakeSupervisor{}
	runner := &gcRunner{results: []*command.Result{
		{ExitCode: 1, Stderr: "Path not found: /docker/registry/v2/repositories/ghost/app/_layers"},
		{ExitCode: 0, Stdout: "ok after retry"},
	}}
	c := NewController(settings, super, runner, &fakeGhosts{})

	require.NoError(t, c.StartGC(context.Background()))
	state := waitGC(t, c)

	require.Equal(t, GCDone, state.Status)
	require.Equal(t, 2, runner.calls)
	_, err := os.Stat(ghostDir)
	require.True(t, os.IsNotExist(err))
	// The registry restarts no matter how GC went.
	require.Equal(t, []string{RegistryProcess}, super.starts)
}

func TestGCRetryStillFailing(t *testing.T) {
	settings := newSettings(t)
	ghostDir := filepath.Join(settings.RegistryDataRoot,
		"docker", "registry", "v2", "repositories", "ghost", "app")
	require.NoError(t, os.MkdirAll(filepath.Join(ghostDir, "_layers"), 0o755))

	super := &fakeSupervisor{}
	runner := &gcRunner{results: []*command.Result{
		{ExitCode: 1, Stderr: "Path not found: /docker/registry/v2/repositories/ghost/app/_layers"},
		{ExitCode: 1, Stderr: "still broken"},
	}}
	c := NewController(settings, super, runner, &fakeGhosts{})

	require.NoError(t, c.StartGC(context.Background()))
	state := waitGC(t, c)

	require.Equal(t, GCFailed, state.Status)
	require.Equal(t, 2, runner.calls)
	require.NotEmpty(t, state.Error)
	require.Equal(t, []string{RegistryProcess}, super.starts)
}

func TestGCNoRetryWithoutGhostPattern(t *testing.T) {
	settings := newSettings(t)
	super := &fakeSupervisor{}
	runner := &gcRunner{results: []*command.Result{
		{ExitCode: 1, Stderr: "filesystem corrupted"},
	}}
	c := NewController(settings, super, runner, &fakeGhosts{})

	require.NoError(t, c.StartGC(context.Background()))
	state := waitGC(t, c)

	require.Equal(t, GCFailed, state.Status)
	require.Equal(t, 1, runner.calls)
}

func TestGCConflict(t *testing.T) {
	settings := newSettings(t)
	super := &fakeSupervisor{}
	blockCh := make(chan struct{})
	c := NewController(settings, super, blockingRunner{ch: blockCh}, &fakeGhosts{})

	require.NoError(t, c.StartGC(context.Background()))
	require.Eventually(t, func() bool {
		return c.GCState().Status == GCRunning
	}, time.Second, 5*time.Millisecond)

	err := c.StartGC(context.Background())
	require.ErrorIs(t, err, ErrGCRunning)
	require.Equal(t, GCRunning, c.GCState().Status)

	close(blockCh)
	waitGC(t, c)

	// Once finished, GC can start again.
	require.NoError(t, c.StartGC(context.Background()))
	waitGC(t, c)
}

type blockingRunner struct {
	ch chan struct{}
}

func (b blockingRunner) Run(context.Context, command.Invocation) (*command.Result, error) {
	<-b.ch
	return &command.Result{ExitCode: 0}, nil
}

func TestPurgeGhosts(t *testing.T) {
	settings := newSettings(t)
	reposRoot := filepath.Join(settings.RegistryDataRoot,
		"docker", "registry", "v2", "repositories")
	require.NoError(t, os.MkdirAll(filepath.Join(reposRoot, "ghost", "app"), 0o755))
	outside := filepath.Join(settings.RegistryDataRoot, "keep-me")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o600))

	c := NewController(settings, &fakeSupervisor{}, &gcRunner{}, &fakeGhosts{})

	removed, skipped := c.PurgeGhosts([]string{"ghost/app", "../../../../keep-me", ".."})
	require.Equal(t, []string{"ghost/app"}, removed)
	require.Len(t, skipped, 2)

	_, err := os.Stat(filepath.Join(reposRoot, "ghost"))
	require.NoError(t, err) // only the app dir goes
	_, err = os.Stat(filepath.Join(reposRoot, "ghost", "app"))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(outside)
	require.NoError(t, err)
}

func TestListGhosts(t *testing.T) {
	c := NewController(newSettings(t), &fakeSupervisor{}, &gcRunner{}, &fakeGhosts{ghosts: []string{"ghost/app"}})
	ghosts, err := c.ListGhosts(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"ghost/app"}, ghosts)
}

func TestStopFailureStillRestarts(t *testing.T) {
	settings := newSettings(t)
	super := &fakeSupervisor{stopErr: errTest}
	runner := &gcRunner{results: []*command.Result{{ExitCode: 0}}}
	c := NewController(settings, super, runner, &fakeGhosts{})

	require.NoError(t, c.StartGC(context.Background()))
	state := waitGC(t, c)

	require.Equal(t, GCFailed, state.Status)
	require.Zero(t, runner.calls)
	require.Equal(t, []string{RegistryProcess}, super.starts)
}

var errTest = os.ErrPermission
