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

package replicate

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/cyr-ius/portalcrane/internal/command"
	"github.com/cyr-ius/portalcrane/internal/config"
	"github.com/cyr-ius/portalcrane/internal/staging"
	"github.com/cyr-ius/portalcrane/internal/store"
)

// fakeCatalog serves the local registry contents for plan construction.
type fakeCatalog struct {
	repos map[string][]string
	err   error
}

func (f *fakeCatalog) ListRepositories(context.Context) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	names := make([]string, 0, len(f.repos))
	for name := range f.repos {
		names = append(names, name)
	}
	for i := 0; i < len(names); i++ {
		for k := i + 1; k < len(names); k++ {
			if names[k] < names[i] {
				names[i], names[k] = names[k], names[i]
			}
		}
	}
	return names, nil
}

func (f *fakeCatalog) ListTags(_ context.Context, repo string) ([]string, error) {
	return f.repos[repo], nil
}

// scriptedRunner fails any copy whose destination matches failSubstr.
type scriptedRunner struct {
	mu         sync.Mutex
	calls      [][]string
	failSubstr string
}

func (s *scriptedRunner) Run(_ context.Context, inv command.Invocation) (*command.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, inv.Argv)
	if s.failSubstr != "" && strings.Contains(strings.Join(inv.Argv, " "), s.failSubstr) {
		return &command.Result{ExitCode: 1, Stderr: "copy failed"}, nil
	}
	return &command.Result{ExitCode: 0}, nil
}

type fixture struct {
	engine *Engine
	runner *scriptedRunner
	store  *store.Store
	destID string
}

func newFixture(t *testing.T, catalog Catalog) *fixture {
	t.Helper()
	settings := &config.Settings{
		RegistryURL:      "http://localhost:5000",
		RegistryUsername: "local",
		RegistryPassword: "localpass",
		SecretKey:        "unit-test-secret",
		DataDir:          t.TempDir(),
	}
	st := store.New(settings.DataDir)
	dest, err := st.CreateRegistry("backup", "backup.example.com", "svc", "hunter22")
	require.NoError(t, err)
	runner := &scriptedRunner{}
	return &fixture{
		engine: NewEngine(settings, st, catalog, runner),
		runner: runner,
		store:  st,
		destID: dest.ID,
	}
}

func (f *fixture) waitTerminal(t *testing.T, id string) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		var err error
		job, err = f.engine.Job(id)
		if err != nil {
			return false
		}
		return job.Status != StatusRunning
	}, 5*time.Second, 10*time.Millisecond)
	return job
}

func TestSingleImagePlan(t *testing.T) {
	f := newFixture(t, &fakeCatalog{})

	job, err := f.engine.Start(context.Background(), "team/app:v1", f.destID, "mirror")
	require.NoError(t, err)

	final := f.waitTerminal(t, job.ID)
	require.Equal(t, StatusDone, final.Status)
	require.Equal(t, 1, final.ImagesTotal)
	require.Equal(t, 1, final.ImagesDone)
	require.Equal(t, 100, final.Progress)
	require.NotEmpty(t, final.FinishedAt)

	require.Len(t, f.runner.calls, 1)
	argv := f.runner.calls[0]
	require.Contains(t, argv, "--src-tls-verify=false")
	require.Contains(t, argv, "--dest-tls-verify=false")
	require.Contains(t, argv, "--src-creds")
	require.Contains(t, argv, "--dest-creds")
	require.Equal(t, "docker://localhost:5000/team/app:v1", argv[len(argv)-2])
	// Basename rule: the in-registry prefix is dropped, the destination
	// folder re-applied.
	require.Equal(t, "docker://backup.example.com/mirror/app:v1", argv[len(argv)-1])
}

func TestReplicateAll(t *testing.T) {
	catalog := &fakeCatalog{repos: map[string][]string{
		"alpha":    {"v1", "v2"},
		"team/app": {"latest"},
	}}
	f := newFixture(t, catalog)

	job, err := f.engine.Start(context.Background(), SourceAll, f.destID, "")
	require.NoError(t, err)

	final := f.waitTerminal(t, job.ID)
	require.Equal(t, StatusDone, final.Status)
	require.Equal(t, 3, final.ImagesTotal)
	require.Equal(t, 3, final.ImagesDone)
	require.Len(t, f.runner.calls, 3)
}

func TestPartialFailure(t *testing.T) {
	catalog := &fakeCatalog{repos: map[string][]string{
		"alpha":   {"v1"},
		"bravo":   {"v1"},
		"charlie": {"v1"},
	}}
	f := newFixture(t, catalog)
	f.runner.failSubstr = "bravo"

	job, err := f.engine.Start(context.Background(), SourceAll, f.destID, "")
	require.NoError(t, err)

	final := f.waitTerminal(t, job.ID)
	require.Equal(t, StatusPartial, final.Status)
	require.Equal(t, 3, final.ImagesDone)
	require.Equal(t, 100, final.Progress)
	require.Contains(t, final.Error, "bravo")
	require.NotContains(t, final.Error, "alpha")
}

func TestPlanFailureIsError(t *testing.T) {
	f := newFixture(t, &fakeCatalog{err: errors.New("catalog down")})

	job, err := f.engine.Start(context.Background(), SourceAll, f.destID, "")
	require.NoError(t, err)

	final := f.waitTerminal(t, job.ID)
	require.Equal(t, StatusError, final.Status)
	require.Contains(t, final.Error, "catalog down")
	require.Zero(t, final.ImagesDone)
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t, &fakeCatalog{})

	// Unknown destination registry.
	_, err := f.engine.Start(context.Background(), "a:b", "no-such-id", "")
	require.ErrorIs(t, err, store.ErrNotFound)

	// Source must be repo:tag or "all".
	_, err = f.engine.Start(context.Background(), "no-tag", f.destID, "")
	require.Error(t, err)

	// Destination folder goes through path validation.
	_, err = f.engine.Start(context.Background(), "a:b", f.destID, "../escape")
	require.ErrorIs(t, err, staging.ErrBadFolder)
}

func TestErrorListBounded(t *testing.T) {
	errs := []string{"e1", "e2", "e3", "e4", "e5", "e6", "e7"}
	out := joinBounded(errs, 5)
	require.Contains(t, out, "e5")
	require.NotContains(t, out, "e6")
	require.Contains(t, out, "and 2 more")
	require.Empty(t, joinBounded(nil, 5))
}
