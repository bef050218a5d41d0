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

// Package replicate mirrors images from the local registry to an external
// destination, either one repo:tag or the whole catalog.
package replicate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cyr-ius/portalcrane/internal/command"
	"github.com/cyr-ius/portalcrane/internal/config"
	"github.com/cyr-ius/portalcrane/internal/staging"
	"github.com/cyr-ius/portalcrane/internal/store"
)

// SourceAll replicates the whole catalog.
const SourceAll = "all"

// Status of a sync job.
type Status string

const (
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusPartial Status = "partial"
	StatusError   Status = "error"
)

// maxReportedErrors bounds the error field of a finished job.
const maxReportedErrors = 5

// Job is one replication run.
type Job struct {
	ID             string `json:"id"`
	SourceSpec     string `json:"source_spec"`
	DestRegistryID string `json:"dest_registry_id"`
	DestFolder     string `json:"dest_folder,omitempty"`
	Status         Status `json:"status"`
	StartedAt      string `json:"started_at"`
	FinishedAt     string `json:"finished_at,omitempty"`
	ImagesTotal    int    `json:"images_total"`
	ImagesDone     int    `json:"images_done"`
	Progress       int    `json:"progress"`
	Error          string `json:"error,omitempty"`
	Message        string `json:"message"`
}

// pair is one source/destination copy.
type pair struct {
	src string
	dst string
}

// Catalog enumerates the local registry for "all" plans.
type Catalog interface {
	ListRepositories(ctx context.Context) ([]string, error)
	ListTags(ctx context.Context, repo string) ([]string, error)
}

// Engine runs replication jobs, one long-lived goroutine each.
type Engine struct {
	settings *config.Settings
	store    *store.Store
	catalog  Catalog
	runner   command.Runner

	mu   sync.RWMutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

// NewEngine wires the replication engine.
func NewEngine(settings *config.Settings, st *store.Store, catalog Catalog, runner command.Runner) *Engine {
	return &Engine{
		settings: settings,
		store:    st,
		catalog:  catalog,
		runner:   runner,
		jobs:     map[string]*Job{},
	}
}

// Start validates the request, registers a running job and launches it.
// source is either "repo:tag" or "all".
func (e *Engine) Start(ctx context.Context, source, destRegistryID, destFolder string) (*Job, error) {
	if err := staging.ValidateFolderPath(destFolder); err != nil {
		return nil, err
	}
	dest, err := e.store.RegistryByID(destRegistryID)
	if err != nil {
		return nil, err
	}
	if source != SourceAll && !strings.Contains(source, ":") {
		return nil, errors.Errorf("source must be %q or repo:tag, got %q", SourceAll, source)
	}

	job := &Job{
		ID:             uuid.NewString(),
		SourceSpec:     source,
		DestRegistryID: destRegistryID,
		DestFolder:     strings.Trim(destFolder, "/"),
		Status:         StatusRunning,
		StartedAt:      time.Now().UTC().Format(time.RFC3339),
		Message:        "Building replication plan",
	}
	e.mu.Lock()
	e.jobs[job.ID] = job
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(context.WithoutCancel(ctx), job.ID, source, *dest)
	}()
	snap := *job
	return &snap, nil
}

func (e *Engine) run(ctx context.Context, jobID, source string, dest store.ExternalRegistry) {
	log := logrus.WithFields(logrus.Fields{"sync": jobID, "dest": dest.Name})

	plan, err := e.buildPlan(ctx, jobID, source, dest)
	if err != nil {
		log.WithError(err).Warn("plan construction failed")
		e.update(jobID, func(j *Job) {
			j.Status = StatusError
			j.Error = err.Error()
			j.Message = "Plan construction failed"
			j.FinishedAt = time.Now().UTC().Format(time.RFC3339)
		})
		return
	}

	e.update(jobID, func(j *Job) {
		j.ImagesTotal = len(plan)
		j.Message = fmt.Sprintf("Replicating %d images", len(plan))
	})

	var failures []string
	for _, p := range plan {
		argv := []string{
			"skopeo", "copy",
			"--src-tls-verify=false",
			"--dest-tls-verify=false",
		}
		if e.settings.RegistryUsername != "" {
			argv = append(argv, "--src-creds", e.settings.RegistryUsername+":"+e.settings.RegistryPassword)
		}
		if dest.Username != "" {
			argv = append(argv, "--dest-creds", dest.Username+":"+dest.Password)
		}
		argv = append(argv, p.src, p.dst)

		res, err := e.runner.Run(ctx, command.Invocation{Argv: argv, Env: e.settings.ProxyEnv()})
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", p.src, err))
		} else if res.ExitCode != 0 {
			failures = append(failures, fmt.Sprintf("%s: %s", p.src, strings.TrimSpace(res.Stderr)))
		}

		e.update(jobID, func(j *Job) {
			j.ImagesDone++
			if j.ImagesTotal > 0 {
				j.Progress = j.ImagesDone * 100 / j.ImagesTotal
			}
		})
	}

	status := StatusDone
	message := "Replication complete"
	if len(failures) > 0 {
		status = StatusPartial
		message = fmt.Sprintf("Replication finished with %d failures", len(failures))
	}
	e.update(jobID, func(j *Job) {
		j.Status = status
		j.Message = message
		j.Progress = 100
		j.FinishedAt = time.Now().UTC().Format(time.RFC3339)
		j.Error = joinBounded(failures, maxReportedErrors)
	})
	log.WithFields(logrus.Fields{"status": status, "failures": len(failures)}).Info("replication finished")
}

func (e *Engine) buildPlan(ctx context.Context, jobID, source string, dest store.ExternalRegistry) ([]pair, error) {
	destHost := strings.TrimPrefix(strings.TrimPrefix(dest.Host, "https://"), "http://")
	srcHost := e.settings.PushHost()
	destFolder := ""
	if j, err := e.job(jobID); err == nil {
		destFolder = j.DestFolder
	}

	destRef := func(repo, tag string) string {
		base := repo[strings.LastIndex(repo, "/")+1:]
		if destFolder != "" {
			base = destFolder + "/" + base
		}
		return "docker://" + destHost + "/" + base + ":" + tag
	}
	srcRef := func(repo, tag string) string {
		return "docker://" + srcHost + "/" + repo + ":" + tag
	}

	if source != SourceAll {
		repo, tag, _ := strings.Cut(source, ":")
		return []pair{{src: srcRef(repo, tag), dst: destRef(repo, tag)}}, nil
	}

	repos, err := e.catalog.ListRepositories(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing local repositories")
	}
	var plan []pair
	for _, repo := range repos {
		tags, err := e.catalog.ListTags(ctx, repo)
		if err != nil {
			return nil, errors.Wrapf(err, "listing tags of %s", repo)
		}
		for _, tag := range tags {
			plan = append(plan, pair{src: srcRef(repo, tag), dst: destRef(repo, tag)})
		}
	}
	return plan, nil
}

// Jobs returns a snapshot of all sync jobs, newest first.
func (e *Engine) Jobs() []Job {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Job, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, *j)
	}
	for i := 0; i < len(out); i++ {
		for k := i + 1; k < len(out); k++ {
			if out[k].StartedAt > out[i].StartedAt {
				out[i], out[k] = out[k], out[i]
			}
		}
	}
	return out
}

// Job returns a snapshot of one sync job.
func (e *Engine) Job(id string) (*Job, error) {
	return e.job(id)
}

func (e *Engine) job(id string) (*Job, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	j, ok := e.jobs[id]
	if !ok {
		return nil, errors.Wrapf(store.ErrNotFound, "sync job %s", id)
	}
	snap := *j
	return &snap, nil
}

func (e *Engine) update(id string, fn func(*Job)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if j, ok := e.jobs[id]; ok {
		fn(j)
	}
}

func joinBounded(errs []string, max int) string {
	if len(errs) == 0 {
		return ""
	}
	shown := errs
	elided := 0
	if len(shown) > max {
		elided = len(shown) - max
		shown = shown[:max]
	}
	out := strings.Join(shown, "; ")
	if elided > 0 {
		out += fmt.Sprintf("; and %d more", elided)
	}
	return out
}
