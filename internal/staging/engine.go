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

// Package staging runs the image ingestion pipeline: pull an image into a
// local OCI layout, optionally scan it, then push it into the local or an
// external registry.
package staging

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cyr-ius/portalcrane/internal/auth"
	"github.com/cyr-ius/portalcrane/internal/command"
	"github.com/cyr-ius/portalcrane/internal/config"
	"github.com/cyr-ius/portalcrane/internal/store"
)

// Errors the API layer maps to HTTP statuses.
var (
	ErrJobNotFound  = errors.New("staging job not found")
	ErrBadJobID     = errors.New("job id must be a UUID")
	ErrNotPushable  = errors.New("image must pass scanning before push")
	ErrBadFolder    = errors.New("invalid folder path")
	ErrPushDenied   = errors.New("push not allowed for this target")
	ErrLayoutGone   = errors.New("OCI directory not found")
	ErrPathEscape   = errors.New("path escapes the staging root")
	ErrBadReference = errors.New("invalid image reference")
)

var folderPathPattern = regexp.MustCompile(`^[a-zA-Z0-9._\-/]+$`)

// ValidateFolderPath enforces the push folder rule: allowed charset only,
// no parent traversal, no leading slash.
func ValidateFolderPath(folder string) error {
	if folder == "" {
		return nil
	}
	if strings.HasPrefix(folder, "/") {
		return errors.Wrap(ErrBadFolder, "must not start with /")
	}
	if strings.Contains(folder, "..") {
		return errors.Wrap(ErrBadFolder, "must not contain ..")
	}
	if !folderPathPattern.MatchString(folder) {
		return errors.Wrap(ErrBadFolder, "contains forbidden characters")
	}
	return nil
}

// PullRequest starts a pipeline.
type PullRequest struct {
	Image     string
	Tag       string
	Username  string
	Overrides Overrides
}

// PushRequest pushes a staged layout to its final destination.
type PushRequest struct {
	JobID       string
	TargetImage string
	TargetTag   string
	Folder      string
	// RegistryID selects an external registry; empty means the local one.
	RegistryID string
	Principal  *auth.Principal
}

// Engine owns the in-memory job table and the staging directories.
type Engine struct {
	settings *config.Settings
	store    *store.Store
	resolver *auth.Resolver
	runner   command.Runner

	mu   sync.RWMutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

// NewEngine wires the staging engine.
func NewEngine(settings *config.Settings, st *store.Store, resolver *auth.Resolver, runner command.Runner) *Engine {
	return &Engine{
		settings: settings,
		store:    st,
		resolver: resolver,
		runner:   runner,
		jobs:     map[string]*Job{},
	}
}

// StartPull validates the request, registers a pending job and launches its
// pipeline goroutine.
func (e *Engine) StartPull(ctx context.Context, req PullRequest) (*Job, error) {
	ref := req.Image + ":" + req.Tag
	if _, err := name.NewTag(ref, name.WeakValidation); err != nil {
		return nil, errors.Wrapf(ErrBadReference, "%q: %v", ref, err)
	}

	job := &Job{
		JobID:     uuid.NewString(),
		Status:    StatusPending,
		Image:     req.Image,
		Tag:       req.Tag,
		Progress:  0,
		Message:   "Queued",
		Overrides: req.Overrides,
		CreatedBy: req.Username,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	e.mu.Lock()
	e.jobs[job.JobID] = job
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runPull(context.WithoutCancel(ctx), job.JobID, req)
	}()
	return e.snapshot(job.JobID)
}

func (e *Engine) runPull(ctx context.Context, jobID string, req PullRequest) {
	log := logrus.WithFields(logrus.Fields{"job": jobID, "image": req.Image, "tag": req.Tag})

	dir, err := e.stagingDir(jobID)
	if err != nil {
		e.fail(jobID, err.Error())
		return
	}

	e.update(jobID, func(j *Job) {
		j.Status = StatusPulling
		j.Progress = 10
		j.Message = "Pulling " + req.Image + ":" + req.Tag
	})

	argv := []string{"skopeo", "copy", "--override-os", "linux"}
	if user, pass := e.pullCredentials(req.Username); user != "" {
		argv = append(argv, "--src-creds", user+":"+pass)
	}
	argv = append(argv, "docker://"+req.Image+":"+req.Tag, "oci:"+dir+":latest")

	res, err := e.runner.Run(ctx, command.Invocation{
		Argv: argv,
		Env:  e.settings.ProxyEnv(),
	})
	if err != nil || res.ExitCode != 0 {
		detail := "skopeo pull failed"
		if err != nil {
			detail = err.Error()
		} else if res.Stderr != "" {
			detail = strings.TrimSpace(res.Stderr)
		}
		log.WithField("detail", detail).Warn("pull step failed")
		e.fail(jobID, detail)
		_ = e.removeStagingDir(jobID)
		return
	}
	e.update(jobID, func(j *Job) {
		j.Progress = 50
		j.Message = "Image pulled"
	})

	enabled := e.settings.VulnScanEnabled
	if req.Overrides.VulnScanEnabled != nil {
		enabled = *req.Overrides.VulnScanEnabled
	}
	if !enabled {
		e.update(jobID, func(j *Job) {
			j.Status = StatusScanSkipped
			j.Progress = 100
			j.Message = "Scan skipped"
		})
		log.Info("pull complete, scan skipped")
		return
	}

	e.update(jobID, func(j *Job) {
		j.Status = StatusVulnScanning
		j.Progress = 85
		j.Message = "Scanning for vulnerabilities"
	})

	severities := e.settings.VulnSeverities()
	if len(req.Overrides.VulnSeverities) > 0 {
		severities = req.Overrides.VulnSeverities
	}
	result, err := e.scan(ctx, dir, severities)
	if err != nil {
		log.WithError(err).Warn("scan step failed")
		e.fail(jobID, err.Error())
		_ = e.removeStagingDir(jobID)
		return
	}

	status := StatusScanClean
	message := "Scan clean"
	if result.Blocked {
		status = StatusScanVulnerable
		message = "Blocking vulnerabilities found"
	}
	e.update(jobID, func(j *Job) {
		j.Status = status
		j.Progress = 100
		j.Message = message
		j.VulnResult = result
	})
	log.WithField("status", status).Info("pull pipeline finished")
}

func (e *Engine) scan(ctx context.Context, dir string, severities []string) (*ScanResult, error) {
	argv := []string{
		"trivy", "image",
		"--format", "json",
		"--server", e.settings.TrivyServerURL,
		"--severity", strings.Join(severities, ","),
	}
	if e.settings.VulnIgnoreUnfixed {
		argv = append(argv, "--ignore-unfixed")
	}
	argv = append(argv, "--input", dir)

	res, err := e.runner.Run(ctx, command.Invocation{
		Argv:    argv,
		Env:     e.settings.ProxyEnv(),
		Timeout: e.settings.VulnScanTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "running trivy")
	}
	// Exit 1 means findings, which is still a completed scan.
	if res.ExitCode != 0 && res.ExitCode != 1 {
		return nil, errors.Errorf("trivy exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return ParseScanReport([]byte(res.Stdout), severities)
}

// parseJobID accepts only version 4 UUIDs; job ids are always generated
// locally with uuid.NewString.
func parseJobID(id string) error {
	u, err := uuid.Parse(id)
	if err != nil || u.Version() != 4 {
		return errors.Wrapf(ErrBadJobID, "%q", id)
	}
	return nil
}

// Push validates preconditions and runs the push step synchronously.
func (e *Engine) Push(ctx context.Context, req PushRequest) (*Job, error) {
	if err := parseJobID(req.JobID); err != nil {
		return nil, err
	}
	if err := ValidateFolderPath(req.Folder); err != nil {
		return nil, err
	}

	current, err := e.snapshot(req.JobID)
	if err != nil {
		return nil, err
	}
	if !current.Status.Pushable() {
		return nil, errors.Wrapf(ErrNotPushable, "job is %s", current.Status)
	}

	targetImage := current.Image
	if req.TargetImage != "" {
		targetImage = req.TargetImage
	}
	targetTag := current.Tag
	if req.TargetTag != "" {
		targetTag = req.TargetTag
	}
	// The source reference may carry a namespace (library/alpine); only the
	// basename lands in the destination path.
	targetImage = targetImage[strings.LastIndex(targetImage, "/")+1:]

	finalPath := targetImage
	if req.Folder != "" {
		finalPath = strings.Trim(req.Folder, "/") + "/" + targetImage
	}

	if req.Principal != nil {
		allowed, err := e.resolver.Authorize(req.Principal, finalPath, auth.Push)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, errors.Wrapf(ErrPushDenied, "user %s, path %s", req.Principal.Username, finalPath)
		}
	}

	host := e.settings.PushHost()
	destCreds := ""
	if req.RegistryID != "" {
		reg, err := e.store.RegistryByID(req.RegistryID)
		if err != nil {
			return nil, err
		}
		host = strings.TrimPrefix(strings.TrimPrefix(reg.Host, "https://"), "http://")
		if reg.Username != "" {
			destCreds = reg.Username + ":" + reg.Password
		}
	}

	dir, err := e.stagingDir(req.JobID)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(dir, "index.json")); err != nil {
		return nil, errors.Wrapf(ErrLayoutGone, "job %s", req.JobID)
	}

	e.update(req.JobID, func(j *Job) {
		j.Status = StatusPushing
		j.Message = "Pushing to " + host + "/" + finalPath + ":" + targetTag
		j.TargetImage = finalPath
		j.TargetTag = targetTag
	})

	argv := []string{"skopeo", "copy", "--dest-tls-verify=false"}
	if destCreds != "" {
		argv = append(argv, "--dest-creds", destCreds)
	}
	argv = append(argv,
		"oci:"+dir+":latest",
		"docker://"+host+"/"+finalPath+":"+targetTag,
	)

	res, err := e.runner.Run(ctx, command.Invocation{Argv: argv, Env: e.settings.ProxyEnv()})
	if err != nil || res.ExitCode != 0 {
		detail := "skopeo push failed"
		if err != nil {
			detail = err.Error()
		} else if res.Stderr != "" {
			detail = strings.TrimSpace(res.Stderr)
		}
		// The layout is kept so the caller can retry with a corrected target.
		e.fail(req.JobID, detail)
		return nil, errors.New(detail)
	}

	e.update(req.JobID, func(j *Job) {
		j.Status = StatusDone
		j.Progress = 100
		j.Message = "Pushed to " + host + "/" + finalPath + ":" + targetTag
		j.Error = ""
	})
	logrus.WithFields(logrus.Fields{
		"job": req.JobID, "target": finalPath + ":" + targetTag, "host": host,
	}).Info("push finished")
	return e.snapshot(req.JobID)
}

// Jobs returns a snapshot of every job, newest first.
func (e *Engine) Jobs() []Job {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Job, 0, len(e.jobs))
	for _, j := range e.jobs {
		out = append(out, *j)
	}
	for i := 0; i < len(out); i++ {
		for k := i + 1; k < len(out); k++ {
			if out[k].CreatedAt > out[i].CreatedAt {
				out[i], out[k] = out[k], out[i]
			}
		}
	}
	return out
}

// Job returns a snapshot of one job.
func (e *Engine) Job(jobID string) (*Job, error) {
	if err := parseJobID(jobID); err != nil {
		return nil, err
	}
	return e.snapshot(jobID)
}

// Delete removes the job and its staging directory.
func (e *Engine) Delete(jobID string) error {
	if err := parseJobID(jobID); err != nil {
		return err
	}
	e.mu.Lock()
	_, ok := e.jobs[jobID]
	delete(e.jobs, jobID)
	e.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrJobNotFound, "%s", jobID)
	}
	return e.removeStagingDir(jobID)
}

// Orphans lists staging directories with no live job, with recursive sizes.
func (e *Engine) Orphans() ([]Orphan, error) {
	entries, err := os.ReadDir(e.settings.StagingRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return []Orphan{}, nil
		}
		return nil, errors.Wrap(err, "reading staging root")
	}

	e.mu.RLock()
	live := make(map[string]bool, len(e.jobs))
	for id := range e.jobs {
		live[id] = true
	}
	e.mu.RUnlock()

	orphans := []Orphan{}
	for _, entry := range entries {
		if !entry.IsDir() || live[entry.Name()] {
			continue
		}
		size := dirSize(filepath.Join(e.settings.StagingRoot, entry.Name()))
		orphans = append(orphans, Orphan{
			Name:      entry.Name(),
			SizeBytes: size,
			SizeHuman: units.HumanSize(float64(size)),
		})
	}
	return orphans, nil
}

// PurgeOrphans removes every orphan directory. Idempotent.
func (e *Engine) PurgeOrphans() (int, int64, error) {
	orphans, err := e.Orphans()
	if err != nil {
		return 0, 0, err
	}
	removed := 0
	var freed int64
	for _, o := range orphans {
		path, err := containedPath(e.settings.StagingRoot, o.Name)
		if err != nil {
			logrus.WithField("name", o.Name).Error("refusing to purge path outside staging root")
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			logrus.WithError(err).WithField("name", o.Name).Warn("orphan purge failed")
			continue
		}
		removed++
		freed += o.SizeBytes
	}
	return removed, freed, nil
}

// Shutdown marks every non-terminal job failed. Directories are left for
// orphan purge to reclaim.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, j := range e.jobs {
		switch j.Status {
		case StatusDone, StatusFailed, StatusScanVulnerable:
		default:
			j.Status = StatusFailed
			j.Error = "server shutdown"
			j.Message = "Server shutdown"
		}
	}
	e.mu.Unlock()
}

func (e *Engine) pullCredentials(username string) (string, string) {
	if username != "" {
		if user, err := e.store.UserByName(username); err == nil && user.DockerhubUsername != "" {
			return user.DockerhubUsername, user.DockerhubPassword
		}
	}
	return e.settings.DockerhubUsername, e.settings.DockerhubPassword
}

func (e *Engine) stagingDir(jobID string) (string, error) {
	return containedPath(e.settings.StagingRoot, jobID)
}

func (e *Engine) removeStagingDir(jobID string) error {
	dir, err := e.stagingDir(jobID)
	if err != nil {
		return err
	}
	return errors.Wrapf(os.RemoveAll(dir), "removing staging dir of %s", jobID)
}

func (e *Engine) snapshot(jobID string) (*Job, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	j, ok := e.jobs[jobID]
	if !ok {
		return nil, errors.Wrapf(ErrJobNotFound, "%s", jobID)
	}
	copied := *j
	return &copied, nil
}

func (e *Engine) update(jobID string, fn func(*Job)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if j, ok := e.jobs[jobID]; ok {
		fn(j)
	}
}

func (e *Engine) fail(jobID, detail string) {
	e.update(jobID, func(j *Job) {
		j.Status = StatusFailed
		j.Error = detail
		j.Message = "Failed"
	})
}

// containedPath joins name onto root and verifies the result stays inside
// root. A violation is refused, never "fixed up".
func containedPath(root, name string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", errors.Wrap(err, "resolving root")
	}
	joined := filepath.Join(absRoot, name)
	rel, err := filepath.Rel(absRoot, joined)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Wrapf(ErrPathEscape, "%q", name)
	}
	return joined, nil
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
