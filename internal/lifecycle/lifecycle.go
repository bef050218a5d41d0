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

// Package lifecycle orchestrates registry garbage collection and ghost
// repository cleanup on the registry's backing filesystem.
package lifecycle

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
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cyr-ius/portalcrane/internal/command"
	"github.com/cyr-ius/portalcrane/internal/config"
	"github.com/cyr-ius/portalcrane/internal/supervisor"
)

// RegistryProcess is the supervisord program name of the registry.
const RegistryProcess = "registry"

// ErrGCRunning is returned when a GC start request races a running GC.
var ErrGCRunning = errors.New("garbage collection already running")

// ErrPathEscape marks a purge target resolving outside the repositories root.
var ErrPathEscape = errors.New("path escapes the repositories root")

// ghostPattern matches the registry GC failure lines left behind by deleted
// tags whose repository directories were partially removed.
var ghostPattern = regexp.MustCompile(`Path not found: (/docker/registry/v2/repositories/[^\s]+/_layers)`)

// GCStatus of the singleton GC state.
type GCStatus string

const (
	GCIdle    GCStatus = "idle"
	GCRunning GCStatus = "running"
	GCDone    GCStatus = "done"
	GCFailed  GCStatus = "failed"
)

// GCState is the singleton garbage collection record.
type GCState struct {
	Status     GCStatus `json:"status"`
	StartedAt  string   `json:"started_at,omitempty"`
	FinishedAt string   `json:"finished_at,omitempty"`
	Output     string   `json:"output"`
	FreedBytes int64    `json:"freed_bytes"`
	FreedHuman string   `json:"freed_human,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Ghosts are repositories present in the catalog with zero tags.
type Ghosts interface {
	ListEmptyRepositories(ctx context.Context) ([]string, error)
}

// Controller runs GC and ghost purges. GC is exclusive.
type Controller struct {
	settings *config.Settings
	super    supervisor.Controller
	runner   command.Runner
	ghosts   Ghosts

	mu      sync.Mutex
	state   GCState
	running bool
}

// NewController wires the lifecycle controller.
func NewController(settings *config.Settings, super supervisor.Controller, runner command.Runner, ghosts Ghosts) *Controller {
	return &Controller{
		settings: settings,
		super:    super,
		runner:   runner,
		ghosts:   ghosts,
		state:    GCState{Status: GCIdle},
	}
}

// GCState returns a snapshot of the singleton state.
func (c *Controller) GCState() GCState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartGC launches garbage collection in the background. A second start
// while one is running returns ErrGCRunning and leaves the state untouched.
func (c *Controller) StartGC(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrGCRunning
	}
	c.running = true
	c.state = GCState{
		Status:    GCRunning,
		StartedAt: time.Now().UTC().Format(time.RFC3339),
	}
	c.mu.Unlock()

	go c.runGC(context.WithoutCancel(ctx))
	return nil
}

func (c *Controller) runGC(ctx context.Context) {
	log := logrus.WithField("op", "gc")
	sizeBefore := dirSize(c.settings.RegistryDataRoot)

	finish := func(status GCStatus, output, errMsg string) {
		sizeAfter := dirSize(c.settings.RegistryDataRoot)
		freed := sizeBefore - sizeAfter
		if freed < 0 {
			freed = 0
		}
		c.mu.Lock()
		c.state.Status = status
		c.state.FinishedAt = time.Now().UTC().Format(time.RFC3339)
		c.state.Output = output
		c.state.FreedBytes = freed
		c.state.FreedHuman = units.HumanSize(float64(freed))
		c.state.Error = errMsg
		c.running = false
		c.mu.Unlock()
		log.WithFields(logrus.Fields{"status": status, "freed": freed}).Info("garbage collection finished")
	}

	if err := c.super.Stop(RegistryProcess); err != nil {
		c.restartRegistry(log)
		finish(GCFailed, "", errors.Wrap(err, "stopping registry").Error())
		return
	}
	// Give the registry a moment to release its file handles.
	time.Sleep(2 * time.Second)

	output, err := c.collect(ctx)
	if err != nil {
		removed := c.cleanupGhostPaths(output)
		if removed > 0 {
			log.WithField("removed", removed).Info("removed ghost paths, retrying garbage collection")
			output, err = c.collect(ctx)
		}
	}

	c.restartRegistry(log)

	if err != nil {
		finish(GCFailed, output, err.Error())
		return
	}
	finish(GCDone, output, "")
}

// collect runs the registry GC binary. Output is stdout and stderr joined
// so the ghost pattern scan sees both streams.
func (c *Controller) collect(ctx context.Context) (string, error) {
	res, err := c.runner.Run(ctx, command.Invocation{
		Argv: []string{
			c.settings.RegistryBinary,
			"garbage-collect",
			"--delete-untagged=true",
			c.settings.RegistryConfigPath,
		},
	})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return res.Output(), errors.Errorf("garbage-collect exited %d", res.ExitCode)
	}
	return res.Output(), nil
}

// cleanupGhostPaths removes the repository directories named in GC's
// "Path not found" failures. Returns how many were removed.
func (c *Controller) cleanupGhostPaths(output string) int {
	removed := 0
	for _, match := range ghostPattern.FindAllStringSubmatch(output, -1) {
		// The match is /docker/registry/v2/repositories/<path>/_layers;
		// the whole repository directory goes.
		repoPath := strings.TrimSuffix(match[1], "/_layers")
		rel := strings.TrimPrefix(repoPath, "/")
		target, err := containedPath(c.settings.RegistryDataRoot, rel)
		if err != nil {
			logrus.WithField("path", repoPath).Error("refusing ghost cleanup outside data root")
			continue
		}
		if err := os.RemoveAll(target); err != nil {
			logrus.WithError(err).WithField("path", target).Warn("ghost cleanup failed")
			continue
		}
		logrus.WithField("path", target).Info("removed ghost repository path")
		removed++
	}
	return removed
}

func (c *Controller) restartRegistry(log *logrus.Entry) {
	if err := c.super.Start(RegistryProcess); err != nil {
		log.WithError(err).Error("restarting registry failed")
	}
}

// ListGhosts returns the catalog entries with zero tags.
func (c *Controller) ListGhosts(ctx context.Context) ([]string, error) {
	return c.ghosts.ListEmptyRepositories(ctx)
}

// PurgeGhosts removes the backing directories of the named ghost
// repositories. Every target is containment-checked against the
// repositories root; a violation is skipped and reported.
func (c *Controller) PurgeGhosts(names []string) (removed []string, skipped []string) {
	root := filepath.Join(c.settings.RegistryDataRoot, "docker", "registry", "v2", "repositories")
	for _, name := range names {
		target, err := containedPath(root, name)
		if err != nil {
			logrus.WithField("repo", name).Error("refusing ghost purge outside repositories root")
			skipped = append(skipped, name)
			continue
		}
		if err := os.RemoveAll(target); err != nil {
			logrus.WithError(err).WithField("repo", name).Warn("ghost purge failed")
			skipped = append(skipped, name)
			continue
		}
		removed = append(removed, name)
	}
	return removed, skipped
}

// containedPath joins name onto root and verifies the result stays inside.
func containedPath(root, name string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", errors.Wrap(err, "resolving root")
	}
	joined := filepath.Join(absRoot, name)
	rel, err := filepath.Rel(absRoot, joined)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
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
