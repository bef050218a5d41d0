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

// Package command centralizes subprocess invocation for the external tools
// (skopeo, trivy, registry). All callers go through the Runner interface so
// pipelines can be tested without the binaries installed.
package command

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Invocation describes one subprocess run.
type Invocation struct {
	// Argv is the full command line, binary first.
	Argv []string
	// Env entries override or extend the inherited environment.
	Env map[string]string
	// Stdin, when non-empty, is fed to the process.
	Stdin string
	// Timeout bounds the run; zero means no deadline.
	Timeout time.Duration
}

// Result is the captured outcome of a run.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Output returns stdout and stderr joined, for pattern scans over both.
func (r *Result) Output() string {
	return r.Stdout + "\n" + r.Stderr
}

// Runner executes invocations.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*Result, error)
}

// ExecRunner runs invocations with os/exec.
type ExecRunner struct{}

var _ Runner = (*ExecRunner)(nil)

// Run executes the invocation. A non-zero exit is not an error: the exit
// code is reported in the result so callers can apply tool-specific policies
// (trivy treats exit 1 as findings, not failure). Errors are reserved for
// the process not running at all or the deadline killing it.
func (*ExecRunner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	if len(inv.Argv) == 0 {
		return nil, errors.New("empty command line")
	}
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, inv.Argv[0], inv.Argv[1:]...)
	cmd.Env = mergeEnv(os.Environ(), inv.Env)
	if inv.Stdin != "" {
		cmd.Stdin = strings.NewReader(inv.Stdin)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logrus.WithField("cmd", redact(inv.Argv)).Debug("running command")
	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, errors.Errorf("command %s timed out after %s", inv.Argv[0], elapsed.Round(time.Millisecond))
	}
	if err != nil {
		exitErr := &exec.ExitError{}
		if errors.As(err, &exitErr) {
			return &Result{
				ExitCode: exitErr.ExitCode(),
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
			}, nil
		}
		return nil, errors.Wrapf(err, "starting %s", inv.Argv[0])
	}
	return &Result{ExitCode: 0, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := map[string]string{}
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			merged[k] = v
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// redact hides credential values in --src-creds/--dest-creds style flags
// before the command line hits the log.
func redact(argv []string) string {
	out := make([]string, len(argv))
	copy(out, argv)
	for i, arg := range out {
		if strings.HasSuffix(arg, "-creds") && i+1 < len(out) {
			out[i+1] = "***"
		}
		if k, _, ok := strings.Cut(arg, "="); ok && strings.HasSuffix(k, "-creds") {
			out[i] = k + "=***"
		}
	}
	return strings.Join(out, " ")
}
