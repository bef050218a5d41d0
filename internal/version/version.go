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

// Package version exposes build information stamped in with ldflags.
package version

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/pkg/errors"
)

// Values are overridden at build time:
//
//	-ldflags "-X github.com/cyr-ius/portalcrane/internal/version.gitVersion=..."
var (
	gitVersion = "devel"
	gitCommit  = "unknown"
	buildDate  = "unknown"
)

// Info describes the running build.
type Info struct {
	GitVersion string `json:"gitVersion"`
	GitCommit  string `json:"gitCommit"`
	BuildDate  string `json:"buildDate"`
	GoVersion  string `json:"goVersion"`
	Platform   string `json:"platform"`
}

// Get returns the build information.
func Get() Info {
	return Info{
		GitVersion: gitVersion,
		GitCommit:  gitCommit,
		BuildDate:  buildDate,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String renders the info as a single human-readable line.
func (i Info) String() string {
	return fmt.Sprintf("portalcrane %s (%s) built %s %s %s",
		i.GitVersion, i.GitCommit, i.BuildDate, i.GoVersion, i.Platform)
}

// JSONString renders the info as indented JSON.
func (i Info) JSONString() (string, error) {
	raw, err := json.MarshalIndent(i, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encoding version info")
	}
	return string(raw), nil
}
