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

package staging

// Status is the staging job state. Transitions only follow the pipeline
// edges; there is no way to skip a state.
type Status string

const (
	StatusPending        Status = "pending"
	StatusPulling        Status = "pulling"
	StatusVulnScanning   Status = "vuln_scanning"
	StatusScanSkipped    Status = "scan_skipped"
	StatusScanClean      Status = "scan_clean"
	StatusScanVulnerable Status = "scan_vulnerable"
	StatusPushing        Status = "pushing"
	StatusDone           Status = "done"
	StatusFailed         Status = "failed"
)

// Pushable reports whether a job in this state may be pushed. Done is
// included so a finished job can be re-pushed to another target.
func (s Status) Pushable() bool {
	switch s {
	case StatusScanClean, StatusScanSkipped, StatusDone:
		return true
	}
	return false
}

// Overrides are the per-job scan policy overrides. Nil fields fall back to
// the configured defaults.
type Overrides struct {
	VulnScanEnabled *bool    `json:"vuln_scan_enabled,omitempty"`
	VulnSeverities  []string `json:"vuln_severities,omitempty"`
}

// Job is one staging pipeline instance. Owned by the pipeline goroutine
// after creation; everyone else reads snapshots.
type Job struct {
	JobID       string      `json:"job_id"`
	Status      Status      `json:"status"`
	Image       string      `json:"image"`
	Tag         string      `json:"tag"`
	Progress    int         `json:"progress"`
	Message     string      `json:"message"`
	VulnResult  *ScanResult `json:"vuln_result,omitempty"`
	TargetImage string      `json:"target_image,omitempty"`
	TargetTag   string      `json:"target_tag,omitempty"`
	Error       string      `json:"error,omitempty"`
	Overrides   Overrides   `json:"overrides"`
	CreatedBy   string      `json:"created_by,omitempty"`
	CreatedAt   string      `json:"created_at"`
}

// Orphan is a staging directory with no live job.
type Orphan struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	SizeHuman string `json:"size_human"`
}
