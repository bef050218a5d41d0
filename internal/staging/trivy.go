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

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Vulnerability is one finding from the scan report.
type Vulnerability struct {
	ID               string  `json:"id"`
	PkgName          string  `json:"pkg_name"`
	InstalledVersion string  `json:"installed_version"`
	FixedVersion     string  `json:"fixed_version,omitempty"`
	Severity         string  `json:"severity"`
	Title            string  `json:"title,omitempty"`
	CVSSScore        float64 `json:"cvss_score,omitempty"`
}

// ScanResult summarizes a trivy run against one image.
type ScanResult struct {
	Counts          map[string]int  `json:"counts"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities"`
	Blocked         bool            `json:"blocked"`
}

// trivyReport mirrors the subset of trivy's JSON output we read.
type trivyReport struct {
	Results []struct {
		Vulnerabilities []struct {
			VulnerabilityID  string `json:"VulnerabilityID"`
			PkgName          string `json:"PkgName"`
			InstalledVersion string `json:"InstalledVersion"`
			FixedVersion     string `json:"FixedVersion"`
			Severity         string `json:"Severity"`
			Title            string `json:"Title"`
			CVSS             map[string]struct {
				V3Score float64 `json:"V3Score"`
				V2Score float64 `json:"V2Score"`
			} `json:"CVSS"`
		} `json:"Vulnerabilities"`
	} `json:"Results"`
}

// ParseScanReport decodes trivy JSON output and applies the blocking policy:
// the result is blocked when any requested severity has at least one finding.
func ParseScanReport(raw []byte, blockingSeverities []string) (*ScanResult, error) {
	var report trivyReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, errors.Wrap(err, "decoding scan report")
	}

	result := &ScanResult{
		Counts: map[string]int{
			"CRITICAL": 0, "HIGH": 0, "MEDIUM": 0, "LOW": 0, "UNKNOWN": 0,
		},
		Vulnerabilities: []Vulnerability{},
	}
	for _, res := range report.Results {
		for _, v := range res.Vulnerabilities {
			severity := v.Severity
			if _, known := result.Counts[severity]; !known {
				severity = "UNKNOWN"
			}
			result.Counts[severity]++

			vuln := Vulnerability{
				ID:               v.VulnerabilityID,
				PkgName:          v.PkgName,
				InstalledVersion: v.InstalledVersion,
				FixedVersion:     v.FixedVersion,
				Severity:         severity,
				Title:            v.Title,
			}
			for _, cvss := range v.CVSS {
				if cvss.V3Score > vuln.CVSSScore {
					vuln.CVSSScore = cvss.V3Score
				} else if cvss.V2Score > vuln.CVSSScore {
					vuln.CVSSScore = cvss.V2Score
				}
			}
			result.Vulnerabilities = append(result.Vulnerabilities, vuln)
		}
	}

	for _, severity := range blockingSeverities {
		if result.Counts[severity] > 0 {
			result.Blocked = true
			break
		}
	}
	return result, nil
}
