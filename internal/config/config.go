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

// Package config loads the Portalcrane settings from environment variables.
package config

import (
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// DefaultSecretKey is the placeholder shipped in the sample environment file.
// Starting with it still set is a configuration error.
const DefaultSecretKey = "change-this-secret-key-in-production"

// Settings holds every recognized configuration option. All values come from
// environment variables; there is no configuration file.
type Settings struct {
	// Upstream registry.
	RegistryURL      string
	RegistryUsername string
	RegistryPassword string

	// Address the staging pipeline uses to push images. Defaults to the
	// host:port of RegistryURL when unset.
	RegistryPushHost string

	// Registry reverse proxy.
	RegistryProxyAuthEnabled bool
	ProxyTimeout             time.Duration
	PublicBaseURL            string

	// Admin fallback account.
	AdminUsername string
	AdminPassword string

	// Bearer token signing.
	SecretKey                string
	AccessTokenExpireMinutes int

	// Outbound proxy for subprocesses (skopeo, trivy).
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string

	// Docker Hub service credentials used for staging pulls when the user
	// has not configured their own.
	DockerhubUsername string
	DockerhubPassword string

	// Vulnerability scan policy defaults.
	VulnScanEnabled    bool
	VulnScanSeverities string
	VulnIgnoreUnfixed  bool
	VulnScanTimeout    time.Duration
	TrivyServerURL     string

	// Filesystem layout.
	StagingRoot      string
	RegistryDataRoot string
	DataDir          string

	// Registry lifecycle.
	SupervisorRPCURL   string
	RegistryBinary     string
	RegistryConfigPath string

	// Audit sink.
	AuditMaxEvents int

	// HTTP server.
	ListenAddr string
	LogLevel   string
}

// Load reads the settings from the environment and validates them.
func Load() (*Settings, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("registry_url", "http://localhost:5000")
	v.SetDefault("registry_username", "")
	v.SetDefault("registry_password", "")
	v.SetDefault("registry_push_host", "")
	v.SetDefault("registry_proxy_auth_enabled", true)
	v.SetDefault("proxy_timeout", "300s")
	v.SetDefault("public_base_url", "")
	v.SetDefault("admin_username", "admin")
	v.SetDefault("admin_password", "changeme")
	v.SetDefault("secret_key", "")
	v.SetDefault("access_token_expire_minutes", 480)
	v.SetDefault("http_proxy", "")
	v.SetDefault("https_proxy", "")
	v.SetDefault("no_proxy", "localhost,127.0.0.1")
	v.SetDefault("dockerhub_username", "")
	v.SetDefault("dockerhub_password", "")
	v.SetDefault("vuln_scan_enabled", true)
	v.SetDefault("vuln_scan_severities", "CRITICAL,HIGH")
	v.SetDefault("vuln_ignore_unfixed", false)
	v.SetDefault("vuln_scan_timeout", "5m")
	v.SetDefault("trivy_server_url", "http://127.0.0.1:4954")
	v.SetDefault("staging_root", "/var/lib/portalcrane/staging")
	v.SetDefault("registry_data_root", "/var/lib/registry")
	v.SetDefault("data_dir", "/var/lib/portalcrane/data")
	v.SetDefault("supervisor_rpc_url", "http://127.0.0.1:9001/RPC2")
	v.SetDefault("registry_binary", "/usr/local/bin/registry")
	v.SetDefault("registry_config_path", "/etc/registry/config.yml")
	v.SetDefault("audit_max_events", 500)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")

	s := &Settings{
		RegistryURL:              strings.TrimRight(v.GetString("registry_url"), "/"),
		RegistryUsername:         v.GetString("registry_username"),
		RegistryPassword:         v.GetString("registry_password"),
		RegistryPushHost:         strings.Trim(v.GetString("registry_push_host"), "/"),
		RegistryProxyAuthEnabled: v.GetBool("registry_proxy_auth_enabled"),
		ProxyTimeout:             v.GetDuration("proxy_timeout"),
		PublicBaseURL:            strings.TrimRight(v.GetString("public_base_url"), "/"),
		AdminUsername:            v.GetString("admin_username"),
		AdminPassword:            v.GetString("admin_password"),
		SecretKey:                v.GetString("secret_key"),
		AccessTokenExpireMinutes: v.GetInt("access_token_expire_minutes"),
		HTTPProxy:                v.GetString("http_proxy"),
		HTTPSProxy:               v.GetString("https_proxy"),
		NoProxy:                  v.GetString("no_proxy"),
		DockerhubUsername:        v.GetString("dockerhub_username"),
		DockerhubPassword:        v.GetString("dockerhub_password"),
		VulnScanEnabled:          v.GetBool("vuln_scan_enabled"),
		VulnScanSeverities:       v.GetString("vuln_scan_severities"),
		VulnIgnoreUnfixed:        v.GetBool("vuln_ignore_unfixed"),
		VulnScanTimeout:          v.GetDuration("vuln_scan_timeout"),
		TrivyServerURL:           v.GetString("trivy_server_url"),
		StagingRoot:              v.GetString("staging_root"),
		RegistryDataRoot:         v.GetString("registry_data_root"),
		DataDir:                  v.GetString("data_dir"),
		SupervisorRPCURL:         v.GetString("supervisor_rpc_url"),
		RegistryBinary:           v.GetString("registry_binary"),
		RegistryConfigPath:       v.GetString("registry_config_path"),
		AuditMaxEvents:           v.GetInt("audit_max_events"),
		ListenAddr:               v.GetString("listen_addr"),
		LogLevel:                 v.GetString("log_level"),
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the invariants the rest of the system relies on.
func (s *Settings) Validate() error {
	if s.SecretKey == "" || s.SecretKey == DefaultSecretKey {
		return errors.New("SECRET_KEY environment variable must be set")
	}
	if s.AuditMaxEvents < 1 {
		return errors.New("AUDIT_MAX_EVENTS must be at least 1")
	}
	if _, err := url.Parse(s.RegistryURL); err != nil {
		return errors.Wrap(err, "parsing REGISTRY_URL")
	}
	return nil
}

// VulnSeverities returns the normalized severity list from the
// comma-separated VULN_SCAN_SEVERITIES value.
func (s *Settings) VulnSeverities() []string {
	return SplitSeverities(s.VulnScanSeverities)
}

// SplitSeverities normalizes a comma-separated severity string.
func SplitSeverities(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ProxyEnv builds the proxy environment variables injected into every
// subprocess. Both upper- and lowercase variants are set because skopeo and
// trivy honor different spellings depending on their HTTP stack.
func (s *Settings) ProxyEnv() map[string]string {
	env := map[string]string{}
	if s.HTTPProxy != "" {
		env["HTTP_PROXY"] = s.HTTPProxy
		env["http_proxy"] = s.HTTPProxy
	}
	secure := s.HTTPSProxy
	if secure == "" {
		secure = s.HTTPProxy
	}
	if secure != "" {
		env["HTTPS_PROXY"] = secure
		env["https_proxy"] = secure
	}
	if s.NoProxy != "" {
		env["NO_PROXY"] = s.NoProxy
		env["no_proxy"] = s.NoProxy
	}
	return env
}

// PushHost returns the registry address used in skopeo destination
// references. REGISTRY_PUSH_HOST wins; otherwise the host:port of
// REGISTRY_URL is used.
func (s *Settings) PushHost() string {
	if s.RegistryPushHost != "" {
		return s.RegistryPushHost
	}
	u, err := url.Parse(s.RegistryURL)
	if err != nil || u.Host == "" {
		return strings.TrimPrefix(strings.TrimPrefix(s.RegistryURL, "https://"), "http://")
	}
	return u.Host
}
