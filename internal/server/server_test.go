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

package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cyr-ius/portalcrane/internal/audit"
	"github.com/cyr-ius/portalcrane/internal/auth"
	"github.com/cyr-ius/portalcrane/internal/command"
	"github.com/cyr-ius/portalcrane/internal/config"
	"github.com/cyr-ius/portalcrane/internal/lifecycle"
	"github.com/cyr-ius/portalcrane/internal/proxy"
	"github.com/cyr-ius/portalcrane/internal/replicate"
	"github.com/cyr-ius/portalcrane/internal/staging"
	"github.com/cyr-ius/portalcrane/internal/store"
	"github.com/cyr-ius/portalcrane/internal/supervisor"
)

type okRunner struct{}

func (okRunner) Run(context.Context, command.Invocation) (*command.Result, error) {
	return &command.Result{ExitCode: 0}, nil
}

type emptyCatalog struct{}

func (emptyCatalog) ListRepositories(context.Context) ([]string, error) { return nil, nil }
func (emptyCatalog) ListTags(context.Context, string) ([]string, error) { return nil, nil }

type noGhosts struct{}

func (noGhosts) ListEmptyRepositories(context.Context) ([]string, error) {
	return []string{}, nil
}

type idleSupervisor struct{}

func (idleSupervisor) Stop(string) error  { return nil }
func (idleSupervisor) Start(string) error { return nil }
func (idleSupervisor) Info(string) (*supervisor.ProcessInfo, error) {
	return &supervisor.ProcessInfo{}, nil
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	settings := &config.Settings{
		RegistryURL:              "http://localhost:5000",
		RegistryProxyAuthEnabled: true,
		ProxyTimeout:             time.Second,
		AdminUsername:            "admin",
		AdminPassword:            "adminpass",
		SecretKey:                "unit-test-secret",
		AccessTokenExpireMinutes: 60,
		StagingRoot:              t.TempDir(),
		RegistryDataRoot:         t.TempDir(),
		DataDir:                  t.TempDir(),
		AuditMaxEvents:           100,
		VulnScanTimeout:          time.Minute,
	}
	st := store.New(settings.DataDir)
	resolver := auth.NewResolver(settings, st)
	sink := audit.NewSink(filepath.Join(settings.DataDir, "audit-events.jsonl"), settings.AuditMaxEvents)
	runner := okRunner{}

	srv := New(
		settings,
		st,
		resolver,
		sink,
		proxy.New(settings, resolver, sink),
		staging.NewEngine(settings, st, resolver, runner),
		replicate.NewEngine(settings, st, emptyCatalog{}, runner),
		lifecycle.NewController(settings, idleSupervisor{}, runner, noGhosts{}),
		supervisor.NewClient("http://127.0.0.1:9001/RPC2"),
	)
	return srv, st
}

func adminHeader() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte("admin:adminpass"))
}

func doJSON(t *testing.T, router http.Handler, method, path, authHeader, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestTokenEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	router := srv.Router()
	_, err := st.CreateUser("alice", "password1", false, true, false)
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodPost, "/api/auth/token", "",
		`{"username":"alice","password":"password1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "bearer", body["token_type"])
	require.NotEmpty(t, body["access_token"])

	// The issued token works as API credentials.
	rec = doJSON(t, router, http.MethodGet, "/api/staging/jobs",
		"Bearer "+body["access_token"], "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/auth/token", "",
		`{"username":"alice","password":"wrong"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPIRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/api/staging/jobs", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
}

func TestAdminGate(t *testing.T) {
	srv, st := newTestServer(t)
	router := srv.Router()
	_, err := st.CreateUser("alice", "password1", false, true, true)
	require.NoError(t, err)
	aliceHeader := "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:password1"))

	rec := doJSON(t, router, http.MethodGet, "/api/registry/gc", aliceHeader, "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/registry/gc", adminHeader(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state lifecycle.GCState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.Equal(t, lifecycle.GCIdle, state.Status)
}

func TestStagingPullEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/staging/pull", adminHeader(),
		`{"image":"alpine","tag":"3.19"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var job staging.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.NotEmpty(t, job.JobID)
	require.Equal(t, "admin", job.CreatedBy)

	// Bad reference maps to 400.
	rec = doJSON(t, router, http.MethodPost, "/api/staging/pull", adminHeader(),
		`{"image":"NOT OK","tag":"x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Unknown job maps to 404.
	rec = doJSON(t, router, http.MethodGet,
		"/api/staging/jobs/3e2f1f4e-0000-4000-8000-000000000000", adminHeader(), "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Malformed job id maps to 400.
	rec = doJSON(t, router, http.MethodGet, "/api/staging/jobs/nope", adminHeader(), "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGCConflictMapsTo409(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/registry/gc", adminHeader(), "{}")
	require.Equal(t, http.StatusAccepted, rec.Code)

	// The fake runner finishes fast, but the 2 second settle sleep keeps
	// GC running long enough for a second start to conflict.
	rec = doJSON(t, router, http.MethodPost, "/api/registry/gc", adminHeader(), "{}")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAuditEventsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	for i := 0; i < 5; i++ {
		require.NoError(t, srv.sink.Emit(audit.Event{Event: "registry_pull", Path: "library/app"}))
	}

	rec := doJSON(t, router, http.MethodGet, "/api/audit/events?limit=3", adminHeader(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var events []audit.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 3)
}

func TestRegistriesRedacted(t *testing.T) {
	srv, st := newTestServer(t)
	router := srv.Router()
	_, err := st.CreateRegistry("backup", "backup.example.com", "svc", "hunter22")
	require.NoError(t, err)

	rec := doJSON(t, router, http.MethodGet, "/api/registries", adminHeader(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "hunter22")
	require.Contains(t, rec.Body.String(), "********")
}

func TestProxyMounted(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	// The proxy answers under /v2/ and enforces its own auth.
	rec := doJSON(t, router, http.MethodGet, "/v2/library/app/manifests/v1", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Basic realm=portalcrane-registry", rec.Header().Get("WWW-Authenticate"))
}
