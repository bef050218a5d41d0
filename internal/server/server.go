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

// Package server wires the proxy and the JSON API onto one HTTP listener.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cyr-ius/portalcrane/internal/audit"
	"github.com/cyr-ius/portalcrane/internal/auth"
	"github.com/cyr-ius/portalcrane/internal/config"
	"github.com/cyr-ius/portalcrane/internal/lifecycle"
	"github.com/cyr-ius/portalcrane/internal/proxy"
	"github.com/cyr-ius/portalcrane/internal/registry"
	"github.com/cyr-ius/portalcrane/internal/replicate"
	"github.com/cyr-ius/portalcrane/internal/staging"
	"github.com/cyr-ius/portalcrane/internal/store"
	"github.com/cyr-ius/portalcrane/internal/supervisor"
)

// Server holds every subsystem behind the HTTP surface.
type Server struct {
	settings  *config.Settings
	store     *store.Store
	resolver  *auth.Resolver
	sink      *audit.Sink
	proxy     *proxy.Handler
	staging   *staging.Engine
	replicate *replicate.Engine
	lifecycle *lifecycle.Controller
	super     *supervisor.Client
}

// New assembles the server from its subsystems.
func New(
	settings *config.Settings,
	st *store.Store,
	resolver *auth.Resolver,
	sink *audit.Sink,
	proxyHandler *proxy.Handler,
	stagingEngine *staging.Engine,
	replicateEngine *replicate.Engine,
	lifecycleController *lifecycle.Controller,
	super *supervisor.Client,
) *Server {
	return &Server{
		settings:  settings,
		store:     st,
		resolver:  resolver,
		sink:      sink,
		proxy:     proxyHandler,
		staging:   stagingEngine,
		replicate: replicateEngine,
		lifecycle: lifecycleController,
		super:     super,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// Docker/OCI clients speak to /v2/ directly.
	r.PathPrefix("/v2/").Handler(s.proxy)
	r.Path("/v2").Handler(s.proxy)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/token", s.handleToken).Methods(http.MethodPost)

	user := api.NewRoute().Subrouter()
	user.Use(s.requireAuth)
	user.HandleFunc("/staging/pull", s.handleStagingPull).Methods(http.MethodPost)
	user.HandleFunc("/staging/jobs", s.handleStagingJobs).Methods(http.MethodGet)
	user.HandleFunc("/staging/jobs/{id}", s.handleStagingJob).Methods(http.MethodGet)
	user.HandleFunc("/staging/push", s.handleStagingPush).Methods(http.MethodPost)

	admin := api.NewRoute().Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/staging/jobs/{id}", s.handleStagingDelete).Methods(http.MethodDelete)
	admin.HandleFunc("/staging/orphans", s.handleOrphans).Methods(http.MethodGet)
	admin.HandleFunc("/staging/orphans/purge", s.handleOrphanPurge).Methods(http.MethodPost)
	admin.HandleFunc("/replication/start", s.handleReplicationStart).Methods(http.MethodPost)
	admin.HandleFunc("/replication/jobs", s.handleReplicationJobs).Methods(http.MethodGet)
	admin.HandleFunc("/replication/jobs/{id}", s.handleReplicationJob).Methods(http.MethodGet)
	admin.HandleFunc("/registry/gc", s.handleGCStart).Methods(http.MethodPost)
	admin.HandleFunc("/registry/gc", s.handleGCState).Methods(http.MethodGet)
	admin.HandleFunc("/registry/ghosts", s.handleGhosts).Methods(http.MethodGet)
	admin.HandleFunc("/registry/ghosts/purge", s.handleGhostPurge).Methods(http.MethodPost)
	admin.HandleFunc("/registries", s.handleRegistries).Methods(http.MethodGet)
	admin.HandleFunc("/registries/{id}/test", s.handleRegistryTest).Methods(http.MethodPost)
	admin.HandleFunc("/audit/events", s.handleAuditEvents).Methods(http.MethodGet)
	admin.HandleFunc("/system/processes", s.handleProcesses).Methods(http.MethodGet)

	return r
}

// Run serves until ctx is canceled, then shuts down gracefully and marks
// running staging jobs failed.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.settings.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("addr", s.settings.ListenAddr).Info("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.staging.Shutdown()
		return errors.Wrap(srv.Shutdown(shutdownCtx), "shutting down")
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "serving")
	}
}

type ctxKey int

const principalKey ctxKey = 0

func principalFrom(r *http.Request) *auth.Principal {
	p, _ := r.Context().Value(principalKey).(*auth.Principal)
	return p
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := s.resolver.Resolve(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Basic realm=portalcrane-registry")
			writeError(w, http.StatusUnauthorized, "Authentication required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, p)))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return s.requireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := principalFrom(r); p == nil || !p.IsAdmin {
			writeError(w, http.StatusForbidden, "Admin privileges required")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	p, err := s.resolver.ResolveBasic(basicValue(body.Username, body.Password))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	token, err := s.resolver.IssueToken(p.Username)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
	})
}

func (s *Server) handleStagingPull(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Image     string            `json:"image"`
		Tag       string            `json:"tag"`
		Overrides staging.Overrides `json:"overrides"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if body.Tag == "" {
		body.Tag = "latest"
	}
	job, err := s.staging.StartPull(r.Context(), staging.PullRequest{
		Image:     body.Image,
		Tag:       body.Tag,
		Username:  principalFrom(r).Username,
		Overrides: body.Overrides,
	})
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleStagingJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.staging.Jobs())
}

func (s *Server) handleStagingJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.staging.Job(mux.Vars(r)["id"])
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStagingPush(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobID       string `json:"job_id"`
		TargetImage string `json:"target_image"`
		TargetTag   string `json:"target_tag"`
		Folder      string `json:"folder"`
		RegistryID  string `json:"registry_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	job, err := s.staging.Push(r.Context(), staging.PushRequest{
		JobID:       body.JobID,
		TargetImage: body.TargetImage,
		TargetTag:   body.TargetTag,
		Folder:      body.Folder,
		RegistryID:  body.RegistryID,
		Principal:   principalFrom(r),
	})
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleStagingDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.staging.Delete(mux.Vars(r)["id"]); err != nil {
		s.mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOrphans(w http.ResponseWriter, _ *http.Request) {
	orphans, err := s.staging.Orphans()
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, orphans)
}

func (s *Server) handleOrphanPurge(w http.ResponseWriter, _ *http.Request) {
	removed, freed, err := s.staging.PurgeOrphans()
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed":     removed,
		"freed_bytes": freed,
	})
}

func (s *Server) handleReplicationStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source     string `json:"source"`
		RegistryID string `json:"registry_id"`
		Folder     string `json:"folder"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	job, err := s.replicate.Start(r.Context(), body.Source, body.RegistryID, body.Folder)
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleReplicationJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.replicate.Jobs())
}

func (s *Server) handleReplicationJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.replicate.Job(mux.Vars(r)["id"])
	if err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGCStart(w http.ResponseWriter, r *http.Request) {
	if err := s.lifecycle.StartGC(r.Context()); err != nil {
		s.mapError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, s.lifecycle.GCState())
}

func (s *Server) handleGCState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.lifecycle.GCState())
}

func (s *Server) handleGhosts(w http.ResponseWriter, r *http.Request) {
	ghosts, err := s.lifecycle.ListGhosts(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ghosts)
}

func (s *Server) handleGhostPurge(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Names []string `json:"names"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if len(body.Names) == 0 {
		ghosts, err := s.lifecycle.ListGhosts(r.Context())
		if err != nil {
			s.internalError(w, err)
			return
		}
		body.Names = ghosts
	}
	removed, skipped := s.lifecycle.PurgeGhosts(body.Names)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed": removed,
		"skipped": skipped,
	})
}

func (s *Server) handleRegistries(w http.ResponseWriter, _ *http.Request) {
	regs, err := s.store.Registries()
	if err != nil {
		s.internalError(w, err)
		return
	}
	out := make([]store.ExternalRegistry, len(regs))
	for i, reg := range regs {
		out[i] = reg.Redacted()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRegistryTest(w http.ResponseWriter, r *http.Request) {
	reg, err := s.store.RegistryByID(mux.Vars(r)["id"])
	if err != nil {
		s.mapError(w, err)
		return
	}
	host := reg.Host
	if !startsWithScheme(host) {
		host = "https://" + host
	}
	client := registry.NewClient(host, reg.Username, reg.Password, 10*time.Second)
	if err := client.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"reachable": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reachable": true})
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	events, err := s.sink.Recent(limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleProcesses(w http.ResponseWriter, _ *http.Request) {
	infos, err := s.super.All()
	if err != nil {
		s.internalError(w, err)
		return
	}
	type process struct {
		Name    string `json:"name"`
		Running bool   `json:"running"`
		PID     int    `json:"pid"`
		Uptime  int64  `json:"uptime_s"`
	}
	out := make([]process, len(infos))
	for i := range infos {
		out[i] = process{
			Name:    infos[i].Name,
			Running: infos[i].Running(),
			PID:     infos[i].PID,
			Uptime:  infos[i].UptimeSeconds(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// mapError translates domain errors to HTTP statuses.
func (s *Server) mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound) || errors.Is(err, staging.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrConflict) || errors.Is(err, lifecycle.ErrGCRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrValidation),
		errors.Is(err, staging.ErrBadJobID),
		errors.Is(err, staging.ErrBadFolder),
		errors.Is(err, staging.ErrBadReference),
		errors.Is(err, staging.ErrNotPushable),
		errors.Is(err, staging.ErrLayoutGone):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, staging.ErrPushDenied):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		s.internalError(w, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	logrus.WithError(err).Error("request failed")
	writeError(w, http.StatusInternalServerError, "Internal error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func startsWithScheme(host string) bool {
	return strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://")
}

func basicValue(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
}
