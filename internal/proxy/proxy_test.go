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

package proxy

import (
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
	"github.com/cyr-ius/portalcrane/internal/config"
	"github.com/cyr-ius/portalcrane/internal/store"
)

type fixture struct {
	handler  *Handler
	sink     *audit.Sink
	store    *store.Store
	upstream *httptest.Server
	seen     []*http.Request
	respond  func(w http.ResponseWriter, r *http.Request)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}
	f.upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clone := r.Clone(r.Context())
		f.seen = append(f.seen, clone)
		if f.respond != nil {
			f.respond(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("upstream body"))
	}))
	t.Cleanup(f.upstream.Close)

	settings := &config.Settings{
		RegistryURL:              f.upstream.URL,
		RegistryProxyAuthEnabled: true,
		ProxyTimeout:             5 * time.Second,
		PublicBaseURL:            "https://registry.public.example",
		AdminUsername:            "admin",
		AdminPassword:            "adminpass",
		SecretKey:                "unit-test-secret",
		AccessTokenExpireMinutes: 60,
	}
	f.store = store.New(t.TempDir())
	resolver := auth.NewResolver(settings, f.store)
	f.sink = audit.NewSink(filepath.Join(t.TempDir(), "audit.jsonl"), 100)
	f.handler = New(settings, resolver, f.sink)
	return f
}

func basicHeader(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func (f *fixture) do(method, target, authHeader string, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestImagePath(t *testing.T) {
	for _, tc := range []struct {
		path     string
		expected string
	}{
		{"library/alpine/manifests/3.19", "library/alpine"},
		{"production/web/blobs/sha256:abc", "production/web"},
		{"app/tags/list", "app"},
		{"production/web/blobs/uploads/", "production/web"},
		{"production/web/blobs/uploads", "production/web"},
		{"production/web/blobs/uploads/some-uuid", "production/web"},
		{"_catalog", ""},
		{"", ""},
	} {
		require.Equal(t, tc.expected, ImagePath(tc.path), "path %q", tc.path)
	}
}

func TestUnauthenticatedGets401(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/v2/library/alpine/manifests/3.19", "", "")

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "Basic realm=portalcrane-registry", rec.Header().Get("WWW-Authenticate"))
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Authentication required", body["detail"])
	// Never reached upstream.
	require.Empty(t, f.seen)

	events, err := f.sink.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "registry_pull", events[0].Event)
	require.Equal(t, http.StatusUnauthorized, events[0].HTTPStatus)
}

func TestFolderDenyIsNotForwarded(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.CreateUser("alice", "password1", false, true, true)
	require.NoError(t, err)
	folder, err := f.store.CreateFolder("production", "")
	require.NoError(t, err)
	_, err = f.store.SetFolderPermission(folder.ID, "alice", true, true)
	require.NoError(t, err)

	// Folder entry grants the push.
	rec := f.do(http.MethodPut, "/v2/production/web/manifests/v1", basicHeader("alice", "password1"), "manifest-body")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.seen, 1)

	// A folder the user has no entry in denies, and upstream is not touched.
	_, err = f.store.CreateFolder("staging", "")
	require.NoError(t, err)
	rec = f.do(http.MethodPut, "/v2/staging/web/manifests/v1", basicHeader("alice", "password1"), "manifest-body")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Len(t, f.seen, 1)

	events, err := f.sink.Recent(10)
	require.NoError(t, err)
	require.Equal(t, "registry_push", events[0].Event)
	require.Equal(t, http.StatusForbidden, events[0].HTTPStatus)
	require.Equal(t, "alice", events[0].Username)
}

func TestGlobalPullFallback(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.CreateUser("bob", "password1", false, true, false)
	require.NoError(t, err)

	// No folder matches: pull falls back to the global flag.
	rec := f.do(http.MethodGet, "/v2/library/alpine/manifests/3.19", basicHeader("bob", "password1"), "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Push without a folder prefix is always denied for non-admins.
	rec = f.do(http.MethodPut, "/v2/library/alpine/manifests/3.19", basicHeader("bob", "password1"), "x")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAcceptWidening(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/v2/library/alpine/manifests/3.19", nil)
	req.Header.Set("Authorization", basicHeader("admin", "adminpass"))
	req.Header.Set("Accept", "application/vnd.docker.distribution.manifest.v2+json")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.seen, 1)
	accept := f.seen[0].Header.Get("Accept")
	require.Contains(t, accept, "application/vnd.docker.distribution.manifest.v2+json")
	require.Contains(t, accept, "application/vnd.oci.image.manifest.v1+json")
	require.Contains(t, accept, "application/vnd.oci.image.index.v1+json")

	// Blob requests are not widened.
	f.seen = nil
	req = httptest.NewRequest(http.MethodGet, "/v2/library/alpine/blobs/sha256:abc", nil)
	req.Header.Set("Authorization", basicHeader("admin", "adminpass"))
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	require.Len(t, f.seen, 1)
	require.NotContains(t, f.seen[0].Header.Get("Accept"), "oci.image.manifest")
}

func TestHopByHopStripping(t *testing.T) {
	f := newFixture(t)
	f.respond = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Docker-Content-Digest", "sha256:abc")
		w.WriteHeader(http.StatusOK)
	}

	req := httptest.NewRequest(http.MethodGet, "/v2/library/alpine/manifests/3.19", nil)
	req.Header.Set("Authorization", basicHeader("admin", "adminpass"))
	req.Header.Set("Proxy-Authorization", "secret")
	req.Header.Set("Te", "trailers")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Len(t, f.seen, 1)
	out := f.seen[0]
	require.Empty(t, out.Header.Get("Proxy-Authorization"))
	require.Empty(t, out.Header.Get("Te"))
	// End-to-end headers survive both ways.
	require.Equal(t, basicHeader("admin", "adminpass"), out.Header.Get("Authorization"))
	require.Equal(t, "sha256:abc", rec.Header().Get("Docker-Content-Digest"))
}

func TestLocationRewrite(t *testing.T) {
	f := newFixture(t)
	f.respond = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", f.upstream.URL+"/v2/library/alpine/blobs/uploads/uuid-1?_state=opaque")
		w.WriteHeader(http.StatusAccepted)
	}

	rec := f.do(http.MethodPost, "/v2/library/alpine/blobs/uploads/", basicHeader("admin", "adminpass"), "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t,
		"https://registry.public.example/v2/library/alpine/blobs/uploads/uuid-1?_state=opaque",
		rec.Header().Get("Location"))
}

func TestRelativeLocationRewrite(t *testing.T) {
	f := newFixture(t)
	f.respond = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Location", "/v2/library/alpine/blobs/uploads/uuid-2")
		w.WriteHeader(http.StatusAccepted)
	}
	rec := f.do(http.MethodPost, "/v2/library/alpine/blobs/uploads/", basicHeader("admin", "adminpass"), "")
	require.Equal(t,
		"https://registry.public.example/v2/library/alpine/blobs/uploads/uuid-2",
		rec.Header().Get("Location"))
}

func TestUploadStartTrailingSlashForwarded(t *testing.T) {
	f := newFixture(t)

	// Distribution routes the upload start on its trailing slash.
	rec := f.do(http.MethodPost, "/v2/library/alpine/blobs/uploads/", basicHeader("admin", "adminpass"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.seen, 1)
	require.Equal(t, "/v2/library/alpine/blobs/uploads/", f.seen[0].URL.Path)

	// A session PUT without one stays without one.
	f.seen = nil
	rec = f.do(http.MethodPut, "/v2/library/alpine/blobs/uploads/uuid-1", basicHeader("admin", "adminpass"), "chunk")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.seen, 1)
	require.Equal(t, "/v2/library/alpine/blobs/uploads/uuid-1", f.seen[0].URL.Path)
}

func TestUpstreamCredentialsReplaceClientAuth(t *testing.T) {
	f := newFixture(t)
	f.handler.settings.RegistryUsername = "registry"
	f.handler.settings.RegistryPassword = "registrypass"

	rec := f.do(http.MethodGet, "/v2/library/alpine/manifests/3.19", basicHeader("admin", "adminpass"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.seen, 1)
	require.Equal(t, basicHeader("registry", "registrypass"), f.seen[0].Header.Get("Authorization"))
}

func TestQueryStringForwarded(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/v2/_catalog?n=50&last=foo", basicHeader("admin", "adminpass"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.seen, 1)
	require.Equal(t, "n=50&last=foo", f.seen[0].URL.RawQuery)
}

func TestUpstreamUnreachable(t *testing.T) {
	f := newFixture(t)
	f.upstream.Close()

	rec := f.do(http.MethodGet, "/v2/library/alpine/manifests/3.19", basicHeader("admin", "adminpass"), "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "Registry unreachable", body["detail"])
}

func TestAuditSizes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/v2/library/alpine/manifests/3.19", basicHeader("admin", "adminpass"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(http.MethodPut, "/v2/library/alpine/manifests/3.19", basicHeader("admin", "adminpass"), "12345")
	require.Equal(t, http.StatusOK, rec.Code)

	events, err := f.sink.Recent(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	// Newest first: the push, sized by request body.
	require.Equal(t, "registry_push", events[0].Event)
	require.Equal(t, int64(5), events[0].Bytes)
	// Then the pull, sized by response body.
	require.Equal(t, "registry_pull", events[1].Event)
	require.Equal(t, int64(len("upstream body")), events[1].Bytes)
}

func TestAuthDisabledSkipsAuthorization(t *testing.T) {
	f := newFixture(t)
	f.handler.settings.RegistryProxyAuthEnabled = false

	rec := f.do(http.MethodGet, "/v2/library/alpine/manifests/3.19", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.seen, 1)
}
