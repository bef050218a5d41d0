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

// Package proxy implements the authenticating reverse proxy in front of the
// local Distribution v2 registry.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cyr-ius/portalcrane/internal/audit"
	"github.com/cyr-ius/portalcrane/internal/auth"
	"github.com/cyr-ius/portalcrane/internal/config"
)

// hopByHop headers are stripped in both directions. Host is included: the
// registry's blob-upload session state is cryptographically bound to the
// Host header, so the outbound client must set its own.
var hopByHop = []string{
	"connection",
	"keep-alive",
	"proxy-authenticate",
	"proxy-authorization",
	"te",
	"trailers",
	"transfer-encoding",
	"upgrade",
	"host",
}

// Handler proxies /v2/ traffic to the upstream registry.
type Handler struct {
	settings *config.Settings
	resolver *auth.Resolver
	sink     *audit.Sink
	client   *http.Client
}

// New builds the proxy handler. The HTTP client never follows redirects:
// Location headers must reach the Docker client rewritten, not be chased
// server-side.
func New(settings *config.Settings, resolver *auth.Resolver, sink *audit.Sink) *Handler {
	return &Handler{
		settings: settings,
		resolver: resolver,
		sink:     sink,
		client: &http.Client{
			Timeout: settings.ProxyTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// ImagePath extracts the repository name from a v2 URL path: the segment
// before /manifests/, /blobs/, /tags/ or /uploads/. Returns "" for paths
// without one (the ping endpoint, _catalog).
func ImagePath(v2Path string) string {
	p := strings.Trim(v2Path, "/")
	for _, marker := range []string{"/manifests/", "/blobs/", "/tags/", "/uploads/"} {
		if idx := strings.Index("/"+p+"/", marker); idx >= 0 {
			return strings.Trim(("/" + p + "/")[:idx], "/")
		}
	}
	// "name/blobs/uploads" with no trailing slash starts an upload session.
	if strings.HasSuffix(p, "/blobs/uploads") {
		return strings.TrimSuffix(p, "/blobs/uploads")
	}
	return ""
}

// ServeHTTP authorizes and forwards one registry request.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	v2Path := strings.TrimPrefix(r.URL.Path, "/v2")
	v2Path = strings.Trim(v2Path, "/")
	imagePath := ImagePath(v2Path)
	class := auth.ClassOf(r.Method)
	clientIP := clientIP(r)

	username := ""
	if h.settings.RegistryProxyAuthEnabled {
		principal, err := h.resolver.Resolve(r)
		if err != nil {
			if !errors.Is(err, auth.ErrUnauthenticated) {
				logrus.WithError(err).Error("credential resolution failed")
				h.writeError(w, http.StatusInternalServerError, "Internal error")
				return
			}
			w.Header().Set("WWW-Authenticate", "Basic realm=portalcrane-registry")
			h.writeError(w, http.StatusUnauthorized, "Authentication required")
			h.emit(class, r, v2Path, http.StatusUnauthorized, 0, 0, clientIP, "")
			return
		}
		username = principal.Username

		allowed, err := h.resolver.Authorize(principal, imagePath, class)
		if err != nil {
			logrus.WithError(err).Error("authorization failed")
			h.writeError(w, http.StatusInternalServerError, "Internal error")
			return
		}
		if !allowed {
			h.writeError(w, http.StatusForbidden,
				"User "+principal.Username+" is not allowed to "+class.String()+" "+imagePath)
			h.emit(class, r, v2Path, http.StatusForbidden, 0, 0, clientIP, username)
			return
		}
	}

	h.forward(w, r, v2Path, class, clientIP, username)
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request, v2Path string, class auth.Class, clientIP, username string) {
	// The path goes upstream exactly as the client sent it. Distribution
	// routes the blob upload start on its trailing slash, so the normalized
	// v2Path is for authorization and audit only.
	upstreamURL := h.settings.RegistryURL + r.URL.EscapedPath()
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	var reqBytes int64
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody && class == auth.Push {
		body = &countingReader{r: r.Body, n: &reqBytes}
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, body)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	copyFiltered(out.Header, r.Header)
	if r.ContentLength >= 0 {
		out.ContentLength = r.ContentLength
	}

	// The client authenticated against the proxy; the upstream registry gets
	// its own credentials instead of the forwarded Authorization header.
	if h.settings.RegistryUsername != "" {
		out.SetBasicAuth(h.settings.RegistryUsername, h.settings.RegistryPassword)
	}

	// Docker clients that only accept the Docker schema-2 types would get
	// 404s for OCI-only images without the widened Accept list.
	if class == auth.Pull && strings.Contains("/"+v2Path+"/", "/manifests/") {
		accept := out.Header.Get("Accept")
		widened := specs.MediaTypeImageManifest + ", " + specs.MediaTypeImageIndex
		if accept != "" {
			widened = accept + ", " + widened
		}
		out.Header.Set("Accept", widened)
	}

	start := time.Now()
	resp, err := h.client.Do(out)
	elapsed := time.Since(start)
	if err != nil {
		status := http.StatusServiceUnavailable
		detail := "Registry unreachable"
		if isTimeout(err) {
			status = http.StatusGatewayTimeout
			detail = "Registry request timed out"
		}
		logrus.WithError(err).WithField("path", v2Path).Warn("upstream request failed")
		h.writeError(w, status, detail)
		h.emit(class, r, v2Path, status, reqBytes, elapsed.Seconds(), clientIP, username)
		return
	}
	defer resp.Body.Close()

	header := w.Header()
	copyFiltered(header, resp.Header)
	if loc := resp.Header.Get("Location"); loc != "" {
		header.Set("Location", h.rewriteLocation(r, loc))
	}
	w.WriteHeader(resp.StatusCode)
	respBytes, _ := io.Copy(w, resp.Body)

	size := respBytes
	if class == auth.Push {
		size = reqBytes
	}
	h.emit(class, r, v2Path, resp.StatusCode, size, elapsed.Seconds(), clientIP, username)
}

// rewriteLocation replaces the upstream base URL in a Location header with
// the public base, so clients follow upload session hops back through the
// proxy.
func (h *Handler) rewriteLocation(r *http.Request, location string) string {
	base := h.settings.PublicBaseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	if strings.HasPrefix(location, h.settings.RegistryURL) {
		return base + strings.TrimPrefix(location, h.settings.RegistryURL)
	}
	if strings.HasPrefix(location, "/") {
		return base + location
	}
	return location
}

func (h *Handler) emit(class auth.Class, r *http.Request, v2Path string, status int, size int64, elapsed float64, clientIP, username string) {
	event := "registry_pull"
	if class == auth.Push {
		event = "registry_push"
	}
	if err := h.sink.Emit(audit.Event{
		Event:      event,
		Path:       v2Path,
		Method:     r.Method,
		HTTPStatus: status,
		Bytes:      size,
		ElapsedS:   elapsed,
		ClientIP:   clientIP,
		Username:   username,
	}); err != nil {
		logrus.WithError(err).Warn("audit emit failed")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// copyFiltered copies headers, skipping hop-by-hop ones and any the
// Connection header names.
func copyFiltered(dst, src http.Header) {
	dropped := map[string]bool{}
	for _, name := range hopByHop {
		dropped[name] = true
	}
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			dropped[strings.ToLower(strings.TrimSpace(name))] = true
		}
	}
	for name, values := range src {
		if dropped[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type countingReader struct {
	r io.Reader
	n *int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	*c.n += int64(n)
	return n, err
}
