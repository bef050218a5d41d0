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

// Package registry is a typed client for the subset of the OCI Distribution
// v2 API the rest of the system consumes.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nozzle/throttler"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Media types sent in the manifest Accept list. Docker v2 types are spelled
// out; OCI types come from the image-spec module.
const (
	MediaTypeDockerManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	MediaTypeDockerManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
)

// ManifestAccept is the Accept value for manifest requests.
var ManifestAccept = strings.Join([]string{
	MediaTypeDockerManifest,
	MediaTypeDockerManifestList,
	specs.MediaTypeImageManifest,
	specs.MediaTypeImageIndex,
}, ", ")

// ErrNotFound marks 404 responses from the upstream registry.
var ErrNotFound = errors.New("not found in registry")

// Manifest is a fetched manifest with the upstream digest header, which is
// required to delete the tag it was fetched by.
type Manifest struct {
	Raw       []byte
	MediaType string
	Digest    digest.Digest

	Config struct {
		Size   int64         `json:"size"`
		Digest digest.Digest `json:"digest"`
	} `json:"config"`
	Layers []struct {
		Size   int64         `json:"size"`
		Digest digest.Digest `json:"digest"`
	} `json:"layers"`
}

// Client talks to one Distribution v2 registry.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client

	// TagWorkers caps the fan-out of concurrent tag listings during
	// catalog-wide operations.
	TagWorkers int
	// PageSize is the catalog pagination window.
	PageSize int
}

// NewClient builds a client for baseURL with optional basic credentials.
func NewClient(baseURL, username, password string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		username:   username,
		password:   password,
		http:       &http.Client{Timeout: timeout},
		TagWorkers: 10,
		PageSize:   100,
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, errors.Wrapf(err, "building %s %s", method, path)
	}
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

// doRetry performs an idempotent request with exponential backoff on
// transport errors and 5xx responses.
func (c *Client) doRetry(req *http.Request) (*http.Response, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), 3), req.Context())

	var resp *http.Response
	operation := func() error {
		var err error
		resp, err = c.http.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return errors.Errorf("registry returned %d: %s", resp.StatusCode, string(body))
		}
		return nil
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	return resp, nil
}

// Ping probes GET /v2/. Both 200 and 401 mean a registry answered.
func (c *Client) Ping(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/v2/", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "pinging registry")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusUnauthorized {
		return errors.Errorf("registry ping returned %d", resp.StatusCode)
	}
	return nil
}

// Catalog lists every repository name, following the n/last pagination.
func (c *Client) Catalog(ctx context.Context) ([]string, error) {
	var repos []string
	last := ""
	for {
		path := fmt.Sprintf("/v2/_catalog?n=%d", c.PageSize)
		if last != "" {
			path += "&last=" + url.QueryEscape(last)
		}
		req, err := c.newRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.doRetry(req)
		if err != nil {
			return nil, err
		}
		var page struct {
			Repositories []string `json:"repositories"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, errors.Wrap(err, "decoding catalog page")
		}
		if len(page.Repositories) == 0 {
			break
		}
		repos = append(repos, page.Repositories...)
		last = page.Repositories[len(page.Repositories)-1]
		if len(page.Repositories) < c.PageSize {
			break
		}
	}
	return repos, nil
}

// ListTags returns the tags of one repository. A 404 yields an empty list:
// ghost repositories answer 404 on tags/list.
func (c *Client) ListTags(ctx context.Context, repo string) ([]string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v2/"+repo+"/tags/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.doRetry(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return []string{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("tags/list for %s returned %d", repo, resp.StatusCode)
	}
	var body struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrapf(err, "decoding tags of %s", repo)
	}
	if body.Tags == nil {
		return []string{}, nil
	}
	return body.Tags, nil
}

// tagCount pairs a repository with its tag count during fan-out listing.
type tagCount struct {
	repo string
	tags int
	err  error
}

func (c *Client) countTags(ctx context.Context, repos []string) ([]tagCount, error) {
	results := make([]tagCount, len(repos))
	t := throttler.New(c.TagWorkers, len(repos))
	for i, repo := range repos {
		go func(i int, repo string) {
			tags, err := c.ListTags(ctx, repo)
			results[i] = tagCount{repo: repo, tags: len(tags), err: err}
			t.Done(err)
		}(i, repo)
		t.Throttle()
	}
	if t.Err() != nil {
		for _, r := range results {
			if r.err != nil {
				return nil, errors.Wrapf(r.err, "listing tags of %s", r.repo)
			}
		}
		return nil, t.Err()
	}
	return results, nil
}

// ListRepositories returns the catalog with ghost repositories (zero tags)
// filtered out. Tag listing fans out with a bounded worker count.
func (c *Client) ListRepositories(ctx context.Context) ([]string, error) {
	repos, err := c.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := c.countTags(ctx, repos)
	if err != nil {
		return nil, err
	}
	live := []string{}
	for _, r := range counts {
		if r.tags > 0 {
			live = append(live, r.repo)
		}
	}
	return live, nil
}

// ListEmptyRepositories returns the ghosts: catalog entries with zero tags.
func (c *Client) ListEmptyRepositories(ctx context.Context) ([]string, error) {
	repos, err := c.Catalog(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := c.countTags(ctx, repos)
	if err != nil {
		return nil, err
	}
	ghosts := []string{}
	for _, r := range counts {
		if r.tags == 0 {
			ghosts = append(ghosts, r.repo)
		}
	}
	return ghosts, nil
}

// GetManifest fetches a manifest by tag or digest. The returned digest comes
// from the Docker-Content-Digest response header.
func (c *Client) GetManifest(ctx context.Context, repo, reference string) (*Manifest, error) {
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/v2/%s/manifests/%s", repo, reference), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", ManifestAccept)
	resp, err := c.doRetry(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, errors.Wrapf(ErrNotFound, "manifest %s:%s", repo, reference)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("manifest %s:%s returned %d", repo, reference, resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading manifest body")
	}
	m := &Manifest{
		Raw:       raw,
		MediaType: resp.Header.Get("Content-Type"),
	}
	if hdr := resp.Header.Get("Docker-Content-Digest"); hdr != "" {
		d, err := digest.Parse(hdr)
		if err != nil {
			return nil, errors.Wrap(err, "parsing Docker-Content-Digest")
		}
		m.Digest = d
	}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, errors.Wrap(err, "decoding manifest")
	}
	return m, nil
}

// PutManifest uploads a manifest under the given reference with a matching
// Content-Type.
func (c *Client) PutManifest(ctx context.Context, repo, reference, mediaType string, body []byte) error {
	req, err := c.newRequest(ctx, http.MethodPut,
		fmt.Sprintf("/v2/%s/manifests/%s", repo, reference), strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mediaType)
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "putting manifest %s:%s", repo, reference)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return errors.Errorf("put manifest %s:%s returned %d", repo, reference, resp.StatusCode)
	}
	return nil
}

// DeleteManifest deletes a manifest by digest.
func (c *Client) DeleteManifest(ctx context.Context, repo string, d digest.Digest) error {
	req, err := c.newRequest(ctx, http.MethodDelete,
		fmt.Sprintf("/v2/%s/manifests/%s", repo, d.String()), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "deleting manifest %s@%s", repo, d)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusNotFound:
		return errors.Wrapf(ErrNotFound, "manifest %s@%s", repo, d)
	default:
		return errors.Errorf("delete manifest %s@%s returned %d", repo, d, resp.StatusCode)
	}
}

// DeleteTag resolves the tag to its digest and deletes the manifest. The
// Distribution API only deletes by digest.
func (c *Client) DeleteTag(ctx context.Context, repo, tag string) error {
	m, err := c.GetManifest(ctx, repo, tag)
	if err != nil {
		return err
	}
	if m.Digest == "" {
		return errors.Errorf("registry did not return a digest for %s:%s", repo, tag)
	}
	logrus.WithFields(logrus.Fields{"repo": repo, "tag": tag, "digest": m.Digest}).
		Info("deleting tag by digest")
	return c.DeleteManifest(ctx, repo, m.Digest)
}

// GetBlob fetches a blob by digest. The caller owns the returned reader.
func (c *Client) GetBlob(ctx context.Context, repo string, d digest.Digest) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet,
		fmt.Sprintf("/v2/%s/blobs/%s", repo, d.String()), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching blob %s@%s", repo, d)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, errors.Wrapf(ErrNotFound, "blob %s@%s", repo, d)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("blob %s@%s returned %d", repo, d, resp.StatusCode)
	}
	return resp.Body, nil
}

// GetImageConfig fetches and decodes the config blob referenced by a
// manifest.
func (c *Client) GetImageConfig(ctx context.Context, repo string, m *Manifest) (map[string]interface{}, error) {
	if m.Config.Digest == "" {
		return nil, errors.New("manifest has no config descriptor")
	}
	body, err := c.GetBlob(ctx, repo, m.Config.Digest)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	var cfg map[string]interface{}
	if err := json.NewDecoder(body).Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding image config")
	}
	return cfg, nil
}

// ImageSize sums the config and layer sizes of the manifest of repo:tag.
func (c *Client) ImageSize(ctx context.Context, repo, tag string) (int64, error) {
	m, err := c.GetManifest(ctx, repo, tag)
	if err != nil {
		return 0, err
	}
	total := m.Config.Size
	for _, layer := range m.Layers {
		total += layer.Size
	}
	return total, nil
}
