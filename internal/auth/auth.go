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

// Package auth resolves HTTP credentials to a principal and decides
// folder-scoped pull/push access.
package auth

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/cyr-ius/portalcrane/internal/config"
	"github.com/cyr-ius/portalcrane/internal/store"
)

// Class is the method class of a registry request.
type Class int

const (
	// Pull covers GET and HEAD.
	Pull Class = iota
	// Push covers POST, PUT, PATCH and DELETE.
	Push
)

func (c Class) String() string {
	if c == Push {
		return "push"
	}
	return "pull"
}

// ClassOf maps an HTTP method to its class.
func ClassOf(method string) Class {
	switch method {
	case http.MethodGet, http.MethodHead:
		return Pull
	default:
		return Push
	}
}

// Principal is an authenticated caller. Never persisted.
type Principal struct {
	Username      string
	IsAdmin       bool
	CanPullGlobal bool
	CanPushGlobal bool
}

// ErrUnauthenticated is returned when no valid credentials are present.
var ErrUnauthenticated = errors.New("unauthenticated")

// Resolver turns Authorization headers into principals and applies the
// folder access rule. It is stateless; the policy tables are loaded from the
// store per call.
type Resolver struct {
	settings *config.Settings
	store    *store.Store
}

// NewResolver wires a resolver to its settings and store.
func NewResolver(settings *config.Settings, st *store.Store) *Resolver {
	return &Resolver{settings: settings, store: st}
}

// Resolve extracts and verifies credentials from the request. A missing or
// malformed Authorization header, an unknown scheme, a wrong password or a
// bad token all yield ErrUnauthenticated.
func (r *Resolver) Resolve(req *http.Request) (*Principal, error) {
	header := req.Header.Get("Authorization")
	if header == "" {
		return nil, ErrUnauthenticated
	}
	scheme, value, found := strings.Cut(header, " ")
	if !found {
		return nil, ErrUnauthenticated
	}
	switch strings.ToLower(scheme) {
	case "basic":
		return r.ResolveBasic(value)
	case "bearer":
		return r.ResolveBearer(value)
	default:
		return nil, ErrUnauthenticated
	}
}

// ResolveBasic verifies base64(user:pass) against the env admin account and
// the user store.
func (r *Resolver) ResolveBasic(encoded string) (*Principal, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	username, password, found := strings.Cut(string(raw), ":")
	if !found {
		return nil, ErrUnauthenticated
	}

	if username == r.settings.AdminUsername && password == r.settings.AdminPassword {
		return &Principal{Username: username, IsAdmin: true, CanPullGlobal: true, CanPushGlobal: true}, nil
	}

	user, err := r.store.UserByName(username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	if !store.VerifyPassword(user.PasswordHash, password) {
		return nil, ErrUnauthenticated
	}
	return principalFor(user), nil
}

// ResolveBearer validates an HS256 token and resolves the sub claim against
// the user store. Only sub is honored.
func (r *Resolver) ResolveBearer(token string) (*Principal, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return []byte(r.settings.SecretKey), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return nil, ErrUnauthenticated
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrUnauthenticated
	}

	if sub == r.settings.AdminUsername {
		return &Principal{Username: sub, IsAdmin: true, CanPullGlobal: true, CanPushGlobal: true}, nil
	}
	user, err := r.store.UserByName(sub)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	return principalFor(user), nil
}

func principalFor(u *store.User) *Principal {
	p := &Principal{
		Username:      u.Username,
		IsAdmin:       u.IsAdmin,
		CanPullGlobal: u.CanPullImages,
		CanPushGlobal: u.CanPushImages,
	}
	if p.IsAdmin {
		p.CanPullGlobal = true
		p.CanPushGlobal = true
	}
	return p
}

// Authorize decides whether the principal may perform class on imagePath.
//
// Admins always pass. When a folder matches the first path segment, the
// user's explicit entry decides and global permissions are ignored; no entry
// means deny. Without a matching folder, push is denied for non-admins and
// pull falls back to the global flag.
func (r *Resolver) Authorize(p *Principal, imagePath string, class Class) (bool, error) {
	if p.IsAdmin {
		return true, nil
	}
	folder, err := r.store.FolderForPath(imagePath)
	if err != nil {
		return false, err
	}
	if folder != nil {
		for _, perm := range folder.Permissions {
			if perm.Username == p.Username {
				if class == Pull {
					return perm.CanPull, nil
				}
				return perm.CanPush, nil
			}
		}
		logrus.WithFields(logrus.Fields{
			"user": p.Username, "folder": folder.Name, "class": class.String(),
		}).Debug("no folder permission entry, denying")
		return false, nil
	}
	if class == Push {
		return false, nil
	}
	return p.CanPullGlobal, nil
}

// IssueToken signs an HS256 bearer token for username, valid for the
// configured lifetime.
func (r *Resolver) IssueToken(username string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": username,
		"iat": now.Unix(),
		"exp": now.Add(time.Duration(r.settings.AccessTokenExpireMinutes) * time.Minute).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(r.settings.SecretKey))
	return signed, errors.Wrap(err, "signing token")
}
