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

// Package store persists the small policy tables (users, folders, external
// registries, OIDC overrides) as JSON files under the data directory.
//
// Every table is read-copy-update: writes serialize the whole table to disk
// under the store lock, readers get copies they can use without holding it.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// Sentinel errors the API layer branches on.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("already exists")
	ErrValidation = errors.New("validation failed")
)

const (
	usersFile      = "local_users.json"
	foldersFile    = "folders.json"
	registriesFile = "external_registries.json"
	oidcFile       = "oidc_config.json"
)

// User is a local account. PasswordHash is a bcrypt hash and never leaves
// the process.
type User struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	PasswordHash  string `json:"password_hash"`
	IsAdmin       bool   `json:"is_admin"`
	CanPullImages bool   `json:"can_pull_images"`
	CanPushImages bool   `json:"can_push_images"`
	CreatedAt     string `json:"created_at"`

	// Optional Docker Hub credentials used for staging pulls.
	DockerhubUsername string `json:"dockerhub_username,omitempty"`
	DockerhubPassword string `json:"dockerhub_password,omitempty"`
}

// FolderPermission is one user's rights on a folder.
type FolderPermission struct {
	Username string `json:"username"`
	CanPull  bool   `json:"can_pull"`
	CanPush  bool   `json:"can_push"`
}

// Folder is a registry path prefix carrying a per-user ACL.
type Folder struct {
	ID          string             `json:"id"`
	Name        string             `json:"name"`
	Description string             `json:"description"`
	CreatedAt   string             `json:"created_at"`
	Permissions []FolderPermission `json:"permissions"`
}

// ExternalRegistry is a replication or staging-push destination. Password is
// kept verbatim (it is a service credential) and redacted by Redacted().
type ExternalRegistry struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Host      string `json:"host"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	CreatedAt string `json:"created_at"`
}

// Redacted returns a copy safe to return to API callers.
func (r ExternalRegistry) Redacted() ExternalRegistry {
	if r.Password != "" {
		r.Password = "********"
	}
	return r
}

// OIDCConfig is the optional OIDC override map.
type OIDCConfig struct {
	Enabled      bool   `json:"enabled"`
	IssuerURL    string `json:"issuer_url,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// Store owns the JSON tables under dataDir.
type Store struct {
	dataDir string
	mu      sync.RWMutex
}

// New returns a store rooted at dataDir. The directory is created on first
// write, not here.
func New(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

func loadTable[T any](path string) ([]T, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []T{}, nil
		}
		return nil, errors.Wrapf(err, "reading %s", path)
	}
	var out []T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrapf(err, "decoding %s", path)
	}
	return out, nil
}

func saveTable[T any](path string, table []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating data directory")
	}
	raw, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding table")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return errors.Wrapf(err, "writing %s", tmp)
	}
	return errors.Wrapf(os.Rename(tmp, path), "replacing %s", path)
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Users returns a copy of the user table.
func (s *Store) Users() ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadTable[User](filepath.Join(s.dataDir, usersFile))
}

// UserByName looks a user up by username.
func (s *Store) UserByName(username string) (*User, error) {
	users, err := s.Users()
	if err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].Username == username {
			return &users[i], nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "user %q", username)
}

// CreateUser validates, hashes the password and appends the user.
// Admin users implicitly get both global image permissions.
func (s *Store) CreateUser(username, password string, isAdmin, canPull, canPush bool) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.Wrap(ErrValidation, "username must not be empty")
	}
	if len(password) < 8 {
		return nil, errors.Wrap(ErrValidation, "password must be at least 8 characters")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	if isAdmin {
		canPull, canPush = true, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dataDir, usersFile)
	users, err := loadTable[User](path)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.Username == username {
			return nil, errors.Wrapf(ErrConflict, "user %q", username)
		}
	}
	user := User{
		ID:            uuid.NewString(),
		Username:      username,
		PasswordHash:  hash,
		IsAdmin:       isAdmin,
		CanPullImages: canPull,
		CanPushImages: canPush,
		CreatedAt:     nowRFC3339(),
	}
	users = append(users, user)
	if err := saveTable(path, users); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateUser applies fn to the named user and persists the table.
func (s *Store) UpdateUser(username string, fn func(*User) error) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dataDir, usersFile)
	users, err := loadTable[User](path)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].Username == username {
			if err := fn(&users[i]); err != nil {
				return nil, err
			}
			if users[i].IsAdmin {
				users[i].CanPullImages = true
				users[i].CanPushImages = true
			}
			if err := saveTable(path, users); err != nil {
				return nil, err
			}
			return &users[i], nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "user %q", username)
}

// DeleteUser removes the named user.
func (s *Store) DeleteUser(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dataDir, usersFile)
	users, err := loadTable[User](path)
	if err != nil {
		return err
	}
	kept := users[:0]
	for _, u := range users {
		if u.Username != username {
			kept = append(kept, u)
		}
	}
	if len(kept) == len(users) {
		return errors.Wrapf(ErrNotFound, "user %q", username)
	}
	return saveTable(path, kept)
}

// Folders returns a copy of the folder table.
func (s *Store) Folders() ([]Folder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadTable[Folder](filepath.Join(s.dataDir, foldersFile))
}

// FolderForPath returns the folder whose name equals the first path segment
// of imagePath, or nil when the path carries no folder prefix.
func (s *Store) FolderForPath(imagePath string) (*Folder, error) {
	if imagePath == "" || !strings.Contains(imagePath, "/") {
		return nil, nil
	}
	prefix := strings.SplitN(imagePath, "/", 2)[0]
	folders, err := s.Folders()
	if err != nil {
		return nil, err
	}
	for i := range folders {
		if folders[i].Name == prefix {
			return &folders[i], nil
		}
	}
	return nil, nil
}

// ValidateFolderName enforces the folder naming rule: non-empty, lowercase,
// a single path segment.
func ValidateFolderName(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return "", errors.Wrap(ErrValidation, "folder name must not be empty")
	}
	if strings.ContainsAny(name, " /\\") {
		return "", errors.Wrap(ErrValidation, "folder name must not contain spaces or slashes")
	}
	return name, nil
}

// CreateFolder appends a new folder with an empty ACL.
func (s *Store) CreateFolder(name, description string) (*Folder, error) {
	name, err := ValidateFolderName(name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dataDir, foldersFile)
	folders, err := loadTable[Folder](path)
	if err != nil {
		return nil, err
	}
	for _, f := range folders {
		if f.Name == name {
			return nil, errors.Wrapf(ErrConflict, "folder %q", name)
		}
	}
	folder := Folder{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		CreatedAt:   nowRFC3339(),
		Permissions: []FolderPermission{},
	}
	folders = append(folders, folder)
	if err := saveTable(path, folders); err != nil {
		return nil, err
	}
	return &folder, nil
}

// UpdateFolder replaces the description of the folder with the given id.
func (s *Store) UpdateFolder(id, description string) (*Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dataDir, foldersFile)
	folders, err := loadTable[Folder](path)
	if err != nil {
		return nil, err
	}
	for i := range folders {
		if folders[i].ID == id {
			folders[i].Description = description
			if err := saveTable(path, folders); err != nil {
				return nil, err
			}
			return &folders[i], nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "folder %s", id)
}

// DeleteFolder removes the folder and its ACL.
func (s *Store) DeleteFolder(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dataDir, foldersFile)
	folders, err := loadTable[Folder](path)
	if err != nil {
		return err
	}
	kept := folders[:0]
	for _, f := range folders {
		if f.ID != id {
			kept = append(kept, f)
		}
	}
	if len(kept) == len(folders) {
		return errors.Wrapf(ErrNotFound, "folder %s", id)
	}
	return saveTable(path, kept)
}

// SetFolderPermission creates or updates a user's entry on a folder.
func (s *Store) SetFolderPermission(folderID, username string, canPull, canPush bool) (*Folder, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.Wrap(ErrValidation, "username must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dataDir, foldersFile)
	folders, err := loadTable[Folder](path)
	if err != nil {
		return nil, err
	}
	for i := range folders {
		if folders[i].ID != folderID {
			continue
		}
		updated := false
		for j := range folders[i].Permissions {
			if folders[i].Permissions[j].Username == username {
				folders[i].Permissions[j].CanPull = canPull
				folders[i].Permissions[j].CanPush = canPush
				updated = true
				break
			}
		}
		if !updated {
			folders[i].Permissions = append(folders[i].Permissions, FolderPermission{
				Username: username, CanPull: canPull, CanPush: canPush,
			})
		}
		if err := saveTable(path, folders); err != nil {
			return nil, err
		}
		return &folders[i], nil
	}
	return nil, errors.Wrapf(ErrNotFound, "folder %s", folderID)
}

// RemoveFolderPermission deletes a user's entry from a folder.
func (s *Store) RemoveFolderPermission(folderID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dataDir, foldersFile)
	folders, err := loadTable[Folder](path)
	if err != nil {
		return err
	}
	for i := range folders {
		if folders[i].ID != folderID {
			continue
		}
		before := len(folders[i].Permissions)
		kept := folders[i].Permissions[:0]
		for _, p := range folders[i].Permissions {
			if p.Username != username {
				kept = append(kept, p)
			}
		}
		folders[i].Permissions = kept
		if len(kept) == before {
			return errors.Wrapf(ErrNotFound, "permission for %q", username)
		}
		return saveTable(path, folders)
	}
	return errors.Wrapf(ErrNotFound, "folder %s", folderID)
}

// Registries returns a copy of the external registry table.
func (s *Store) Registries() ([]ExternalRegistry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadTable[ExternalRegistry](filepath.Join(s.dataDir, registriesFile))
}

// RegistryByID looks an external registry up by id.
func (s *Store) RegistryByID(id string) (*ExternalRegistry, error) {
	regs, err := s.Registries()
	if err != nil {
		return nil, err
	}
	for i := range regs {
		if regs[i].ID == id {
			return &regs[i], nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "registry %s", id)
}

// CreateRegistry appends a new external registry entry.
func (s *Store) CreateRegistry(name, host, username, password string) (*ExternalRegistry, error) {
	name = strings.TrimSpace(name)
	host = strings.TrimSpace(strings.TrimSuffix(host, "/"))
	if name == "" || host == "" {
		return nil, errors.Wrap(ErrValidation, "name and host must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dataDir, registriesFile)
	regs, err := loadTable[ExternalRegistry](path)
	if err != nil {
		return nil, err
	}
	for _, r := range regs {
		if r.Name == name {
			return nil, errors.Wrapf(ErrConflict, "registry %q", name)
		}
	}
	reg := ExternalRegistry{
		ID:        uuid.NewString(),
		Name:      name,
		Host:      host,
		Username:  username,
		Password:  password,
		CreatedAt: nowRFC3339(),
	}
	regs = append(regs, reg)
	if err := saveTable(path, regs); err != nil {
		return nil, err
	}
	return &reg, nil
}

// UpdateRegistry applies fn to the registry with the given id.
func (s *Store) UpdateRegistry(id string, fn func(*ExternalRegistry) error) (*ExternalRegistry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dataDir, registriesFile)
	regs, err := loadTable[ExternalRegistry](path)
	if err != nil {
		return nil, err
	}
	for i := range regs {
		if regs[i].ID == id {
			if err := fn(&regs[i]); err != nil {
				return nil, err
			}
			if err := saveTable(path, regs); err != nil {
				return nil, err
			}
			return &regs[i], nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "registry %s", id)
}

// DeleteRegistry removes the registry with the given id.
func (s *Store) DeleteRegistry(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dataDir, registriesFile)
	regs, err := loadTable[ExternalRegistry](path)
	if err != nil {
		return err
	}
	kept := regs[:0]
	for _, r := range regs {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	if len(kept) == len(regs) {
		return errors.Wrapf(ErrNotFound, "registry %s", id)
	}
	return saveTable(path, kept)
}

// OIDC reads the optional OIDC override config. A missing file yields a
// disabled config, not an error.
func (s *Store) OIDC() (*OIDCConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, err := os.ReadFile(filepath.Join(s.dataDir, oidcFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &OIDCConfig{}, nil
		}
		return nil, errors.Wrap(err, "reading oidc config")
	}
	cfg := &OIDCConfig{}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "decoding oidc config")
	}
	return cfg, nil
}

// SetOIDC replaces the OIDC override config.
func (s *Store) SetOIDC(cfg *OIDCConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := filepath.Join(s.dataDir, oidcFile)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating data directory")
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding oidc config")
	}
	return errors.Wrap(os.WriteFile(path, raw, 0o600), "writing oidc config")
}

// HashPassword bcrypt-hashes a password. Input is truncated to 72 bytes to
// match bcrypt's limit, which other hashers silently apply.
func HashPassword(password string) (string, error) {
	b := []byte(password)
	if len(b) > 72 {
		b = b[:72]
	}
	hash, err := bcrypt.GenerateFromPassword(b, bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "hashing password")
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches the stored bcrypt hash.
func VerifyPassword(hash, password string) bool {
	b := []byte(password)
	if len(b) > 72 {
		b = b[:72]
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), b) == nil
}
