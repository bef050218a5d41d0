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

// Package audit implements an append-only JSONL event log with a bounded
// in-memory ring for live inspection.
package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Event is one audit record.
type Event struct {
	Event      string  `json:"event"`
	Timestamp  string  `json:"timestamp"`
	Path       string  `json:"path,omitempty"`
	Method     string  `json:"method,omitempty"`
	HTTPStatus int     `json:"http_status"`
	Bytes      int64   `json:"bytes"`
	ElapsedS   float64 `json:"elapsed_s"`
	ClientIP   string  `json:"client_ip,omitempty"`
	Username   string  `json:"username,omitempty"`
}

// Sink appends events to a JSONL file and mirrors the newest maxEvents in
// memory. One mutex covers both so file order always matches emission order.
type Sink struct {
	mu        sync.Mutex
	path      string
	maxEvents int
	ring      []Event
}

// NewSink creates a sink writing to path with the given ring capacity.
func NewSink(path string, maxEvents int) *Sink {
	if maxEvents < 1 {
		maxEvents = 1
	}
	return &Sink{path: path, maxEvents: maxEvents}
}

// Emit appends the event to the file and the ring. The timestamp is set here
// if the caller left it empty.
func (s *Sink) Emit(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "creating audit directory")
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, "opening audit log")
	}
	defer f.Close()
	line, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "encoding audit event")
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "appending audit event")
	}

	s.ring = append(s.ring, ev)
	if len(s.ring) > s.maxEvents {
		s.ring = s.ring[len(s.ring)-s.maxEvents:]
	}
	return nil
}

// Recent returns up to limit events, newest first. When the in-memory ring
// holds fewer events than requested, the remainder is backfilled from disk.
func (s *Sink) Recent(limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit < 1 {
		limit = 1
	}

	// The file is only trimmed on resize, so it may hold more events than
	// the ring capacity; limits beyond the ring are served from disk.
	events := s.ring
	if len(events) < limit {
		fromDisk, err := s.readFileLocked()
		if err != nil {
			logrus.WithError(err).Warn("audit backfill from disk failed")
		} else if len(fromDisk) > len(events) {
			events = fromDisk
		}
	}

	if len(events) > limit {
		events = events[len(events)-limit:]
	}
	out := make([]Event, len(events))
	for i, ev := range events {
		out[len(events)-1-i] = ev
	}
	return out, nil
}

// Trim resizes the ring and rewrites the JSONL file keeping only the last
// max events.
func (s *Sink) Trim(max int) error {
	if max < 1 {
		max = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maxEvents = max
	if len(s.ring) > max {
		s.ring = s.ring[len(s.ring)-max:]
	}

	events, err := s.readFileLocked()
	if err != nil {
		return err
	}
	if len(events) > max {
		events = events[len(events)-max:]
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return errors.Wrap(err, "rewriting audit log")
	}
	w := bufio.NewWriter(f)
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			f.Close()
			return errors.Wrap(err, "encoding audit event")
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			return errors.Wrap(err, "writing audit event")
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errors.Wrap(err, "flushing audit log")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "closing audit log")
	}
	return errors.Wrap(os.Rename(tmp, s.path), "replacing audit log")
}

func (s *Sink) readFileLocked() ([]Event, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "opening audit log")
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			// Skip corrupt lines rather than losing the whole log.
			continue
		}
		events = append(events, ev)
	}
	return events, errors.Wrap(scanner.Err(), "scanning audit log")
}
