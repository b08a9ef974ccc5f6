// Copyright 2021 Optakt Labs OÜ
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

// Package source implements the five source kinds that make up one layer
// of a profile's source stack (§4.4). Each kind is a tagged variant
// carrying only the state relevant to it, plus one small capability
// implementation (needsReopen/reopen/finalize/logsFirstFailure) rather than
// a class hierarchy.
package source

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/dconf-go/dconf/database"
	"github.com/dconf-go/dconf/transport"
)

// Kind identifies which of the five source variants a Source is.
type Kind uint8

const (
	User Kind = iota
	System
	File
	Service
	Proxied
)

func (k Kind) String() string {
	switch k {
	case User:
		return "user"
	case System:
		return "system"
	case File:
		return "file"
	case Service:
		return "service"
	case Proxied:
		return "proxied"
	default:
		return "unknown"
	}
}

// Dirs bundles the directories used to resolve a source's on-disk and
// runtime locations, per §6's environment variables.
type Dirs struct {
	RuntimeDir string // XDG_RUNTIME_DIR
	ConfigHome string // XDG_CONFIG_HOME
	SysConfDir string // SYSCONFDIR, e.g. /etc
}

// Source is one layer of a profile's source stack. Its static attributes
// (Name, Kind, bus coordinates) never change after construction; only the
// backing handle and validity change across refreshes.
type Source struct {
	log zerolog.Logger

	Name       string
	Kind       Kind
	Writable   bool
	BusName    string // "" if the source has no bus address
	ObjectPath string

	ops    kindOps
	handle *database.Handle

	loggedOpenFailure bool // system/file kinds log only the first open failure
}

// kindOps is the small capability trait each Kind implements.
type kindOps interface {
	needsReopen(s *Source) bool
	reopen(ctx context.Context, s *Source, bus transport.Transport) (*database.Handle, error)
	finalize(s *Source) error
	// logsFirstFailure reports whether this kind logs a warning on its
	// first open failure (true for system/file, per §4.4/§7).
	logsFirstFailure() bool
}

// New builds a Source of the given kind. nameOrPath is the bare db name for
// user/system/service/proxied kinds, or an absolute path for the file kind.
func New(log zerolog.Logger, kind Kind, nameOrPath string, writable bool, dirs Dirs, appID string) *Source {
	s := Source{
		log:      log.With().Str("component", "source").Str("kind", kind.String()).Str("name", nameOrPath).Logger(),
		Name:     nameOrPath,
		Kind:     kind,
		Writable: writable,
	}

	switch kind {
	case User:
		s.ops = newUserOps(nameOrPath, dirs)
		s.BusName = writerBusName
		s.ObjectPath = writerObjectPath(nameOrPath)
	case System:
		s.ops = newFileOps(systemDBPath(dirs, nameOrPath))
	case File:
		s.ops = newFileOps(nameOrPath)
	case Service:
		s.ops = newServiceOps(nameOrPath, dirs)
		s.BusName = writerBusName
		s.ObjectPath = writerObjectPath(nameOrPath)
	case Proxied:
		s.ops = newProxiedOps(nameOrPath, appID, dirs)
		s.BusName = writerBusName
		s.ObjectPath = writerObjectPath(nameOrPath)
	}

	return &s
}

// Values returns the source's current values table; an empty table if the
// source has no open handle.
func (s *Source) Values() database.Table {
	if s.handle == nil {
		return database.NewMemTable(nil)
	}
	return s.handle.Values()
}

// Locks returns the source's current locks table; an empty table if the
// source has no open handle or no locks sub-table.
func (s *Source) Locks() database.Table {
	if s.handle == nil {
		return database.NewMemTable(nil)
	}
	if t := s.handle.Locks(); t != nil {
		return t
	}
	return database.NewMemTable(nil)
}

// HasLock reports whether the source locks the given key.
func (s *Source) HasLock(key string) bool {
	return s.Locks().Has(key)
}

// Refresh reopens the source if needed and reports whether its database
// identity changed. All errors beyond the first system/file open failure
// are silent; a nil handle is a valid steady state (§4.4, §7).
func (s *Source) Refresh(ctx context.Context, bus transport.Transport) bool {
	if s.handle != nil && !s.ops.needsReopen(s) {
		return false
	}

	handle, err := s.ops.reopen(ctx, s, bus)
	if err != nil {
		if s.ops.logsFirstFailure() && !s.loggedOpenFailure {
			s.log.Warn().Err(err).Msg("could not open source database")
		}
		s.loggedOpenFailure = true
		changed := s.handle != nil
		if s.handle != nil {
			_ = s.handle.Close()
		}
		s.handle = nil
		return changed
	}

	if s.handle != nil {
		_ = s.handle.Close()
	}
	s.handle = handle
	return true
}

// Finalize releases any resource the source's kind holds (mappings, file
// descriptors). Called once at engine destruction.
func (s *Source) Finalize() error {
	if s.handle != nil {
		_ = s.handle.Close()
		s.handle = nil
	}
	return s.ops.finalize(s)
}

const writerBusName = "ca.dconf.Writer"

func writerObjectPath(name string) string {
	return "/ca/dconf/Writer/" + name
}
