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

// Package shm implements the one-byte-per-database invalidation flag files
// used by the user source to detect that its backing database file has
// changed. The flag is a private read-only mmap of a one-byte file; a
// separate write path sets the byte without disturbing the mapping, so
// "is flagged" is a pure memory read on the hot path.
package shm

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// flagByte is the value written to mark a flag file as invalidated.
const flagByte = 0xff

// Flag is a memory-mapped one-byte invalidation flag. It is safe to read
// IsFlagged concurrently from any number of goroutines; the mapping never
// moves for the lifetime of the Flag.
type Flag struct {
	log    zerolog.Logger
	path   string
	region []byte // nil once permanently flagged due to an open/map failure
}

// Open returns the flag file named dir/name, creating it (initialised to
// zero) if it does not yet exist, and mapping it read-only.
//
// Per the shared-memory flag design, a failure here (disk full, a missing
// directory that cannot be created, a non-regular path component) is
// unrecoverable: the caller cannot tell invalidation from corruption. Rather
// than abort the host process from inside a library call, Open logs the
// failure and returns a Flag that reports permanently flagged, so callers
// always reopen their database rather than trust a mapping that was never
// established.
func Open(log zerolog.Logger, dir, name string) *Flag {
	logger := log.With().Str("component", "shm_flag").Str("name", name).Logger()

	f := Flag{log: logger, path: filepath.Join(dir, name)}

	if err := os.MkdirAll(dir, 0700); err != nil {
		logger.Error().Err(err).Msg("could not create shm directory, flag permanently invalidated")
		return &f
	}

	file, err := os.OpenFile(f.path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		logger.Error().Err(err).Msg("could not open shm flag file, flag permanently invalidated")
		return &f
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		logger.Error().Err(err).Msg("could not stat shm flag file, flag permanently invalidated")
		return &f
	}
	if info.Size() == 0 {
		if _, err := file.WriteAt([]byte{0x00}, 0); err != nil {
			logger.Error().Err(err).Msg("could not initialise shm flag file, flag permanently invalidated")
			return &f
		}
	}

	region, err := unix.Mmap(int(file.Fd()), 0, 1, unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		logger.Error().Err(err).Msg("could not map shm flag file, flag permanently invalidated")
		return &f
	}

	f.region = region
	return &f
}

// IsFlagged reports whether the flag has been raised. A Flag that failed to
// open or map always reports true.
func (f *Flag) IsFlagged() bool {
	if f.region == nil {
		return true
	}
	return f.region[0] == flagByte
}

// Set raises the flag by writing the flag byte through a fresh file
// descriptor; it never touches any existing mapping of the same path, so
// callers who already hold an Open'd Flag observe the change through their
// unchanged mapping. Set is idempotent.
//
// Immediately after raising the byte, Set also rotates the canonical path
// onto a brand new, zeroed file. This is what lets a source that reopens
// after observing the flag make progress: its next Open call resolves the
// path fresh and maps a new, clear generation, rather than mapping the same
// now-permanently-flagged page forever.
func Set(dir, name string) error {
	path := filepath.Join(dir, name)

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return fmt.Errorf("could not open shm flag file for writing: %w", err)
	}
	if _, err := file.WriteAt([]byte{flagByte}, 0); err != nil {
		file.Close()
		return fmt.Errorf("could not write shm flag byte: %w", err)
	}
	file.Close()

	tmp := path + ".next"
	if err := os.WriteFile(tmp, []byte{0x00}, 0600); err != nil {
		return fmt.Errorf("could not stage next shm generation: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("could not rotate shm flag generation: %w", err)
	}
	return nil
}

// Close releases the underlying mapping. It is safe to call on a Flag that
// failed to map.
func (f *Flag) Close() error {
	if f.region == nil {
		return nil
	}
	region := f.region
	f.region = nil
	if err := unix.Munmap(region); err != nil {
		return fmt.Errorf("could not unmap shm flag file: %w", err)
	}
	return nil
}
