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

package database

import (
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"

	"github.com/dconf-go/dconf/changeset"
)

// wireFile is the on-disk framing this package reads and writes. It is
// intentionally not the dconf gvdb format, which is out of scope: the
// engine only ever consumes a Handle through the opaque Table interface.
type wireFile struct {
	Values map[string]*changeset.Value `cbor:"values"`
	Locks  map[string]*changeset.Value `cbor:"locks,omitempty"`
}

// Handle is a memory-mapped, read-only view of a single database file. It
// is opaque to its callers beyond the Table interfaces it exposes.
type Handle struct {
	path     string
	dev, ino uint64
	region   []byte
	values   Table
	locks    Table // nil if the file carries no locks sub-table
}

// Open memory-maps the file at path and decodes its values (and optional
// locks) table. A missing file is reported as an error so source
// implementations can distinguish "not yet created" from a real failure.
func Open(path string) (*Handle, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open database file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("could not stat database file: %w", err)
	}

	h := Handle{path: path}
	h.dev, h.ino = statIdentity(path)

	if info.Size() == 0 {
		h.values = NewMemTable(nil)
		return &h, nil
	}

	region, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("could not map database file: %w", err)
	}

	plain, err := decompress(region)
	if err != nil {
		_ = unix.Munmap(region)
		return nil, fmt.Errorf("could not decompress database file: %w", err)
	}

	var wire wireFile
	if err := cbor.Unmarshal(plain, &wire); err != nil {
		_ = unix.Munmap(region)
		return nil, fmt.Errorf("could not decode database file: %w", err)
	}

	h.region = region
	h.values = NewMemTable(wire.Values)
	if wire.Locks != nil {
		h.locks = NewMemTable(wire.Locks)
	}
	return &h, nil
}

// Empty returns a Handle with no backing file: an empty values table and no
// locks. Used by source kinds for which a missing database file is a valid
// steady state rather than an error, so callers can still rely on a non-nil
// Handle to mean "successfully opened at least once".
func Empty() *Handle {
	return &Handle{values: NewMemTable(nil)}
}

// Values returns the handle's values table.
func (h *Handle) Values() Table {
	return h.values
}

// Locks returns the handle's locks table, or nil if the file carries none.
func (h *Handle) Locks() Table {
	return h.locks
}

// IsValid reports whether the file at path still has the same device/inode
// identity it had when the handle was opened; false means the backing file
// has been replaced and the handle must be reopened.
func (h *Handle) IsValid() bool {
	dev, ino := statIdentity(h.path)
	return dev == h.dev && ino == h.ino
}

// Close releases the mapping. Safe to call on an empty (never-mapped)
// handle.
func (h *Handle) Close() error {
	if h.region == nil {
		return nil
	}
	region := h.region
	h.region = nil
	if err := unix.Munmap(region); err != nil {
		return fmt.Errorf("could not unmap database file: %w", err)
	}
	return nil
}

// WriteFile encodes values and locks into the on-disk framing this package
// understands, writing atomically via a temp file and rename so concurrent
// readers never observe a partial file.
func WriteFile(path string, values, locks map[string]*changeset.Value) error {
	plain, err := cbor.Marshal(wireFile{Values: values, Locks: locks})
	if err != nil {
		return fmt.Errorf("could not encode database file: %w", err)
	}
	data, err := compress(plain)
	if err != nil {
		return fmt.Errorf("could not compress database file: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("could not write database file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("could not install database file: %w", err)
	}
	return nil
}

// StatIdentity returns the device/inode pair identifying the file at path,
// or zero values if it cannot be stat'd (treated as "definitely changed").
// Exported so source kinds backed by a Handle (System, File, Service,
// Proxied) can track identity themselves between successful opens, without
// requiring a live Handle to call IsValid on.
func StatIdentity(path string) (uint64, uint64) {
	return statIdentity(path)
}

// statIdentity is the unexported implementation Handle itself uses.
func statIdentity(path string) (uint64, uint64) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, 0
	}
	return uint64(st.Dev), st.Ino
}

// compress frames plain behind a zstd envelope. Database files are mostly
// repeated path-segment strings, which zstd's dictionary window handles
// well even at small sizes.
func compress(plain []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(plain, nil), nil
}

// decompress reverses compress.
func decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}
