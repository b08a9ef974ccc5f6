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

package source

import (
	"context"
	"errors"
	"os"

	"github.com/dconf-go/dconf/database"
	"github.com/dconf-go/dconf/shm"
	"github.com/dconf-go/dconf/transport"
)

// userOps backs the User kind: a writable database invalidated by an SHM
// flag rather than by its own file identity, since the writer process
// rotates the flag's generation on every write rather than the database
// file itself (§4.3, §4.4).
type userOps struct {
	path    string
	flagDir string
	name    string
	flag    *shm.Flag
	first   bool
}

func newUserOps(nameOrPath string, dirs Dirs) *userOps {
	return &userOps{
		path:    userDBPath(dirs, nameOrPath),
		flagDir: shmDir(dirs),
		name:    nameOrPath,
		first:   true,
	}
}

func (o *userOps) needsReopen(s *Source) bool {
	if o.first || o.flag == nil {
		return true
	}
	return o.flag.IsFlagged()
}

func (o *userOps) reopen(ctx context.Context, s *Source, bus transport.Transport) (*database.Handle, error) {
	o.first = false

	if o.flag != nil {
		_ = o.flag.Close()
	}
	o.flag = shm.Open(s.log, o.flagDir, o.name)

	handle, err := database.Open(o.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// No database file yet is a valid empty steady state for the
			// user source: nothing has ever been written.
			return database.Empty(), nil
		}
		return nil, err
	}
	return handle, nil
}

func (o *userOps) finalize(s *Source) error {
	if o.flag != nil {
		return o.flag.Close()
	}
	return nil
}

func (o *userOps) logsFirstFailure() bool { return false }

// fileOps backs the System and File kinds: a read-only database whose
// reopen need is detected purely from its own device/inode identity, since
// neither kind has a writer to raise an SHM flag on its behalf (§4.4).
type fileOps struct {
	path     string
	dev, ino uint64
	first    bool
}

func newFileOps(path string) *fileOps {
	return &fileOps{path: path, first: true}
}

func (o *fileOps) needsReopen(s *Source) bool {
	if o.first {
		return true
	}
	dev, ino := database.StatIdentity(o.path)
	return dev != o.dev || ino != o.ino
}

func (o *fileOps) reopen(ctx context.Context, s *Source, bus transport.Transport) (*database.Handle, error) {
	o.first = false
	handle, err := database.Open(o.path)
	if err != nil {
		return nil, err
	}
	o.dev, o.ino = database.StatIdentity(o.path)
	return handle, nil
}

func (o *fileOps) finalize(s *Source) error { return nil }

func (o *fileOps) logsFirstFailure() bool { return true }

// serviceOps backs the Service kind: a database materialised on demand by a
// per-database writer reached over the bus. A first open failure triggers a
// synchronous Init call to bring the writer up, then one retry (§4.4, §6).
type serviceOps struct {
	path     string
	name     string
	dev, ino uint64
	first    bool
}

func newServiceOps(nameOrPath string, dirs Dirs) *serviceOps {
	return &serviceOps{path: serviceDBPath(dirs, nameOrPath), name: nameOrPath, first: true}
}

func (o *serviceOps) needsReopen(s *Source) bool {
	if o.first {
		return true
	}
	dev, ino := database.StatIdentity(o.path)
	return dev != o.dev || ino != o.ino
}

func (o *serviceOps) reopen(ctx context.Context, s *Source, bus transport.Transport) (*database.Handle, error) {
	o.first = false

	handle, err := o.open()
	if err == nil {
		return handle, nil
	}
	if !errors.Is(err, os.ErrNotExist) || bus == nil {
		return nil, err
	}

	if initErr := bus.CallSync(ctx, s.BusName, s.ObjectPath, writerInterface, "Init", []interface{}{o.name}); initErr != nil {
		return nil, initErr
	}
	return o.open()
}

func (o *serviceOps) open() (*database.Handle, error) {
	handle, err := database.Open(o.path)
	if err != nil {
		return nil, err
	}
	o.dev, o.ino = database.StatIdentity(o.path)
	return handle, nil
}

func (o *serviceOps) finalize(s *Source) error { return nil }

func (o *serviceOps) logsFirstFailure() bool { return false }

// proxiedOps backs the Proxied kind: identical to serviceOps but addressed
// under a confined application's own runtime directory segment rather than
// the shared per-user one.
type proxiedOps struct {
	serviceOps
	appID string
}

func newProxiedOps(nameOrPath, appID string, dirs Dirs) *proxiedOps {
	o := proxiedOps{appID: appID}
	o.path = proxiedDBPath(dirs, appID, nameOrPath)
	o.name = nameOrPath
	o.first = true
	return &o
}

const writerInterface = "ca.dconf.Writer"
