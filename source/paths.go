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

import "path/filepath"

// userDBPath is where the user source's writable database file lives,
// per §6's on-disk layout ("per-database file under the user runtime
// cache").
func userDBPath(dirs Dirs, name string) string {
	return filepath.Join(dirs.ConfigHome, "dconf", name)
}

// systemDBPath is where a read-only system source's database file lives.
func systemDBPath(dirs Dirs, name string) string {
	return filepath.Join(dirs.SysConfDir, "dconf", "db", name)
}

// serviceDBPath is where a service-materialised database file lives.
func serviceDBPath(dirs Dirs, name string) string {
	return filepath.Join(dirs.RuntimeDir, "dconf", name)
}

// proxiedDBPath is where a confined application's proxied database file
// lives: the service kind's convention with an app-id segment inserted so
// distinct confined apps never collide under one runtime directory.
func proxiedDBPath(dirs Dirs, appID, name string) string {
	return filepath.Join(dirs.RuntimeDir, "dconf", appID, name)
}

// shmDir is the directory holding shared-memory invalidation flag files.
func shmDir(dirs Dirs) string {
	return filepath.Join(dirs.RuntimeDir, "dconf")
}
