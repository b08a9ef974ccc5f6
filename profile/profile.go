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

// Package profile resolves a profile selector to an ordered list of
// sources per §4.5: exactly one of (in precedence) an explicit selector, a
// mandatory per-uid runtime file, DCONF_PROFILE, a per-user runtime
// profile, the name "user" under system/data search dirs, or a built-in
// single-user-source default.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dconf-go/dconf/source"
)

// Dirs bundles every directory the resolution algorithm consults.
type Dirs struct {
	source.Dirs
	DataDirs []string // XDG_DATA_DIRS search path, profile-file fallback only
}

// Env bundles environment inputs to the resolution algorithm besides Dirs.
type Env struct {
	UID int

	// DconfProfile is the DCONF_PROFILE environment variable's value, ""
	// if unset.
	DconfProfile string

	// MandatoryPath overrides the well-known /run/dconf/user/<uid> path;
	// tests only. "" resolves the real path from UID.
	MandatoryPath string
}

// Load resolves a profile and constructs its sources. explicitSelector, if
// non-empty, takes top precedence over every environment-derived selector.
// appID is forwarded to any proxied-kind source the profile names, for
// computing its confined runtime-directory path.
func Load(log zerolog.Logger, dirs Dirs, env Env, explicitSelector, appID string) ([]*source.Source, bool) {
	content, warn := resolve(dirs, env, explicitSelector)
	if warn != "" {
		log.Warn().Msg(warn)
		return nil, false
	}
	if content == nil {
		return defaultSources(log, dirs.Dirs), true
	}

	entries := parse(log, content)
	if len(entries) == 0 {
		return nil, false
	}

	sources := make([]*source.Source, 0, len(entries))
	for i, e := range entries {
		sources = append(sources, source.New(log, e.kind, e.name, i == 0, dirs.Dirs, appID))
	}
	return sources, sources[0].Writable
}

func defaultSources(log zerolog.Logger, dirs source.Dirs) []*source.Source {
	return []*source.Source{source.New(log, source.User, "user", true, dirs, "")}
}

// resolve returns the profile file content to parse, or nil to mean "use
// the default profile", plus a warning to log if an explicitly-named
// selector (the caller's argument or DCONF_PROFILE) failed to resolve; Load
// turns that warning case into the null profile (no sources).
// Failure of an implicit selector (the mandatory file, the per-user
// runtime profile, or the "user" name) is silent: it simply falls through
// to the next step, per §4.5's "missing implicit profile yields the
// default profile silently".
func resolve(dirs Dirs, env Env, explicitSelector string) ([]byte, string) {
	for _, sel := range []string{explicitSelector, env.DconfProfile} {
		if sel == "" {
			continue
		}
		content, err := openSelector(dirs, sel)
		if err != nil {
			return nil, fmt.Sprintf("could not open explicitly selected profile %q: %v", sel, err)
		}
		return content, ""
	}

	mandatory := env.MandatoryPath
	if mandatory == "" {
		mandatory = mandatoryProfilePath(env.UID)
	}
	if content, err := os.ReadFile(mandatory); err == nil {
		return content, ""
	}

	if content, err := os.ReadFile(perUserRuntimeProfilePath(dirs.RuntimeDir)); err == nil {
		return content, ""
	}

	if content, err := openSelector(dirs, "user"); err == nil {
		return content, ""
	}

	return nil, ""
}

func mandatoryProfilePath(uid int) string {
	return filepath.Join("/run/dconf/user", strconv.Itoa(uid))
}

func perUserRuntimeProfilePath(runtimeDir string) string {
	return filepath.Join(runtimeDir, "dconf", "profile")
}

// openSelector resolves a named or path selector per §4.5 step 2: a
// selector beginning with "/" is opened directly; otherwise the system
// profile directory is searched first, then each data directory in order.
func openSelector(dirs Dirs, selector string) ([]byte, error) {
	if strings.HasPrefix(selector, "/") {
		return os.ReadFile(selector)
	}

	candidates := make([]string, 0, 1+len(dirs.DataDirs))
	candidates = append(candidates, filepath.Join(dirs.SysConfDir, "dconf", "profile", selector))
	for _, d := range dirs.DataDirs {
		candidates = append(candidates, filepath.Join(d, "dconf", "profile", selector))
	}

	var lastErr error
	for _, c := range candidates {
		content, err := os.ReadFile(c)
		if err == nil {
			return content, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

type entry struct {
	kind source.Kind
	name string // bare name, or an absolute path for the file kind
}

// parse reads one source per non-empty, non-comment line in the form
// "<kind>-db:<name>", per §4.5's profile file format. A line that fails to
// parse — an unrecognised kind prefix, a missing ':', or an empty name —
// produces a warning and is skipped; it never discards the rest of the
// profile.
func parse(log zerolog.Logger, content []byte) []entry {
	var entries []entry
	for lineNo, raw := range strings.Split(string(content), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kind, name, err := parseLine(line)
		if err != nil {
			log.Warn().Err(err).Int("line", lineNo+1).Msg("skipping malformed profile line")
			continue
		}
		entries = append(entries, entry{kind: kind, name: name})
	}
	return entries
}

func parseLine(line string) (source.Kind, string, error) {
	sep := strings.Index(line, ":")
	if sep < 0 {
		return 0, "", fmt.Errorf("missing ':' in line %q", line)
	}

	kindTag, name := line[:sep], strings.TrimSpace(line[sep+1:])
	if name == "" {
		return 0, "", fmt.Errorf("empty name in line %q", line)
	}

	switch kindTag {
	case "user-db":
		return source.User, name, nil
	case "system-db":
		return source.System, name, nil
	case "service-db":
		return source.Service, name, nil
	case "file-db":
		return source.File, name, nil
	default:
		return 0, "", fmt.Errorf("unrecognised profile kind %q", kindTag)
	}
}
