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

// Package keypath classifies and validates the path flavours used across the
// engine: absolute keys, absolute dirs, and paths relative to a dir.
package keypath

import (
	"strings"

	"github.com/dconf-go/dconf/dconferr"
)

// IsPath reports whether p is a well-formed absolute path: it starts with
// '/' and contains no "//".
func IsPath(p string) bool {
	return validate(p) == nil
}

// IsKey reports whether p is a well-formed key: an absolute path that does
// not end in '/'.
func IsKey(p string) bool {
	if err := validate(p); err != nil {
		return false
	}
	return !strings.HasSuffix(p, "/")
}

// IsDir reports whether p is a well-formed dir: an absolute path that ends
// in '/'.
func IsDir(p string) bool {
	if err := validate(p); err != nil {
		return false
	}
	return strings.HasSuffix(p, "/")
}

// IsRelPath reports whether p is well-formed relative to some dir: no
// leading '/' and no "//".
func IsRelPath(p string) bool {
	if p == "" {
		return true
	}
	if strings.HasPrefix(p, "/") {
		return false
	}
	return !strings.Contains(p, "//")
}

// ValidateKey returns a typed error if p is not a well-formed key.
func ValidateKey(p string) error {
	if err := validate(p); err != nil {
		return err
	}
	if strings.HasSuffix(p, "/") {
		return dconferr.New(dconferr.InvalidPath, "key must not end with '/': "+p)
	}
	return nil
}

// ValidateDir returns a typed error if p is not a well-formed dir.
func ValidateDir(p string) error {
	if err := validate(p); err != nil {
		return err
	}
	if !strings.HasSuffix(p, "/") {
		return dconferr.New(dconferr.InvalidPath, "dir must end with '/': "+p)
	}
	return nil
}

// ValidatePath returns a typed error if p is not a well-formed absolute path
// of either flavour.
func ValidatePath(p string) error {
	return validate(p)
}

// ValidateRelPath returns a typed error if p is not well-formed relative to
// a dir.
func ValidateRelPath(p string) error {
	if !IsRelPath(p) {
		if strings.HasPrefix(p, "/") {
			return dconferr.New(dconferr.InvalidPath, "relative path must not start with '/': "+p)
		}
		return dconferr.New(dconferr.InvalidPath, "relative path must not contain '//': "+p)
	}
	return nil
}

func validate(p string) error {
	if p == "" {
		return dconferr.New(dconferr.InvalidPath, "path must not be empty")
	}
	if !strings.HasPrefix(p, "/") {
		return dconferr.New(dconferr.InvalidPath, "path must start with '/': "+p)
	}
	if strings.Contains(p, "//") {
		return dconferr.New(dconferr.InvalidPath, "path must not contain '//': "+p)
	}
	return nil
}

// Dir returns the dir a key belongs to, e.g. "/a/b" -> "/a/".
func Dir(key string) string {
	idx := strings.LastIndex(key, "/")
	return key[:idx+1]
}

// IsUnder reports whether dir is a prefix of path and path != dir.
func IsUnder(dir, path string) bool {
	return strings.HasPrefix(path, dir) && path != dir
}
