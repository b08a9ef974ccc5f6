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

package changeset

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// canonicalCBOR is the codec every encode in this package uses, so two
// structurally-equal values (maps included) always produce byte-identical
// Raw, keeping Equal's bytes.Equal comparison meaningful.
var canonicalCBOR = func() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("invalid canonical CBOR options: %v", err))
	}
	return mode
}()

// Value is an opaque typed datum. The engine never inspects its contents;
// it only compares values structurally via Equal and moves them around as
// canonical CBOR bytes. Sig is a short type signature (e.g. "s", "i", "as")
// the caller chose when constructing the value; it is carried verbatim and
// never interpreted by this package.
type Value struct {
	Sig string          `cbor:"sig"`
	Raw cbor.RawMessage `cbor:"raw"`
}

// NewValue encodes v as canonical CBOR and tags it with the given type
// signature.
func NewValue(sig string, v interface{}) (*Value, error) {
	raw, err := canonicalCBOR.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("could not encode value: %w", err)
	}
	return &Value{Sig: sig, Raw: raw}, nil
}

// Decode decodes the value's raw bytes into v.
func (val *Value) Decode(v interface{}) error {
	if err := cbor.Unmarshal(val.Raw, v); err != nil {
		return fmt.Errorf("could not decode value: %w", err)
	}
	return nil
}

// Equal reports whether two values are structurally identical. Two nil
// values are equal; a nil and a non-nil value are never equal.
func (val *Value) Equal(other *Value) bool {
	if val == nil || other == nil {
		return val == other
	}
	return val.Sig == other.Sig && bytes.Equal(val.Raw, other.Raw)
}

func (val *Value) String() string {
	if val == nil {
		return "<reset>"
	}
	return fmt.Sprintf("%s:%x", val.Sig, []byte(val.Raw))
}
