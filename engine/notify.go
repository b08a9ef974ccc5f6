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

package engine

import (
	"github.com/google/uuid"

	"github.com/dconf-go/dconf/changeset"
)

// NewOriginTag generates a fresh, unique tag a caller can pass to
// ChangeFast so it can recognise the optimistic notification for its own
// change (Notification.OriginTag) without risking collision with a tag
// some other caller might choose.
func NewOriginTag() string {
	return uuid.NewString()
}

// emitDescribed turns a changeset's Describe() triple into one
// Notification and delivers it to the consumer. It is the single funnel
// every change notification passes through, whether it originates from an
// optimistic change_fast, a compensating rollback after a failed in-flight
// write, or an authoritative Notify signal relayed from the bus.
func (e *Engine) emitDescribed(prefix string, relPaths []string, relValues []*changeset.Value, tag, originTag *string, isWritability bool) {
	changes := make([]string, len(relPaths))
	copy(changes, relPaths)
	e.deliver(Notification{
		Prefix:        prefix,
		Changes:       changes,
		Tag:           tag,
		IsWritability: isWritability,
		OriginTag:     originTag,
	})
}
