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
	"github.com/dconf-go/dconf/keypath"
	"github.com/dconf-go/dconf/transport"
)

// signalHandler returns the callback bound to this engine for every
// Notify/WritabilityNotify subscription it establishes (§4.7.9). Malformed
// or unrecognised signals are dropped silently: a writer on a shared bus
// may emit signals no engine in this process has any business reacting to.
func (e *Engine) signalHandler() transport.SignalHandler {
	return func(sig transport.Signal) {
		switch sig.Name {
		case "Notify":
			e.handleNotify(sig)
		case "WritabilityNotify":
			e.handleWritabilityNotify(sig)
		}
	}
}

// handleNotify decodes a Notify signal's (prefix, changes, tag) body,
// discards it unless prefix and changes together form a well-formed
// notification shape (§4.7.9: prefix must be a path; a key prefix requires
// changes == [""]; a dir prefix requires every change to be a valid
// relative path), and otherwise delivers it — unless tag matches the last
// change this engine itself queued through the write queue, in which case
// the optimistic notification already shown to the consumer stands in for
// it.
func (e *Engine) handleNotify(sig transport.Signal) {
	prefix, changes, tag, ok := decodeNotifyBody(sig.Body)
	if !ok || !validNotifyShape(prefix, changes) {
		return
	}

	if tag != "" {
		e.queueMu.Lock()
		handled := e.lastHandled != nil && *e.lastHandled == tag
		e.queueMu.Unlock()
		if handled {
			return
		}
	}

	t := tag
	e.emitDescribed(prefix, changes, nil, &t, nil, false)
}

// handleWritabilityNotify decodes a WritabilityNotify signal's single path
// argument and, if it is a well-formed path (§4.7.9), delivers a
// writability notification with changes [""] and an empty tag.
func (e *Engine) handleWritabilityNotify(sig transport.Signal) {
	path, ok := decodeWritabilityBody(sig.Body)
	if !ok || !keypath.IsPath(path) {
		return
	}
	empty := ""
	e.emitDescribed(path, []string{""}, nil, &empty, nil, true)
}

// decodeNotifyBody unpacks a Notify signal's (prefix string, changes
// []string, tag string) body.
func decodeNotifyBody(body []interface{}) (prefix string, changes []string, tag string, ok bool) {
	if len(body) < 2 {
		return "", nil, "", false
	}
	prefix, ok = body[0].(string)
	if !ok {
		return "", nil, "", false
	}
	switch raw := body[1].(type) {
	case []string:
		changes = raw
	case []interface{}:
		changes = make([]string, 0, len(raw))
		for _, v := range raw {
			s, ok := v.(string)
			if !ok {
				return "", nil, "", false
			}
			changes = append(changes, s)
		}
	default:
		return "", nil, "", false
	}
	if len(body) >= 3 {
		tag, _ = body[2].(string)
	}
	return prefix, changes, tag, true
}

// decodeWritabilityBody unpacks a WritabilityNotify signal's single path
// argument.
func decodeWritabilityBody(body []interface{}) (path string, ok bool) {
	if len(body) < 1 {
		return "", false
	}
	path, ok = body[0].(string)
	return path, ok
}

// validNotifyShape applies §4.7.9's Notify validation: prefix must be a
// well-formed path; if it is a key, changes must be exactly [""]; if it is
// a dir, every change must be a well-formed relative path.
func validNotifyShape(prefix string, changes []string) bool {
	if !keypath.IsPath(prefix) {
		return false
	}
	if keypath.IsKey(prefix) {
		return len(changes) == 1 && changes[0] == ""
	}
	for _, c := range changes {
		if keypath.ValidateRelPath(c) != nil {
			return false
		}
	}
	return true
}
