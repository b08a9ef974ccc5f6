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

// Package transport declares the message-bus facade the engine and source
// kinds use to reach the dconf service and writer, and to receive their
// change-notification signals (§6). Two implementations satisfy it:
// transport/dbusbus (a real D-Bus session/system bus) and
// transport/transporttest (an in-memory double for tests and as a safe null
// bus when no writer is reachable).
package transport

import (
	"context"
	"strings"
)

// Signal is one change-notification message received off the bus, shaped
// after the dconf Notify/WritabilityNotify signals (§6).
type Signal struct {
	Sender     string
	ObjectPath string
	Interface  string
	Name       string
	Body       []interface{}
}

// SignalHandler is invoked for every Signal matching a subscription. It must
// not block for long; slow handling should hand off to its own goroutine.
type SignalHandler func(Signal)

// Transport is the bus facade the engine and source kinds depend on. All
// methods must be safe for concurrent use.
type Transport interface {
	// CallSync makes a blocking method call and decodes the reply body into
	// out (which may be nil for calls with no return value).
	CallSync(ctx context.Context, busName, objectPath, iface, method string, args []interface{}, out ...interface{}) error

	// CallAsync starts a method call without waiting for its reply and
	// returns a handle that resolves once the reply (or an error) arrives.
	CallAsync(ctx context.Context, busName, objectPath, iface, method string, args []interface{}) Call

	// Subscribe registers handler for signals matching iface/member emitted
	// on objectPath, filtered to signals whose first body argument overlaps
	// path per PathsOverlap (the dconf match rule's arg0path clause, §4.6/
	// §4.7.7). Returns a function that cancels the subscription.
	Subscribe(objectPath, iface, member, path string, handler SignalHandler) (cancel func(), err error)
}

// PathsOverlap reports whether a and b overlap under the same rule a D-Bus
// arg0path match uses: equal, or one is a directory prefix of the other
// once given an implicit trailing '/'. It is exported so every
// Transport implementation applies the identical filter, whether enforced
// by a real match rule or emulated client-side by a test double.
func PathsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	ad, bd := a, b
	if !strings.HasSuffix(ad, "/") {
		ad += "/"
	}
	if !strings.HasSuffix(bd, "/") {
		bd += "/"
	}
	return strings.HasPrefix(b, ad) || strings.HasPrefix(a, bd)
}

// Call is a pending or completed asynchronous method call.
type Call interface {
	// Done returns a channel that is closed once the call completes.
	Done() <-chan struct{}
	// Store decodes the reply body into out; valid only after Done closes.
	Store(out ...interface{}) error
	// Err returns the call's error, if any; valid only after Done closes.
	Err() error
}
