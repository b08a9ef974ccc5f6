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

// Package transporttest implements an in-memory transport.Transport double.
// It records every call it receives, lets test code complete asynchronous
// calls on its own schedule (to exercise the write queue's pending/in-flight
// handoff deterministically), and lets test code inject signals as if they
// arrived off a real bus. It is also safe to use in production as a "null"
// bus for profiles with no bussed sources: every sync call fails with an
// error, async calls stay pending until Complete resolves them, and
// subscribed handlers only ever see signals injected with Emit.
package transporttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/dconf-go/dconf/transport"
)

// Call is one recorded method call, sync or async.
type Call struct {
	BusName    string
	ObjectPath string
	Interface  string
	Method     string
	Args       []interface{}
}

// SyncHandler answers a synchronous call. The default (nil) handler fails
// every call, matching the "null bus" behaviour for sourceless profiles.
type SyncHandler func(ctx context.Context, call Call) ([]interface{}, error)

// Bus is the in-memory transport.Transport double.
type Bus struct {
	mu sync.Mutex

	sync func(ctx context.Context, call Call) ([]interface{}, error)

	asyncCalls []*pendingCall

	subs   map[subKey][]*registration
	nextID int
}

type subKey struct {
	objectPath, iface, member string
}

// registration pairs a signal handler with the path it watches, so Emit can
// apply the same arg0path overlap filter a real bus match rule would
// enforce. handler is nilled out (not spliced) on cancel, keeping the index
// stable for concurrent cancels.
type registration struct {
	path    string
	handler transport.SignalHandler
}

// New returns an empty Bus. Every sync call fails and every async call
// blocks until completed with Complete, until a handler is set with
// SetSyncHandler.
func New() *Bus {
	return &Bus{subs: make(map[subKey][]*registration)}
}

// SetSyncHandler installs the function CallSync delegates to.
func (b *Bus) SetSyncHandler(h SyncHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sync = h
}

func (b *Bus) CallSync(ctx context.Context, busName, objectPath, iface, method string, args []interface{}, out ...interface{}) error {
	b.mu.Lock()
	h := b.sync
	b.mu.Unlock()

	call := Call{BusName: busName, ObjectPath: objectPath, Interface: iface, Method: method, Args: args}
	if h == nil {
		return fmt.Errorf("transporttest: no handler installed for %s.%s", iface, method)
	}
	reply, err := h(ctx, call)
	if err != nil {
		return err
	}
	return storeReply(reply, out)
}

// pendingCall is an async call awaiting completion by test code.
type pendingCall struct {
	call Call
	done chan struct{}
	reply []interface{}
	err   error
}

func (p *pendingCall) Done() <-chan struct{} { return p.done }

func (p *pendingCall) Store(out ...interface{}) error {
	<-p.done
	return storeReply(p.reply, out)
}

func (p *pendingCall) Err() error {
	<-p.done
	return p.err
}

func (b *Bus) CallAsync(ctx context.Context, busName, objectPath, iface, method string, args []interface{}) transport.Call {
	p := &pendingCall{
		call: Call{BusName: busName, ObjectPath: objectPath, Interface: iface, Method: method, Args: args},
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.asyncCalls = append(b.asyncCalls, p)
	b.mu.Unlock()
	return p
}

func (b *Bus) Subscribe(objectPath, iface, member, path string, handler transport.SignalHandler) (func(), error) {
	key := subKey{objectPath, iface, member}
	reg := &registration{path: path, handler: handler}

	b.mu.Lock()
	b.subs[key] = append(b.subs[key], reg)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		reg.handler = nil
	}
	return cancel, nil
}

// Emit dispatches sig to every handler subscribed to its object path,
// interface and name whose watched path overlaps sig's first body argument
// (transport.PathsOverlap), simulating the arg0path filter a real match
// rule would enforce. A signal with no string first argument matches
// nothing, same as a real bus would never deliver it past such a rule.
func (b *Bus) Emit(sig transport.Signal) {
	key := subKey{sig.ObjectPath, sig.Interface, sig.Name}

	b.mu.Lock()
	regs := append([]*registration(nil), b.subs[key]...)
	b.mu.Unlock()

	arg0, ok := firstArg(sig.Body)
	if !ok {
		return
	}
	for _, reg := range regs {
		if reg.handler != nil && transport.PathsOverlap(reg.path, arg0) {
			reg.handler(sig)
		}
	}
}

func firstArg(body []interface{}) (string, bool) {
	if len(body) == 0 {
		return "", false
	}
	s, ok := body[0].(string)
	return s, ok
}

// AsyncCalls returns a snapshot of every async call recorded so far, in
// the order CallAsync was invoked.
func (b *Bus) AsyncCalls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Call, len(b.asyncCalls))
	for i, p := range b.asyncCalls {
		out[i] = p.call
	}
	return out
}

// Complete resolves the i'th async call (0-indexed, in CallAsync order)
// with the given reply and error, unblocking anything waiting on its Call.
func (b *Bus) Complete(i int, err error, reply ...interface{}) {
	b.mu.Lock()
	p := b.asyncCalls[i]
	b.mu.Unlock()

	p.reply = reply
	p.err = err
	close(p.done)
}

func storeReply(reply []interface{}, out []interface{}) error {
	if len(out) == 0 {
		return nil
	}
	if len(reply) < len(out) {
		return fmt.Errorf("transporttest: reply has %d values, %d requested", len(reply), len(out))
	}
	for i, o := range out {
		switch dst := o.(type) {
		case *string:
			s, ok := reply[i].(string)
			if !ok {
				return fmt.Errorf("transporttest: reply[%d] is not a string", i)
			}
			*dst = s
		case *[]interface{}:
			*dst = reply[i].([]interface{})
		default:
			return fmt.Errorf("transporttest: unsupported reply target type %T", o)
		}
	}
	return nil
}
