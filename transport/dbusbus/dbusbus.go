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

// Package dbusbus implements transport.Transport over a real D-Bus
// connection via github.com/godbus/dbus/v5 (§6).
package dbusbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/dconf-go/dconf/transport"
)

// Bus adapts a godbus connection to transport.Transport. One Bus owns one
// goroutine draining the connection's signal channel and fanning it out to
// subscribers; callers never touch the underlying *dbus.Conn directly.
type Bus struct {
	log  zerolog.Logger
	conn *dbus.Conn

	mu   sync.Mutex
	subs map[subKey][]*registration

	signals chan *dbus.Signal
	done    chan struct{}
}

type subKey struct {
	objectPath, iface, member string
}

// registration pairs a signal handler with the path it watches, so deliver
// can apply the same arg0path overlap filter a real match rule enforces.
// handler is nilled out (rather than spliced from the slice) on cancel, to
// keep the index stable for concurrent cancels.
type registration struct {
	path    string
	handler transport.SignalHandler
}

// Session connects to the session bus, matching where a per-user dconf
// writer is addressed.
func Session(log zerolog.Logger) (*Bus, error) {
	conn, err := dbus.SessionBusPrivate()
	if err != nil {
		return nil, fmt.Errorf("could not connect to session bus: %w", err)
	}
	return newBus(log, conn)
}

// System connects to the system bus, matching where system-db writers are
// addressed.
func System(log zerolog.Logger) (*Bus, error) {
	conn, err := dbus.SystemBusPrivate()
	if err != nil {
		return nil, fmt.Errorf("could not connect to system bus: %w", err)
	}
	return newBus(log, conn)
}

func newBus(log zerolog.Logger, conn *dbus.Conn) (*Bus, error) {
	if err := conn.Auth(nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not authenticate to bus: %w", err)
	}
	if err := conn.Hello(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not complete bus hello: %w", err)
	}

	b := &Bus{
		log:     log.With().Str("component", "dbusbus").Logger(),
		conn:    conn,
		subs:    make(map[subKey][]*registration),
		signals: make(chan *dbus.Signal, 64),
		done:    make(chan struct{}),
	}
	conn.Signal(b.signals)
	go b.dispatch()
	return b, nil
}

// Close shuts the bus connection down and stops the signal dispatcher.
func (b *Bus) Close() error {
	close(b.done)
	return b.conn.Close()
}

func (b *Bus) CallSync(ctx context.Context, busName, objectPath, iface, method string, args []interface{}, out ...interface{}) error {
	call := b.conn.Object(busName, dbus.ObjectPath(objectPath)).CallWithContext(ctx, iface+"."+method, 0, args...)
	if call.Err != nil {
		return fmt.Errorf("dbus call %s.%s failed: %w", iface, method, call.Err)
	}
	if len(out) == 0 {
		return nil
	}
	if err := call.Store(out...); err != nil {
		return fmt.Errorf("could not decode dbus reply for %s.%s: %w", iface, method, err)
	}
	return nil
}

// asyncCall wraps dbus.Call to satisfy transport.Call.
type asyncCall struct {
	call *dbus.Call
	done chan struct{}
}

func (c *asyncCall) Done() <-chan struct{} { return c.done }

func (c *asyncCall) Store(out ...interface{}) error {
	<-c.done
	if c.call.Err != nil {
		return c.call.Err
	}
	if len(out) == 0 {
		return nil
	}
	return c.call.Store(out...)
}

func (c *asyncCall) Err() error {
	<-c.done
	return c.call.Err
}

func (b *Bus) CallAsync(ctx context.Context, busName, objectPath, iface, method string, args []interface{}) transport.Call {
	replyCh := make(chan *dbus.Call, 1)
	obj := b.conn.Object(busName, dbus.ObjectPath(objectPath))
	call := obj.GoWithContext(ctx, iface+"."+method, 0, replyCh, args...)

	done := make(chan struct{})
	go func() {
		<-replyCh
		close(done)
	}()
	return &asyncCall{call: call, done: done}
}

func (b *Bus) Subscribe(objectPath, iface, member, path string, handler transport.SignalHandler) (func(), error) {
	rule := fmt.Sprintf("type='signal',interface='%s',path='%s',member='%s',arg0path='%s'", iface, objectPath, member, path)
	if err := b.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
		return nil, fmt.Errorf("could not add match rule: %w", err)
	}

	key := subKey{objectPath, iface, member}
	reg := &registration{path: path, handler: handler}
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], reg)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		reg.handler = nil
		b.mu.Unlock()
		_ = b.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule).Err
	}
	return cancel, nil
}

func (b *Bus) dispatch() {
	for {
		select {
		case <-b.done:
			return
		case sig, ok := <-b.signals:
			if !ok {
				return
			}
			b.deliver(sig)
		}
	}
}

func (b *Bus) deliver(sig *dbus.Signal) {
	iface, member := splitInterfaceMember(sig.Name)
	key := subKey{string(sig.Path), iface, member}

	b.mu.Lock()
	regs := append([]*registration(nil), b.subs[key]...)
	b.mu.Unlock()

	if len(regs) == 0 {
		return
	}

	// The real bus already enforces each registration's arg0path match
	// rule; this mirrors that filter defensively in case two watches on
	// the same objectPath/member share one underlying dbus subscription.
	arg0, ok := firstArg(sig.Body)

	out := transport.Signal{
		Sender:     sig.Sender,
		ObjectPath: string(sig.Path),
		Interface:  iface,
		Name:       member,
		Body:       sig.Body,
	}
	for _, reg := range regs {
		if reg.handler != nil && ok && transport.PathsOverlap(reg.path, arg0) {
			reg.handler(out)
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

// splitInterfaceMember splits godbus's "iface.Member" signal name back
// into its two parts.
func splitInterfaceMember(name string) (string, string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return "", name
}
