// Package sdk is the Magic 8-Ball session layer. A Central discovers
// Peripherals and asks them questions; a Peripheral advertises, accepts one
// question at a time and sends back an answer. Progress and failures are
// reported to registered observers.
//
// Every transport callback, timer and API call is funneled through one
// event goroutine per instance, so session state needs no further locking.
package sdk

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/magic8ball/internal/ble"
	"github.com/chaz8081/magic8ball/internal/serial"
)

// Defaults for Options fields left zero.
const (
	DefaultQuestionTimeout = 2 * time.Second
	DefaultRSSIMin         = -60
	DefaultRSSIMax         = -20
	DefaultLocalName       = "Magic8Ball"
)

// Role selects which half of the protocol an instance runs.
type Role int

const (
	RoleCentral Role = iota
	RolePeripheral
)

func (r Role) String() string {
	switch r {
	case RoleCentral:
		return "central"
	case RolePeripheral:
		return "peripheral"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// Options tunes an instance.
type Options struct {
	// LocalName is advertised by a Peripheral.
	LocalName string
	// QuestionTimeout bounds how long a Central waits for the write ack.
	QuestionTimeout time.Duration
	// RSSIMin and RSSIMax bound the signal strengths a Central accepts.
	// Both zero selects the defaults.
	RSSIMin, RSSIMax int
	Logger           *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.LocalName == "" {
		o.LocalName = DefaultLocalName
	}
	if o.QuestionTimeout <= 0 {
		o.QuestionTimeout = DefaultQuestionTimeout
	}
	if o.RSSIMin == 0 && o.RSSIMax == 0 {
		o.RSSIMin, o.RSSIMax = DefaultRSSIMin, DefaultRSSIMax
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// SDK is what both roles expose.
type SDK interface {
	Role() Role
	// AddObserver registers o and returns its id, or false if o is already
	// registered.
	AddObserver(o Observer) (uuid.UUID, bool)
	RemoveObserver(o Observer)
	// RemoveObserverID removes the observer AddObserver returned id for.
	RemoveObserverID(id uuid.UUID)
	IsObserving(o Observer) bool
	LocalName() string
	SetLocalName(name string)
	// PoweredOn reports whether the radio last said it was powered on.
	PoweredOn() bool
	// Err is the last error reported to observers.
	Err() error
	// Close stops the transport and the event loop. It must not be called
	// from an observer callback.
	Close() error
}

// CreateInstance builds the requested role on radio. It fails when the radio
// cannot provide that role.
func CreateInstance(role Role, radio ble.Radio, opts Options) (SDK, error) {
	switch role {
	case RoleCentral:
		return NewCentral(radio, opts)
	case RolePeripheral:
		return NewPeripheral(radio, opts)
	default:
		return nil, fmt.Errorf("sdk: unknown role %d", int(role))
	}
}

// base holds what both roles share.
type base struct {
	role      Role
	self      SDK
	loop      *serial.Queue
	observers observerRegistry
	logger    *slog.Logger

	mu        sync.Mutex
	localName string
	poweredOn bool
	lastErr   error
	closed    bool
}

func (b *base) init(role Role, self SDK, opts Options) {
	b.role = role
	b.self = self
	b.loop = serial.NewQueue()
	b.logger = opts.Logger
	b.localName = opts.LocalName
}

func (b *base) Role() Role { return b.role }

func (b *base) AddObserver(o Observer) (uuid.UUID, bool) { return b.observers.add(o) }

func (b *base) RemoveObserver(o Observer) { b.observers.remove(o) }

// RemoveObserverID removes the observer registered under id.
func (b *base) RemoveObserverID(id uuid.UUID) { b.observers.removeID(id) }

func (b *base) IsObserving(o Observer) bool { return b.observers.contains(o) }

func (b *base) LocalName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.localName
}

func (b *base) PoweredOn() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.poweredOn
}

func (b *base) setPoweredOn(on bool) {
	b.mu.Lock()
	b.poweredOn = on
	b.mu.Unlock()
}

func (b *base) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// post runs fn on the event loop. It drops fn once the instance is closed.
func (b *base) post(fn func()) {
	if !b.loop.Post(fn) {
		b.logger.Debug("[SDK] event dropped after close", "role", b.role)
	}
}

// markClosed returns false if the instance was already closed.
func (b *base) markClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.closed = true
	return true
}

// report records err and fans it out. Runs on the event loop.
func (b *base) report(err error) {
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
	b.logger.Warn("[SDK] error", "role", b.role, "error", err, "slug", Slug(err))
	b.observers.notifyError(err, b.self)
}

// Slug returns the most specific localization slug for an error delivered
// to observers: the rejection reason if there is one, else the kind.
func Slug(err error) string {
	if r, ok := RejectionOf(err); ok {
		return r.Reason.Slug()
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.Slug()
	}
	return KindUnknown.Slug()
}
