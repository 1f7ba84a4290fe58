package sdk

import (
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// Observer is the capability every subscriber has. Callbacks run on the
// SDK's event goroutine; implementations that touch their own state must
// hop to their own context first and must not block.
type Observer interface {
	ErrorOccurred(err error, sdk SDK)
}

// CentralObserver receives Central-role progress.
type CentralObserver interface {
	Observer
	// DeviceDiscovered fires once a Peripheral is connected and its question
	// and answer characteristics are known.
	DeviceDiscovered(device *PeripheralDevice)
	QuestionAskedOfDevice(device *PeripheralDevice)
	QuestionAnsweredByDevice(device *PeripheralDevice)
}

// PeripheralObserver receives Peripheral-role progress.
type PeripheralObserver interface {
	Observer
	QuestionAskedByDevice(device *CentralDevice)
	AnswerSentToDevice(device *CentralDevice)
}

type observerEntry struct {
	id       uuid.UUID
	observer Observer
}

// observerRegistry holds subscribers in registration order. Identity is
// interface equality, so observers must be comparable (pointers usually).
type observerRegistry struct {
	mu      sync.Mutex
	entries []observerEntry
}

func isComparable(o Observer) bool {
	return o != nil && reflect.TypeOf(o).Comparable()
}

func (r *observerRegistry) indexOf(o Observer) int {
	for i, e := range r.entries {
		if e.observer == o {
			return i
		}
	}
	return -1
}

// add returns a fresh id, or false when o is already registered or cannot
// be compared.
func (r *observerRegistry) add(o Observer) (uuid.UUID, bool) {
	if !isComparable(o) {
		return uuid.Nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexOf(o) >= 0 {
		return uuid.Nil, false
	}
	id := uuid.New()
	r.entries = append(r.entries, observerEntry{id: id, observer: o})
	return id, true
}

func (r *observerRegistry) remove(o Observer) {
	if !isComparable(o) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexOf(o); i >= 0 {
		r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
	}
}

func (r *observerRegistry) removeID(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.id == id {
			r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
			return
		}
	}
}

func (r *observerRegistry) contains(o Observer) bool {
	if !isComparable(o) {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.indexOf(o) >= 0
}

func (r *observerRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// snapshot lets callbacks add or remove observers while a fan-out is running.
func (r *observerRegistry) snapshot() []Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Observer, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.observer
	}
	return out
}

func (r *observerRegistry) notifyError(err error, sdk SDK) {
	for _, o := range r.snapshot() {
		o.ErrorOccurred(err, sdk)
	}
}

func (r *observerRegistry) notifyCentral(fn func(CentralObserver)) {
	for _, o := range r.snapshot() {
		if co, ok := o.(CentralObserver); ok {
			fn(co)
		}
	}
}

func (r *observerRegistry) notifyPeripheral(fn func(PeripheralObserver)) {
	for _, o := range r.snapshot() {
		if po, ok := o.(PeripheralObserver); ok {
			fn(po)
		}
	}
}
