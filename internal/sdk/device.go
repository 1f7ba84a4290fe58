package sdk

import (
	"sync"

	"github.com/chaz8081/magic8ball/internal/ble"
)

// Device is the part of a peer record both roles share.
type Device interface {
	ID() ble.PeerID
	Name() string
	Err() error
	IsSameDeviceAs(other Device) bool
}

// Phase is where a device's session currently stands.
type Phase int

const (
	PhaseIdle Phase = iota

	// Central side, driving a Peripheral.
	PhaseConnecting
	PhaseDiscoveringServices
	PhaseDiscoveringCharacteristics
	PhaseReady
	PhaseAwaitingSubscriptionAck
	PhaseSending
	PhaseAwaitingAnswer
	PhaseAnswered
	PhaseTimedOut
	PhaseFailed
	PhaseDisconnected

	// Peripheral side, serving a Central.
	PhaseSubscribed
	PhaseQuestionReceived
	PhaseAnswering
	PhaseAnswerSent
)

var phaseNames = [...]string{
	PhaseIdle:                       "idle",
	PhaseConnecting:                 "connecting",
	PhaseDiscoveringServices:        "discovering services",
	PhaseDiscoveringCharacteristics: "discovering characteristics",
	PhaseReady:                      "ready",
	PhaseAwaitingSubscriptionAck:    "awaiting subscription ack",
	PhaseSending:                    "sending",
	PhaseAwaitingAnswer:             "awaiting answer",
	PhaseAnswered:                   "answered",
	PhaseTimedOut:                   "timed out",
	PhaseFailed:                     "failed",
	PhaseDisconnected:               "disconnected",
	PhaseSubscribed:                 "subscribed",
	PhaseQuestionReceived:           "question received",
	PhaseAnswering:                  "answering",
	PhaseAnswerSent:                 "answer sent",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

type deviceBase struct {
	peer ble.Peer

	mu    sync.Mutex
	name  string
	err   error
	phase Phase
}

// ID is the transport's identifier for the peer.
func (d *deviceBase) ID() ble.PeerID { return d.peer.ID() }

// Name returns the cached name, asking the peer the first time.
func (d *deviceBase) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.name == "" {
		d.name = d.peer.Name()
	}
	return d.name
}

// Err is the last error recorded against this device.
func (d *deviceBase) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *deviceBase) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// IsSameDeviceAs compares identity only.
func (d *deviceBase) IsSameDeviceAs(other Device) bool {
	return other != nil && d.ID() == other.ID()
}

// Phase reports the session state.
func (d *deviceBase) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

func (d *deviceBase) setPhase(p Phase) {
	d.mu.Lock()
	d.phase = p
	d.mu.Unlock()
}

// PeripheralDevice is a Peripheral as seen by a Central.
type PeripheralDevice struct {
	deviceBase
	owner *Central

	// guarded by deviceBase.mu
	question string
	answer   string

	// touched only on the owner's event loop
	inflight *inflightQuestion
	lateAck  bool // answer arrived before the write ack
}

var _ Device = (*PeripheralDevice)(nil)

func newPeripheralDevice(owner *Central, peer ble.Peer, name string) *PeripheralDevice {
	d := &PeripheralDevice{owner: owner}
	d.peer = peer
	d.name = name
	return d
}

// Question is the last question the Peripheral confirmed receiving, or "".
func (d *PeripheralDevice) Question() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.question
}

// Answer is the last answer received, or "".
func (d *PeripheralDevice) Answer() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.answer
}

// SendQuestion asks the Peripheral a question. It returns immediately; the
// outcome arrives on the owner's observers.
func (d *PeripheralDevice) SendQuestion(text string) {
	d.owner.SendQuestion(d, text)
}

func (d *PeripheralDevice) setQuestion(q string) {
	d.mu.Lock()
	d.question = q
	d.mu.Unlock()
	d.owner.observers.notifyCentral(func(o CentralObserver) { o.QuestionAskedOfDevice(d) })
}

func (d *PeripheralDevice) setAnswer(a string) {
	d.mu.Lock()
	d.answer = a
	d.mu.Unlock()
	d.owner.observers.notifyCentral(func(o CentralObserver) { o.QuestionAnsweredByDevice(d) })
}

// clearExchange resets question and answer without notifying anyone.
func (d *PeripheralDevice) clearExchange() {
	d.mu.Lock()
	d.question = ""
	d.answer = ""
	d.mu.Unlock()
}

// CentralDevice is a Central as seen by a Peripheral.
type CentralDevice struct {
	deviceBase
	owner *Peripheral

	// guarded by deviceBase.mu
	question string
	answer   string

	// touched only on the owner's event loop
	subscribed bool
	held       string
	parked     *parkedAnswer
}

var _ Device = (*CentralDevice)(nil)

type parkedAnswer struct {
	answer   string
	question string
}

func newCentralDevice(owner *Peripheral, peer ble.Peer) *CentralDevice {
	d := &CentralDevice{owner: owner}
	d.peer = peer
	return d
}

// Question is the last question this Central asked, or "".
func (d *CentralDevice) Question() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.question
}

// Answer is the last answer delivered to this Central, or "".
func (d *CentralDevice) Answer() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.answer
}

// SendAnswer answers question. The result arrives on the owner's observers.
func (d *CentralDevice) SendAnswer(answer, question string) {
	d.owner.SendAnswer(answer, question)
}

// RejectConnectionBecause declines the current interaction.
func (d *CentralDevice) RejectConnectionBecause(reason Reason) {
	d.owner.RejectConnectionBecause(reason)
}

func (d *CentralDevice) setQuestion(q string) {
	d.mu.Lock()
	d.question = q
	d.mu.Unlock()
	d.owner.observers.notifyPeripheral(func(o PeripheralObserver) { o.QuestionAskedByDevice(d) })
}

func (d *CentralDevice) setAnswer(a string) {
	d.mu.Lock()
	d.answer = a
	d.mu.Unlock()
	d.owner.observers.notifyPeripheral(func(o PeripheralObserver) { o.AnswerSentToDevice(d) })
}
