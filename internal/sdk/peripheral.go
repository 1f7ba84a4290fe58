package sdk

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chaz8081/magic8ball/internal/ble"
	"github.com/chaz8081/magic8ball/internal/ble/protocol"
)

var (
	errNoCentral     = errors.New("no central connected")
	errNotSubscribed = errors.New("central is not subscribed to answers")
)

// profile is the service a Peripheral publishes.
var profile = ble.ServiceConfig{
	UUID: ble.ServiceUUID,
	Characteristics: []ble.CharacteristicConfig{
		{UUID: ble.QuestionCharUUID, Props: ble.PropWrite},
		{UUID: ble.AnswerCharUUID, Props: ble.PropRead | ble.PropNotify},
	},
}

// Peripheral advertises the Magic 8-Ball service and serves one Central at
// a time. Questions are surfaced through QuestionAskedByDevice; answering
// them is up to the caller.
type Peripheral struct {
	base
	transport ble.PeripheralTransport

	// inBand is set when the stack acks every write itself, so
	// rejections go out as notifications instead.
	inBand bool

	devMu   sync.Mutex
	central *CentralDevice

	// guarded by base.mu
	advertising bool
}

var _ SDK = (*Peripheral)(nil)

// NewPeripheral starts a Peripheral on radio. The service is published and
// advertised once the radio reports powered on.
func NewPeripheral(radio ble.Radio, opts Options) (*Peripheral, error) {
	opts = opts.withDefaults()
	t, err := radio.Peripheral()
	if err != nil {
		return nil, fmt.Errorf("sdk: peripheral role unavailable: %w", err)
	}

	p := &Peripheral{transport: t}
	if a, ok := t.(ble.WriteAcker); ok {
		p.inBand = a.AcksEveryWrite()
	}
	p.init(RolePeripheral, p, opts)
	t.SetHandler(peripheralEvents{p})
	if err := t.Start(); err != nil {
		p.loop.Close()
		return nil, fmt.Errorf("sdk: start peripheral: %w", err)
	}
	p.logger.Info("[PERIPHERAL] started", "local_name", opts.LocalName)
	return p, nil
}

// Central returns the Central currently being served, or nil.
func (p *Peripheral) Central() *CentralDevice {
	p.devMu.Lock()
	defer p.devMu.Unlock()
	return p.central
}

// Advertising reports whether the service is being advertised.
func (p *Peripheral) Advertising() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.advertising
}

func (p *Peripheral) setAdvertising(on bool) {
	p.mu.Lock()
	p.advertising = on
	p.mu.Unlock()
}

// SetLocalName changes the advertised name, restarting advertising if it
// is running.
func (p *Peripheral) SetLocalName(name string) {
	p.mu.Lock()
	p.localName = name
	p.mu.Unlock()
	p.post(func() {
		if !p.Advertising() {
			return
		}
		if err := p.transport.StopAdvertising(); err != nil {
			p.logger.Warn("[PERIPHERAL] stop advertising failed", "error", err)
		}
		p.advertise()
	})
}

// SendAnswer sends answer to the current Central. If the Central has not
// subscribed yet the answer waits until it does. The outcome arrives as
// AnswerSentToDevice or ErrorOccurred.
func (p *Peripheral) SendAnswer(answer, question string) {
	p.post(func() { p.sendAnswer(answer, question) })
}

// RejectConnectionBecause declines the current interaction. Observers get a
// transport-kind error wrapping a Rejection with reason.
func (p *Peripheral) RejectConnectionBecause(reason Reason) {
	p.post(func() { p.rejectConnection(reason) })
}

// Close stops advertising, the transport and the event loop.
func (p *Peripheral) Close() error {
	if !p.markClosed() {
		return nil
	}
	err := p.transport.Close()
	p.loop.Close()
	p.setAdvertising(false)
	p.logger.Info("[PERIPHERAL] closed")
	if err != nil {
		return fmt.Errorf("sdk: close peripheral: %w", err)
	}
	return nil
}

// The methods below run on the event loop.

func (p *Peripheral) stateChanged(state ble.ManagerState) {
	if state != ble.StatePoweredOn {
		p.setPoweredOn(false)
		p.setAdvertising(false)
		p.report(transportError(fmt.Errorf("radio is %s", state)))
		return
	}
	p.setPoweredOn(true)

	if err := p.transport.RemoveAllServices(); err != nil {
		p.logger.Warn("[PERIPHERAL] remove services failed", "error", err)
	}
	if err := p.transport.AddService(profile); err != nil {
		p.report(transportError(err))
		return
	}
	p.advertise()
}

func (p *Peripheral) advertise() {
	name := p.LocalName()
	if err := p.transport.StartAdvertising(name, []string{ble.ServiceUUID}); err != nil {
		p.setAdvertising(false)
		p.report(transportError(err))
		return
	}
	p.setAdvertising(true)
	p.logger.Info("[PERIPHERAL] advertising", "local_name", name)
}

// centralFor returns the record for peer, creating it if no other Central
// is mid-interaction. It returns nil for a second Central while the first
// is still being served.
func (p *Peripheral) centralFor(peer ble.Peer) *CentralDevice {
	p.devMu.Lock()
	defer p.devMu.Unlock()
	cur := p.central
	if cur != nil && cur.ID() == peer.ID() {
		return cur
	}
	if cur != nil && (cur.subscribed || cur.held != "") {
		return nil
	}
	p.central = newCentralDevice(p, peer)
	p.logger.Info("[PERIPHERAL] central connected", "peer", peer.ID())
	return p.central
}

func (p *Peripheral) writeRequests(reqs []ble.WriteRequest) {
	if len(reqs) != 1 {
		p.logger.Info("[PERIPHERAL] rejecting write batch", "count", len(reqs))
		for _, r := range reqs {
			p.refuse(r, ble.ATTUnlikelyError, ReasonPeripheralError)
		}
		return
	}
	req := reqs[0]
	if !ble.SameUUID(req.CharUUID, ble.QuestionCharUUID) {
		p.refuse(req, ble.ATTWriteNotPermitted, ReasonPeripheralError)
		return
	}
	text, err := protocol.DecodeQuestion(req.Value)
	if err != nil {
		p.logger.Info("[PERIPHERAL] rejecting question", "peer", req.Central.ID(), "reason", err)
		p.refuse(req, ble.ATTUnlikelyError, ReasonQuestionPlease)
		return
	}
	d := p.centralFor(req.Central)
	if d == nil {
		p.logger.Info("[PERIPHERAL] busy with another central", "peer", req.Central.ID())
		p.refuse(req, ble.ATTWriteNotPermitted, ReasonDeviceBusy)
		return
	}

	d.held = text
	if !p.respond(req, nil) {
		d.held = ""
		return
	}
	if !d.subscribed {
		d.setPhase(PhaseQuestionReceived)
		return
	}
	d.setPhase(PhaseAnswering)
	d.setQuestion(text)
}

func (p *Peripheral) respond(req ble.WriteRequest, result error) bool {
	if err := p.transport.Respond(req, result); err != nil {
		p.report(transportError(err))
		return false
	}
	return true
}

// refuse answers req with att and, when the stack has already acked the
// write, notifies the writer of reason instead.
func (p *Peripheral) refuse(req ble.WriteRequest, att ble.ATTError, reason Reason) {
	if !p.respond(req, att) {
		return
	}
	if p.inBand {
		p.notifyRejection(req.Central, reason)
	}
}

func (p *Peripheral) notifyRejection(to ble.Peer, reason Reason) {
	value := protocol.EncodeRejection(byte(reason))
	if err := p.transport.UpdateValue(ble.AnswerCharUUID, value, []ble.Peer{to}); err != nil {
		p.logger.Debug("[PERIPHERAL] in-band rejection not delivered", "peer", to.ID(), "error", err)
	}
}

func (p *Peripheral) subscribed(peer ble.Peer, charUUID string) {
	if !ble.SameUUID(charUUID, ble.AnswerCharUUID) {
		return
	}
	d := p.centralFor(peer)
	if d == nil {
		p.logger.Info("[PERIPHERAL] ignoring subscription while busy", "peer", peer.ID())
		return
	}
	d.subscribed = true

	if pa := d.parked; pa != nil {
		d.parked = nil
		p.deliverAnswer(d, pa.answer, pa.question)
		return
	}
	if d.held == "" {
		d.setPhase(PhaseSubscribed)
		return
	}
	// The write beat the subscription.
	d.setPhase(PhaseAnswering)
	d.setQuestion(d.held)
}

func (p *Peripheral) unsubscribed(peer ble.Peer, charUUID string) {
	d := p.Central()
	if d == nil || d.ID() != peer.ID() || !ble.SameUUID(charUUID, ble.AnswerCharUUID) {
		return
	}
	d.subscribed = false
	if d.Phase() == PhaseSubscribed {
		d.setPhase(PhaseIdle)
	}
}

func (p *Peripheral) sendAnswer(answer, question string) {
	d := p.Central()
	if d == nil {
		p.report(sendFailed(reject(ReasonUnknown, errNoCentral)))
		return
	}
	if !d.subscribed {
		if d.held == "" {
			p.failDevice(d, sendFailed(reject(ReasonUnknown, errNotSubscribed)))
			return
		}
		p.logger.Debug("[PERIPHERAL] holding answer until central subscribes", "peer", d.ID())
		d.parked = &parkedAnswer{answer: answer, question: question}
		return
	}
	p.deliverAnswer(d, answer, question)
}

// deliverAnswer notifies the answer and clears the held question whatever
// the outcome.
func (p *Peripheral) deliverAnswer(d *CentralDevice, answer, question string) {
	d.held = ""
	value, err := protocol.EncodeAnswer(answer)
	if err != nil {
		d.setPhase(PhaseSubscribed)
		p.failDevice(d, sendFailed(reject(ReasonUnknown, err)))
		return
	}
	if err := p.transport.UpdateValue(ble.AnswerCharUUID, value, []ble.Peer{d.peer}); err != nil {
		d.setPhase(PhaseSubscribed)
		p.failDevice(d, sendFailed(err))
		return
	}
	d.setPhase(PhaseAnswerSent)
	p.logger.Info("[PERIPHERAL] answer sent", "peer", d.ID(), "question", question)
	d.setAnswer(answer)
}

func (p *Peripheral) rejectConnection(reason Reason) {
	err := transportError(reject(reason, nil))
	if d := p.Central(); d != nil {
		d.held = ""
		d.parked = nil
		if d.subscribed {
			// The write was acked, so the Central only learns of this in band.
			p.notifyRejection(d.peer, reason)
			d.setPhase(PhaseSubscribed)
		} else {
			d.setPhase(PhaseIdle)
		}
		d.setErr(err)
	}
	p.report(err)
}

func (p *Peripheral) failDevice(d *CentralDevice, err error) {
	d.setErr(err)
	p.report(err)
}

// peripheralEvents moves transport callbacks onto the event loop.
type peripheralEvents struct{ p *Peripheral }

var _ ble.PeripheralHandler = peripheralEvents{}

func (e peripheralEvents) StateChanged(state ble.ManagerState) {
	e.p.post(func() { e.p.stateChanged(state) })
}

func (e peripheralEvents) WriteRequests(reqs []ble.WriteRequest) {
	e.p.post(func() { e.p.writeRequests(reqs) })
}

func (e peripheralEvents) Subscribed(central ble.Peer, charUUID string) {
	e.p.post(func() { e.p.subscribed(central, charUUID) })
}

func (e peripheralEvents) Unsubscribed(central ble.Peer, charUUID string) {
	e.p.post(func() { e.p.unsubscribed(central, charUUID) })
}
