package sdk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chaz8081/magic8ball/internal/ble"
	"github.com/chaz8081/magic8ball/internal/ble/protocol"
)

var (
	errLinkLost               = errors.New("link lost")
	errMissingCharacteristics = errors.New("question or answer characteristic missing")
	errUnexpectedAck          = errors.New("write acknowledged with no question pending")
	errForeignDevice          = errors.New("device does not belong to this central")
)

// Central scans for Peripherals offering the Magic 8-Ball service, connects
// to each one in range and lets the caller ask them questions.
type Central struct {
	base
	transport        ble.CentralTransport
	timeout          time.Duration
	rssiMin, rssiMax int

	devMu   sync.Mutex
	devices []*PeripheralDevice
}

var _ SDK = (*Central)(nil)

// inflightQuestion is a question written but not yet acknowledged. Its
// pointer identity tells a stale timer from the current one.
type inflightQuestion struct {
	text  string
	value []byte
	timer *time.Timer
}

// NewCentral starts a Central on radio. Scanning begins once the radio
// reports powered on.
func NewCentral(radio ble.Radio, opts Options) (*Central, error) {
	opts = opts.withDefaults()
	if opts.RSSIMin > opts.RSSIMax {
		return nil, fmt.Errorf("sdk: RSSI window %d..%d is empty", opts.RSSIMin, opts.RSSIMax)
	}
	t, err := radio.Central()
	if err != nil {
		return nil, fmt.Errorf("sdk: central role unavailable: %w", err)
	}

	c := &Central{
		transport: t,
		timeout:   opts.QuestionTimeout,
		rssiMin:   opts.RSSIMin,
		rssiMax:   opts.RSSIMax,
	}
	c.init(RoleCentral, c, opts)
	t.SetHandler(centralEvents{c})
	if err := t.Start(); err != nil {
		c.loop.Close()
		return nil, fmt.Errorf("sdk: start central: %w", err)
	}
	c.logger.Info("[CENTRAL] started", "timeout", c.timeout, "rssi_min", c.rssiMin, "rssi_max", c.rssiMax)
	return c, nil
}

// Devices returns the Peripherals found so far, in discovery order.
func (c *Central) Devices() []*PeripheralDevice {
	c.devMu.Lock()
	defer c.devMu.Unlock()
	out := make([]*PeripheralDevice, len(c.devices))
	copy(out, c.devices)
	return out
}

// Device looks a Peripheral up by id.
func (c *Central) Device(id ble.PeerID) (*PeripheralDevice, bool) {
	d := c.device(id)
	return d, d != nil
}

func (c *Central) device(id ble.PeerID) *PeripheralDevice {
	c.devMu.Lock()
	defer c.devMu.Unlock()
	for _, d := range c.devices {
		if d.ID() == id {
			return d
		}
	}
	return nil
}

// SetLocalName changes the name reported by LocalName. A Central does not
// advertise, so nothing else changes.
func (c *Central) SetLocalName(name string) {
	c.mu.Lock()
	c.localName = name
	c.mu.Unlock()
}

// SendQuestion asks device a question. The call never blocks: the
// Peripheral's confirmation arrives as QuestionAskedOfDevice, its answer as
// QuestionAnsweredByDevice, and any failure as ErrorOccurred.
func (c *Central) SendQuestion(device *PeripheralDevice, text string) {
	c.post(func() { c.sendQuestion(device, text) })
}

// Close stops the transport and the event loop.
func (c *Central) Close() error {
	if !c.markClosed() {
		return nil
	}
	err := c.transport.Close()
	c.loop.Post(func() {
		for _, d := range c.Devices() {
			c.endQuestion(d)
		}
	})
	c.loop.Close()
	c.logger.Info("[CENTRAL] closed")
	if err != nil {
		return fmt.Errorf("sdk: close central: %w", err)
	}
	return nil
}

// The methods below run on the event loop.

func (c *Central) stateChanged(state ble.ManagerState) {
	if state != ble.StatePoweredOn {
		c.setPoweredOn(false)
		for _, d := range c.Devices() {
			if c.endQuestion(d) != nil {
				d.setPhase(PhaseDisconnected)
			}
		}
		c.report(transportError(fmt.Errorf("radio is %s", state)))
		return
	}
	c.setPoweredOn(true)
	if err := c.transport.Scan(ble.ServiceUUID); err != nil {
		c.report(transportError(err))
		return
	}
	c.logger.Info("[CENTRAL] scanning", "service", ble.ServiceUUID)
}

func (c *Central) discovered(adv ble.Advertisement) {
	if !adv.HasService(ble.ServiceUUID) {
		return
	}
	name := adv.LocalName
	if name == "" {
		name = adv.Peer.Name()
	}
	if name == "" {
		c.logger.Debug("[CENTRAL] ignoring unnamed peripheral", "peer", adv.Peer.ID())
		return
	}
	if adv.RSSI < c.rssiMin || adv.RSSI > c.rssiMax {
		c.logger.Debug("[CENTRAL] ignoring peripheral outside RSSI window", "name", name, "rssi", adv.RSSI)
		return
	}

	if d := c.device(adv.Peer.ID()); d != nil {
		if d.Phase() == PhaseDisconnected {
			c.logger.Info("[CENTRAL] reconnecting", "name", name)
			c.connect(d)
		}
		return
	}

	d := newPeripheralDevice(c, adv.Peer, name)
	c.devMu.Lock()
	c.devices = append(c.devices, d)
	c.devMu.Unlock()
	c.logger.Info("[CENTRAL] found peripheral", "name", name, "rssi", adv.RSSI, "peer", adv.Peer.ID())
	c.connect(d)
}

func (c *Central) connect(d *PeripheralDevice) {
	d.setPhase(PhaseConnecting)
	if err := c.transport.Connect(d.peer); err != nil {
		c.fail(d, PhaseDisconnected, transportError(err))
	}
}

func (c *Central) connected(peer ble.Peer, err error) {
	d := c.device(peer.ID())
	if d == nil {
		return
	}
	if err != nil {
		c.fail(d, PhaseDisconnected, transportError(err))
		return
	}
	d.setPhase(PhaseDiscoveringServices)
	if err := c.transport.DiscoverServices(d.peer, []string{ble.ServiceUUID}); err != nil {
		c.fail(d, PhaseFailed, transportError(err))
	}
}

func (c *Central) servicesDiscovered(peer ble.Peer, err error) {
	d := c.device(peer.ID())
	if d == nil {
		return
	}
	if err != nil {
		c.fail(d, PhaseFailed, transportError(err))
		return
	}
	d.setPhase(PhaseDiscoveringCharacteristics)
	chars := []string{ble.QuestionCharUUID, ble.AnswerCharUUID}
	if err := c.transport.DiscoverCharacteristics(d.peer, ble.ServiceUUID, chars); err != nil {
		c.fail(d, PhaseFailed, transportError(err))
	}
}

func (c *Central) characteristicsDiscovered(peer ble.Peer, err error) {
	d := c.device(peer.ID())
	if d == nil {
		return
	}
	if err != nil {
		c.fail(d, PhaseFailed, transportError(err))
		return
	}
	if !c.hasProfile(d) {
		c.fail(d, PhaseFailed, transportError(errMissingCharacteristics))
		return
	}
	d.setPhase(PhaseReady)
	c.logger.Info("[CENTRAL] peripheral ready", "name", d.Name())
	c.observers.notifyCentral(func(o CentralObserver) { o.DeviceDiscovered(d) })
}

func (c *Central) hasProfile(d *PeripheralDevice) bool {
	return c.transport.HasCharacteristic(d.peer, ble.QuestionCharUUID) &&
		c.transport.HasCharacteristic(d.peer, ble.AnswerCharUUID)
}

func (c *Central) sendQuestion(d *PeripheralDevice, text string) {
	if d == nil || c.device(d.ID()) != d {
		c.report(sendFailed(reject(ReasonUnknown, errForeignDevice)))
		return
	}
	if d.inflight != nil {
		// The pending question keeps going; only this call fails.
		c.report(sendFailed(reject(ReasonDeviceBusy, nil)))
		return
	}
	if !c.hasProfile(d) {
		c.failDevice(d, sendFailed(reject(ReasonDeviceOffline, nil)))
		return
	}
	value, err := protocol.EncodeQuestion(text)
	if err != nil {
		c.failDevice(d, sendFailed(reject(ReasonUnknown, err)))
		return
	}

	d.clearExchange()
	d.lateAck = false
	q := &inflightQuestion{text: text, value: value}
	q.timer = time.AfterFunc(c.timeout, func() {
		c.post(func() { c.timedOut(d, q) })
	})
	d.inflight = q
	c.logger.Debug("[CENTRAL] sending question", "name", d.Name(), "bytes", len(value))

	if c.transport.IsNotifying(d.peer, ble.AnswerCharUUID) {
		c.write(d, q)
		return
	}
	d.setPhase(PhaseAwaitingSubscriptionAck)
	if err := c.transport.SetNotify(d.peer, ble.AnswerCharUUID, true); err != nil {
		c.fail(d, PhaseFailed, transportError(err))
	}
}

func (c *Central) write(d *PeripheralDevice, q *inflightQuestion) {
	d.setPhase(PhaseSending)
	if err := c.transport.Write(d.peer, ble.QuestionCharUUID, q.value); err != nil {
		c.fail(d, PhaseFailed, sendFailed(reject(ReasonUnknown, err)))
	}
}

func (c *Central) notifyStateChanged(peer ble.Peer, charUUID string, enabled bool, err error) {
	d := c.device(peer.ID())
	if d == nil || !ble.SameUUID(charUUID, ble.AnswerCharUUID) {
		return
	}
	if d.inflight == nil || d.Phase() != PhaseAwaitingSubscriptionAck {
		return
	}
	if err != nil {
		c.fail(d, PhaseFailed, transportError(err))
		return
	}
	if enabled {
		c.write(d, d.inflight)
	}
}

func (c *Central) writeCompleted(peer ble.Peer, charUUID string, err error) {
	d := c.device(peer.ID())
	if d == nil || !ble.SameUUID(charUUID, ble.QuestionCharUUID) {
		return
	}
	if d.lateAck {
		d.lateAck = false
		c.logger.Debug("[CENTRAL] write ack trailed the answer", "name", d.Name())
		return
	}
	q := d.inflight
	if q == nil || d.Phase() != PhaseSending {
		switch d.Phase() {
		case PhaseTimedOut, PhaseAwaitingSubscriptionAck, PhaseDisconnected:
			c.logger.Debug("[CENTRAL] ignoring stale write ack", "name", d.Name())
		default:
			c.failDevice(d, sendFailed(reject(ReasonPeripheralError, errUnexpectedAck)))
		}
		return
	}
	if err != nil {
		// The link is still up; the device can take another question.
		c.fail(d, PhaseReady, sendFailed(rejectionFor(err)))
		return
	}

	c.endQuestion(d)
	d.setPhase(PhaseAwaitingAnswer)
	c.logger.Info("[CENTRAL] question delivered", "name", d.Name())
	d.setQuestion(q.text)
}

// rejectionFor maps a write error to the reason the Peripheral refused.
func rejectionFor(err error) *Rejection {
	var att ble.ATTError
	if errors.As(err, &att) {
		if att == ble.ATTUnlikelyError {
			return reject(ReasonQuestionPlease, nil)
		}
		return reject(ReasonPeripheralError, err)
	}
	return reject(ReasonUnknown, err)
}

func (c *Central) valueUpdated(peer ble.Peer, charUUID string, value []byte, err error) {
	d := c.device(peer.ID())
	if d == nil || !ble.SameUUID(charUUID, ble.AnswerCharUUID) {
		return
	}
	phase := d.Phase()
	if phase != PhaseAwaitingAnswer && phase != PhaseSending {
		c.logger.Debug("[CENTRAL] ignoring unsolicited answer", "name", d.Name(), "phase", phase)
		return
	}
	if err != nil {
		c.fail(d, PhaseFailed, transportError(err))
		return
	}
	if code, ok := protocol.DecodeRejection(value); ok {
		c.rejected(d, reasonFromCode(code))
		return
	}
	text, derr := protocol.DecodeText(value)
	if derr != nil {
		c.logger.Debug("[CENTRAL] ignoring malformed answer", "name", d.Name(), "error", derr)
		return
	}

	// An answer while still Sending means the ack and the notification
	// crossed; the answer implies the question got through.
	if q := c.endQuestion(d); q != nil {
		d.lateAck = true
		d.setQuestion(q.text)
	}
	if err := c.transport.SetNotify(d.peer, ble.AnswerCharUUID, false); err != nil {
		c.logger.Warn("[CENTRAL] disable notify failed", "name", d.Name(), "error", err)
	}
	d.setPhase(PhaseAnswered)
	c.logger.Info("[CENTRAL] answer received", "name", d.Name())
	d.setAnswer(text)
}

// rejected handles a rejection notified on the answer characteristic.
func (c *Central) rejected(d *PeripheralDevice, reason Reason) {
	if c.endQuestion(d) != nil {
		// Still Sending: the write ack has not arrived yet.
		d.lateAck = true
	}
	if err := c.transport.SetNotify(d.peer, ble.AnswerCharUUID, false); err != nil {
		c.logger.Warn("[CENTRAL] disable notify failed", "name", d.Name(), "error", err)
	}
	c.logger.Info("[CENTRAL] question rejected", "name", d.Name(), "reason", reason)
	c.fail(d, PhaseReady, sendFailed(reject(reason, nil)))
}

func (c *Central) timedOut(d *PeripheralDevice, q *inflightQuestion) {
	if d.inflight != q {
		return
	}
	d.inflight = nil
	d.setPhase(PhaseTimedOut)
	c.logger.Info("[CENTRAL] question timed out", "name", d.Name(), "after", c.timeout)
	c.failDevice(d, sendFailed(reject(ReasonDeviceOffline, nil)))
}

func (c *Central) disconnected(peer ble.Peer, err error) {
	d := c.device(peer.ID())
	if d == nil {
		return
	}
	if err == nil {
		err = errLinkLost
	}
	c.fail(d, PhaseDisconnected, transportError(err))
}

// endQuestion stops the timer and forgets the question in flight, if any.
func (c *Central) endQuestion(d *PeripheralDevice) *inflightQuestion {
	q := d.inflight
	if q != nil {
		q.timer.Stop()
		d.inflight = nil
	}
	return q
}

// fail ends any question in flight, moves d to phase and reports err.
func (c *Central) fail(d *PeripheralDevice, phase Phase, err error) {
	c.endQuestion(d)
	d.setPhase(phase)
	c.failDevice(d, err)
}

func (c *Central) failDevice(d *PeripheralDevice, err error) {
	d.setErr(err)
	c.report(err)
}

// centralEvents moves transport callbacks onto the event loop.
type centralEvents struct{ c *Central }

var _ ble.CentralHandler = centralEvents{}

func (e centralEvents) StateChanged(state ble.ManagerState) {
	e.c.post(func() { e.c.stateChanged(state) })
}

func (e centralEvents) Discovered(adv ble.Advertisement) {
	e.c.post(func() { e.c.discovered(adv) })
}

func (e centralEvents) Connected(peer ble.Peer, err error) {
	e.c.post(func() { e.c.connected(peer, err) })
}

func (e centralEvents) Disconnected(peer ble.Peer, err error) {
	e.c.post(func() { e.c.disconnected(peer, err) })
}

func (e centralEvents) ServicesDiscovered(peer ble.Peer, err error) {
	e.c.post(func() { e.c.servicesDiscovered(peer, err) })
}

func (e centralEvents) CharacteristicsDiscovered(peer ble.Peer, serviceUUID string, err error) {
	if !ble.SameUUID(serviceUUID, ble.ServiceUUID) {
		return
	}
	e.c.post(func() { e.c.characteristicsDiscovered(peer, err) })
}

func (e centralEvents) NotifyStateChanged(peer ble.Peer, charUUID string, enabled bool, err error) {
	e.c.post(func() { e.c.notifyStateChanged(peer, charUUID, enabled, err) })
}

func (e centralEvents) WriteCompleted(peer ble.Peer, charUUID string, err error) {
	e.c.post(func() { e.c.writeCompleted(peer, charUUID, err) })
}

func (e centralEvents) ValueUpdated(peer ble.Peer, charUUID string, value []byte, err error) {
	e.c.post(func() { e.c.valueUpdated(peer, charUUID, value, err) })
}
