package ble

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/chaz8081/magic8ball/internal/serial"
)

// Loopback is an in-process radio medium. Stations attached to the same
// Loopback see each other's advertisements and exchange GATT traffic, with
// every completion delivered asynchronously, the way a real stack would.
type Loopback struct {
	mu       sync.Mutex
	stations []*Station
	logger   *slog.Logger
}

// NewLoopback creates an empty medium.
func NewLoopback(logger *slog.Logger) *Loopback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loopback{logger: logger}
}

// Station attaches a new local radio. rssi is the signal strength other
// stations measure when they hear this one.
func (l *Loopback) Station(name string, rssi int) *Station {
	s := &Station{
		medium: l,
		peer:   stationPeer{id: PeerID(uuid.NewString()), name: name},
		rssi:   rssi,
		power:  StatePoweredOn,
	}
	l.mu.Lock()
	l.stations = append(l.stations, s)
	l.mu.Unlock()
	return s
}

func (l *Loopback) snapshot() []*Station {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Station, len(l.stations))
	copy(out, l.stations)
	return out
}

func (l *Loopback) find(id PeerID) *Station {
	for _, s := range l.snapshot() {
		if s.peer.id == id {
			return s
		}
	}
	return nil
}

// Disconnect drops the link between a central station and a peripheral
// station, notifying the central.
func (l *Loopback) Disconnect(central, peripheral *Station) {
	c := central.centralTransport()
	if c == nil {
		return
	}
	if c.dropLink(peripheral.peer.id) {
		c.deliver(func(h CentralHandler) {
			h.Disconnected(peripheral.peer, fmt.Errorf("loopback: link to %s lost", peripheral.peer.name))
		})
	}
}

type stationPeer struct {
	id   PeerID
	name string
}

func (p stationPeer) ID() PeerID   { return p.id }
func (p stationPeer) Name() string { return p.name }

// Station is one local radio on a Loopback medium. It implements Radio.
type Station struct {
	medium *Loopback
	peer   stationPeer
	rssi   int

	mu         sync.Mutex
	power      ManagerState
	ackAll     bool
	central    *loopbackCentral
	peripheral *loopbackPeripheral
}

var _ Radio = (*Station)(nil)

// Peer returns the handle other stations use for this one.
func (s *Station) Peer() Peer { return s.peer }

// SetPowerState changes the state reported by Start. Defaults to powered on.
func (s *Station) SetPowerState(state ManagerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.power = state
}

// SetAcksEveryWrite makes the station's Peripheral behave like a stack that
// acknowledges every write before the application sees it: Respond always
// reports success to the writer.
func (s *Station) SetAcksEveryWrite(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ackAll = on
}

func (s *Station) acksEveryWrite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ackAll
}

func (s *Station) powerState() ManagerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.power
}

func (s *Station) Central() (CentralTransport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.central == nil {
		s.central = &loopbackCentral{
			station:   s,
			queue:     serial.NewQueue(),
			links:     make(map[PeerID]*linkState),
			notifying: make(map[PeerID]map[string]bool),
		}
	}
	return s.central, nil
}

func (s *Station) Peripheral() (PeripheralTransport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peripheral == nil {
		s.peripheral = &loopbackPeripheral{
			station:     s,
			queue:       serial.NewQueue(),
			services:    make(map[string]ServiceConfig),
			values:      make(map[string][]byte),
			subscribers: make(map[string]map[PeerID]*loopbackCentral),
		}
	}
	return s.peripheral, nil
}

func (s *Station) centralTransport() *loopbackCentral {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.central
}

func (s *Station) peripheralTransport() *loopbackPeripheral {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peripheral
}

// linkState tracks one Central-to-Peripheral connection.
type linkState struct {
	remote   *loopbackPeripheral
	services map[string]bool
	chars    map[string]CharacteristicProps
}

type loopbackCentral struct {
	station *Station
	queue   *serial.Queue

	mu          sync.Mutex
	handler     CentralHandler
	scanning    bool
	scanService string
	links       map[PeerID]*linkState
	notifying   map[PeerID]map[string]bool
}

var _ CentralTransport = (*loopbackCentral)(nil)

func (c *loopbackCentral) SetHandler(h CentralHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *loopbackCentral) deliver(fn func(h CentralHandler)) {
	c.queue.Post(func() {
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			fn(h)
		}
	})
}

func (c *loopbackCentral) Start() error {
	state := c.station.powerState()
	c.deliver(func(h CentralHandler) { h.StateChanged(state) })
	return nil
}

func (c *loopbackCentral) Scan(serviceUUID string) error {
	if c.station.powerState() != StatePoweredOn {
		return fmt.Errorf("loopback: scan: radio is %s", c.station.powerState())
	}
	c.mu.Lock()
	c.scanning = true
	c.scanService = serviceUUID
	c.mu.Unlock()

	for _, s := range c.station.medium.snapshot() {
		if s == c.station {
			continue
		}
		if p := s.peripheralTransport(); p != nil {
			if adv, ok := p.advertisement(); ok {
				c.hear(adv)
			}
		}
	}
	return nil
}

// hear delivers an advertisement if it passes the active scan filter.
func (c *loopbackCentral) hear(adv Advertisement) {
	c.mu.Lock()
	scanning, filter := c.scanning, c.scanService
	c.mu.Unlock()
	if !scanning || (filter != "" && !adv.HasService(filter)) {
		return
	}
	c.deliver(func(h CentralHandler) { h.Discovered(adv) })
}

func (c *loopbackCentral) StopScan() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanning = false
	return nil
}

func (c *loopbackCentral) Connect(peer Peer) error {
	remote := c.station.medium.find(peer.ID())
	var p *loopbackPeripheral
	if remote != nil {
		p = remote.peripheralTransport()
	}
	if p == nil || !p.isAdvertising() {
		c.deliver(func(h CentralHandler) {
			h.Connected(peer, fmt.Errorf("loopback: %s is not connectable", peer.ID()))
		})
		return nil
	}

	c.mu.Lock()
	c.links[peer.ID()] = &linkState{
		remote:   p,
		services: make(map[string]bool),
		chars:    make(map[string]CharacteristicProps),
	}
	c.mu.Unlock()

	c.deliver(func(h CentralHandler) { h.Connected(peer, nil) })
	return nil
}

func (c *loopbackCentral) link(id PeerID) *linkState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.links[id]
}

func (c *loopbackCentral) dropLink(id PeerID) bool {
	c.mu.Lock()
	link, ok := c.links[id]
	delete(c.links, id)
	delete(c.notifying, id)
	c.mu.Unlock()
	if ok {
		link.remote.unsubscribeAll(c)
	}
	return ok
}

func (c *loopbackCentral) DiscoverServices(peer Peer, serviceUUIDs []string) error {
	link := c.link(peer.ID())
	if link == nil {
		return fmt.Errorf("loopback: discover services: %s not connected", peer.ID())
	}

	found := 0
	for _, want := range serviceUUIDs {
		if _, ok := link.remote.service(want); ok {
			c.mu.Lock()
			link.services[normUUID(want)] = true
			c.mu.Unlock()
			found++
		}
	}

	var err error
	if found == 0 {
		err = fmt.Errorf("loopback: no matching services on %s", peer.ID())
	}
	c.deliver(func(h CentralHandler) { h.ServicesDiscovered(peer, err) })
	return nil
}

func (c *loopbackCentral) DiscoverCharacteristics(peer Peer, serviceUUID string, charUUIDs []string) error {
	link := c.link(peer.ID())
	if link == nil {
		return fmt.Errorf("loopback: discover characteristics: %s not connected", peer.ID())
	}
	svc, ok := link.remote.service(serviceUUID)
	if !ok {
		c.deliver(func(h CentralHandler) {
			h.CharacteristicsDiscovered(peer, serviceUUID, fmt.Errorf("loopback: service %s not found", serviceUUID))
		})
		return nil
	}

	c.mu.Lock()
	for _, want := range charUUIDs {
		for _, ch := range svc.Characteristics {
			if SameUUID(ch.UUID, want) {
				link.chars[normUUID(want)] = ch.Props
			}
		}
	}
	c.mu.Unlock()

	c.deliver(func(h CentralHandler) { h.CharacteristicsDiscovered(peer, serviceUUID, nil) })
	return nil
}

func (c *loopbackCentral) props(peer Peer, charUUID string) (CharacteristicProps, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	link := c.links[peer.ID()]
	if link == nil {
		return 0, false
	}
	p, ok := link.chars[normUUID(charUUID)]
	return p, ok
}

func (c *loopbackCentral) HasCharacteristic(peer Peer, charUUID string) bool {
	_, ok := c.props(peer, charUUID)
	return ok
}

func (c *loopbackCentral) IsNotifying(peer Peer, charUUID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifying[peer.ID()][normUUID(charUUID)]
}

func (c *loopbackCentral) SetNotify(peer Peer, charUUID string, enabled bool) error {
	props, ok := c.props(peer, charUUID)
	if !ok {
		return fmt.Errorf("loopback: set notify: characteristic %s not discovered", charUUID)
	}
	if props&PropNotify == 0 {
		c.deliver(func(h CentralHandler) { h.NotifyStateChanged(peer, charUUID, false, ATTRequestNotSupported) })
		return nil
	}
	link := c.link(peer.ID())
	if link == nil {
		return fmt.Errorf("loopback: set notify: %s not connected", peer.ID())
	}

	c.mu.Lock()
	if c.notifying[peer.ID()] == nil {
		c.notifying[peer.ID()] = make(map[string]bool)
	}
	c.notifying[peer.ID()][normUUID(charUUID)] = enabled
	c.mu.Unlock()

	if enabled {
		link.remote.subscribe(c, charUUID)
	} else {
		link.remote.unsubscribe(c, charUUID)
	}
	c.deliver(func(h CentralHandler) { h.NotifyStateChanged(peer, charUUID, enabled, nil) })
	return nil
}

func (c *loopbackCentral) Write(peer Peer, charUUID string, value []byte) error {
	props, ok := c.props(peer, charUUID)
	if !ok {
		return fmt.Errorf("loopback: write: characteristic %s not discovered", charUUID)
	}
	if props&PropWrite == 0 {
		c.deliver(func(h CentralHandler) { h.WriteCompleted(peer, charUUID, ATTWriteNotPermitted) })
		return nil
	}
	link := c.link(peer.ID())
	if link == nil {
		return fmt.Errorf("loopback: write: %s not connected", peer.ID())
	}

	buf := make([]byte, len(value))
	copy(buf, value)
	link.remote.receiveWrite(WriteRequest{
		Central:  c.station.peer,
		CharUUID: charUUID,
		Value:    buf,
		Token:    &pendingWrite{central: c, peripheral: link.remote.station.peer, charUUID: charUUID},
	})
	return nil
}

func (c *loopbackCentral) Close() error {
	c.mu.Lock()
	ids := make([]PeerID, 0, len(c.links))
	for id := range c.links {
		ids = append(ids, id)
	}
	c.scanning = false
	c.mu.Unlock()

	for _, id := range ids {
		c.dropLink(id)
	}
	c.queue.Close()
	return nil
}

// pendingWrite routes a Respond back to the writer.
type pendingWrite struct {
	central    *loopbackCentral
	peripheral stationPeer
	charUUID   string
}

type loopbackPeripheral struct {
	station *Station
	queue   *serial.Queue

	mu          sync.Mutex
	handler     PeripheralHandler
	services    map[string]ServiceConfig
	advertising bool
	advName     string
	advServices []string
	values      map[string][]byte
	subscribers map[string]map[PeerID]*loopbackCentral
}

var (
	_ PeripheralTransport = (*loopbackPeripheral)(nil)
	_ WriteAcker          = (*loopbackPeripheral)(nil)
)

func (p *loopbackPeripheral) AcksEveryWrite() bool { return p.station.acksEveryWrite() }

func (p *loopbackPeripheral) SetHandler(h PeripheralHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *loopbackPeripheral) deliver(fn func(h PeripheralHandler)) {
	p.queue.Post(func() {
		p.mu.Lock()
		h := p.handler
		p.mu.Unlock()
		if h != nil {
			fn(h)
		}
	})
}

func (p *loopbackPeripheral) Start() error {
	state := p.station.powerState()
	p.deliver(func(h PeripheralHandler) { h.StateChanged(state) })
	return nil
}

func (p *loopbackPeripheral) RemoveAllServices() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.services = make(map[string]ServiceConfig)
	p.values = make(map[string][]byte)
	return nil
}

func (p *loopbackPeripheral) AddService(svc ServiceConfig) error {
	if _, err := uuid.Parse(svc.UUID); err != nil {
		return fmt.Errorf("loopback: add service: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.services[normUUID(svc.UUID)] = svc
	return nil
}

func (p *loopbackPeripheral) service(serviceUUID string) (ServiceConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	svc, ok := p.services[normUUID(serviceUUID)]
	return svc, ok
}

func (p *loopbackPeripheral) StartAdvertising(localName string, serviceUUIDs []string) error {
	if p.station.powerState() != StatePoweredOn {
		return fmt.Errorf("loopback: advertise: radio is %s", p.station.powerState())
	}
	p.mu.Lock()
	p.advertising = true
	p.advName = localName
	p.advServices = append([]string(nil), serviceUUIDs...)
	p.mu.Unlock()

	adv, _ := p.advertisement()
	for _, s := range p.station.medium.snapshot() {
		if s == p.station {
			continue
		}
		if c := s.centralTransport(); c != nil {
			c.hear(adv)
		}
	}
	p.station.medium.logger.Debug("[LOOPBACK] advertising", "name", localName, "station", p.station.peer.id)
	return nil
}

func (p *loopbackPeripheral) StopAdvertising() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.advertising = false
	return nil
}

func (p *loopbackPeripheral) isAdvertising() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.advertising
}

func (p *loopbackPeripheral) advertisement() (Advertisement, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.advertising {
		return Advertisement{}, false
	}
	return Advertisement{
		Peer:         stationPeer{id: p.station.peer.id, name: p.advName},
		LocalName:    p.advName,
		RSSI:         p.station.rssi,
		ServiceUUIDs: append([]string(nil), p.advServices...),
	}, true
}

func (p *loopbackPeripheral) receiveWrite(req WriteRequest) {
	p.deliver(func(h PeripheralHandler) { h.WriteRequests([]WriteRequest{req}) })
}

func (p *loopbackPeripheral) subscribe(c *loopbackCentral, charUUID string) {
	key := normUUID(charUUID)
	p.mu.Lock()
	if p.subscribers[key] == nil {
		p.subscribers[key] = make(map[PeerID]*loopbackCentral)
	}
	p.subscribers[key][c.station.peer.id] = c
	p.mu.Unlock()

	p.deliver(func(h PeripheralHandler) { h.Subscribed(c.station.peer, charUUID) })
}

func (p *loopbackPeripheral) unsubscribe(c *loopbackCentral, charUUID string) {
	key := normUUID(charUUID)
	p.mu.Lock()
	_, ok := p.subscribers[key][c.station.peer.id]
	delete(p.subscribers[key], c.station.peer.id)
	p.mu.Unlock()

	if ok {
		p.deliver(func(h PeripheralHandler) { h.Unsubscribed(c.station.peer, charUUID) })
	}
}

func (p *loopbackPeripheral) unsubscribeAll(c *loopbackCentral) {
	p.mu.Lock()
	var chars []string
	for key, subs := range p.subscribers {
		if _, ok := subs[c.station.peer.id]; ok {
			chars = append(chars, key)
		}
	}
	p.mu.Unlock()

	for _, ch := range chars {
		p.unsubscribe(c, ch)
	}
}

func (p *loopbackPeripheral) Respond(req WriteRequest, result error) error {
	pw, ok := req.Token.(*pendingWrite)
	if !ok {
		return fmt.Errorf("loopback: respond: request was not issued by this medium")
	}
	if p.AcksEveryWrite() {
		result = nil
	}
	pw.central.deliver(func(h CentralHandler) { h.WriteCompleted(pw.peripheral, pw.charUUID, result) })
	return nil
}

func (p *loopbackPeripheral) UpdateValue(charUUID string, value []byte, centrals []Peer) error {
	key := normUUID(charUUID)
	buf := make([]byte, len(value))
	copy(buf, value)

	p.mu.Lock()
	p.values[key] = buf
	var targets []*loopbackCentral
	for id, c := range p.subscribers[key] {
		if len(centrals) == 0 || containsPeer(centrals, id) {
			targets = append(targets, c)
		}
	}
	p.mu.Unlock()

	if len(targets) == 0 {
		return fmt.Errorf("loopback: update value: no subscribed centrals for %s", charUUID)
	}
	self := stationPeer{id: p.station.peer.id, name: p.station.peer.name}
	for _, c := range targets {
		c.deliver(func(h CentralHandler) { h.ValueUpdated(self, charUUID, buf, nil) })
	}
	return nil
}

func (p *loopbackPeripheral) Close() error {
	p.mu.Lock()
	p.advertising = false
	p.mu.Unlock()
	p.queue.Close()
	return nil
}

func containsPeer(peers []Peer, id PeerID) bool {
	for _, p := range peers {
		if p.ID() == id {
			return true
		}
	}
	return false
}

func normUUID(s string) string {
	if u, err := uuid.Parse(s); err == nil {
		return u.String()
	}
	return strings.ToLower(s)
}
