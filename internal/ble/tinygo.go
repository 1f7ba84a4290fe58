package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/magic8ball/internal/serial"
)

// TinyGoRadio wraps tinygo-org/bluetooth. tinygo's API is blocking, so each
// request runs on a worker queue and its completion is reported through the
// role's handler, preserving request order.
//
// On macOS, device addresses are CoreBluetooth UUIDs (not MAC addresses),
// and only the Central role is available: tinygo has no GATT server there.
type TinyGoRadio struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	enableOnce sync.Once
	enableErr  error

	mu            sync.Mutex
	central       *tinygoCentral
	peripheral    PeripheralTransport
	peripheralErr error
}

var _ Radio = (*TinyGoRadio)(nil)

// NewTinyGoRadio creates a radio on the host's default BLE adapter.
func NewTinyGoRadio(logger *slog.Logger) *TinyGoRadio {
	if logger == nil {
		logger = slog.Default()
	}
	return &TinyGoRadio{
		adapter: bluetooth.DefaultAdapter,
		logger:  logger,
	}
}

func (r *TinyGoRadio) enable() error {
	r.enableOnce.Do(func() {
		r.enableErr = r.adapter.Enable()
	})
	return r.enableErr
}

// managerState maps an Enable failure to the closest manager state.
func managerState(err error) ManagerState {
	if err == nil {
		return StatePoweredOn
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "permission"):
		return StateUnauthorized
	case strings.Contains(msg, "unsupported"), strings.Contains(msg, "not supported"):
		return StateUnsupported
	case strings.Contains(msg, "powered off"), strings.Contains(msg, "not powered"):
		return StatePoweredOff
	default:
		return StateUnknown
	}
}

func (r *TinyGoRadio) Central() (CentralTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.central == nil {
		r.central = &tinygoCentral{
			radio:   r,
			work:    serial.NewQueue(),
			devices: make(map[PeerID]*tinygoDevice),
			addrs:   make(map[PeerID]bluetooth.Address),
		}
	}
	return r.central, nil
}

func (r *TinyGoRadio) Peripheral() (PeripheralTransport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peripheral == nil && r.peripheralErr == nil {
		r.peripheral, r.peripheralErr = r.newPeripheral()
	}
	return r.peripheral, r.peripheralErr
}

type tinygoPeer struct {
	id   PeerID
	name string
}

func (p tinygoPeer) ID() PeerID   { return p.id }
func (p tinygoPeer) Name() string { return p.name }

// tinygoDevice is the per-peer GATT client state.
type tinygoDevice struct {
	device    bluetooth.Device
	services  []bluetooth.DeviceService
	chars     map[string]*bluetooth.DeviceCharacteristic
	notifying map[string]bool
}

type tinygoCentral struct {
	radio *TinyGoRadio
	work  *serial.Queue

	mu       sync.Mutex
	handler  CentralHandler
	scanning bool
	devices  map[PeerID]*tinygoDevice
	addrs    map[PeerID]bluetooth.Address
}

var _ CentralTransport = (*tinygoCentral)(nil)

func (c *tinygoCentral) SetHandler(h CentralHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

func (c *tinygoCentral) h() CentralHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

func (c *tinygoCentral) Start() error {
	c.work.Post(func() {
		err := c.radio.enable()
		if err != nil {
			c.radio.logger.Warn("[BLE] enable adapter failed", "error", err)
		}

		// tinygo reports disconnects at adapter level.
		c.radio.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
			if connected {
				return
			}
			id := PeerID(device.Address.String())
			c.mu.Lock()
			_, known := c.devices[id]
			delete(c.devices, id)
			c.mu.Unlock()
			if known {
				c.h().Disconnected(tinygoPeer{id: id}, errors.New("ble: peripheral disconnected"))
			}
		})

		c.h().StateChanged(managerState(err))
	})
	return nil
}

func (c *tinygoCentral) Scan(serviceUUID string) error {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	c.mu.Lock()
	if c.scanning {
		c.mu.Unlock()
		return nil
	}
	c.scanning = true
	c.mu.Unlock()

	go func() {
		err := c.radio.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if !result.HasServiceUUID(uuid) {
				return
			}
			id := PeerID(result.Address.String())
			c.mu.Lock()
			c.addrs[id] = result.Address
			c.mu.Unlock()
			name := result.LocalName()
			c.h().Discovered(Advertisement{
				Peer:         tinygoPeer{id: id, name: name},
				LocalName:    name,
				RSSI:         int(result.RSSI),
				ServiceUUIDs: []string{serviceUUID},
			})
		})
		c.mu.Lock()
		c.scanning = false
		c.mu.Unlock()
		if err != nil {
			c.radio.logger.Warn("[BLE] scan stopped", "error", err)
		}
	}()
	return nil
}

func (c *tinygoCentral) StopScan() error {
	c.mu.Lock()
	scanning := c.scanning
	c.mu.Unlock()
	if !scanning {
		return nil
	}
	return c.radio.adapter.StopScan()
}

func (c *tinygoCentral) Connect(peer Peer) error {
	c.mu.Lock()
	addr, ok := c.addrs[peer.ID()]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: connect: %s was never scanned", peer.ID())
	}

	c.work.Post(func() {
		device, err := c.radio.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			c.h().Connected(peer, fmt.Errorf("ble: connect to %s: %w", peer.ID(), err))
			return
		}
		c.mu.Lock()
		c.devices[peer.ID()] = &tinygoDevice{
			device:    device,
			chars:     make(map[string]*bluetooth.DeviceCharacteristic),
			notifying: make(map[string]bool),
		}
		c.mu.Unlock()
		c.h().Connected(peer, nil)
	})
	return nil
}

func (c *tinygoCentral) dev(id PeerID) *tinygoDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devices[id]
}

func parseUUIDs(ss []string) ([]bluetooth.UUID, error) {
	out := make([]bluetooth.UUID, 0, len(ss))
	for _, s := range ss {
		u, err := bluetooth.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("ble: parse UUID %q: %w", s, err)
		}
		out = append(out, u)
	}
	return out, nil
}

func (c *tinygoCentral) DiscoverServices(peer Peer, serviceUUIDs []string) error {
	d := c.dev(peer.ID())
	if d == nil {
		return fmt.Errorf("ble: discover services: %s not connected", peer.ID())
	}
	uuids, err := parseUUIDs(serviceUUIDs)
	if err != nil {
		return err
	}

	c.work.Post(func() {
		svcs, err := d.device.DiscoverServices(uuids)
		if err == nil && len(svcs) == 0 {
			err = fmt.Errorf("ble: no matching services on %s", peer.ID())
		}
		if err != nil {
			c.h().ServicesDiscovered(peer, fmt.Errorf("ble: discover services: %w", err))
			return
		}
		c.mu.Lock()
		d.services = svcs
		c.mu.Unlock()
		c.h().ServicesDiscovered(peer, nil)
	})
	return nil
}

func (c *tinygoCentral) DiscoverCharacteristics(peer Peer, serviceUUID string, charUUIDs []string) error {
	d := c.dev(peer.ID())
	if d == nil {
		return fmt.Errorf("ble: discover characteristics: %s not connected", peer.ID())
	}
	uuids, err := parseUUIDs(charUUIDs)
	if err != nil {
		return err
	}

	c.work.Post(func() {
		var svc *bluetooth.DeviceService
		c.mu.Lock()
		for i := range d.services {
			if SameUUID(d.services[i].UUID().String(), serviceUUID) {
				svc = &d.services[i]
			}
		}
		c.mu.Unlock()
		if svc == nil {
			c.h().CharacteristicsDiscovered(peer, serviceUUID, fmt.Errorf("ble: service %s not found", serviceUUID))
			return
		}

		chars, err := svc.DiscoverCharacteristics(uuids)
		if err != nil {
			c.h().CharacteristicsDiscovered(peer, serviceUUID, fmt.Errorf("ble: discover characteristics: %w", err))
			return
		}
		c.mu.Lock()
		for i := range chars {
			d.chars[normUUID(chars[i].UUID().String())] = &chars[i]
		}
		c.mu.Unlock()
		c.h().CharacteristicsDiscovered(peer, serviceUUID, nil)
	})
	return nil
}

func (c *tinygoCentral) char(peer Peer, charUUID string) *bluetooth.DeviceCharacteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.devices[peer.ID()]
	if d == nil {
		return nil
	}
	return d.chars[normUUID(charUUID)]
}

func (c *tinygoCentral) HasCharacteristic(peer Peer, charUUID string) bool {
	return c.char(peer, charUUID) != nil
}

func (c *tinygoCentral) IsNotifying(peer Peer, charUUID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.devices[peer.ID()]
	return d != nil && d.notifying[normUUID(charUUID)]
}

func (c *tinygoCentral) SetNotify(peer Peer, charUUID string, enabled bool) error {
	ch := c.char(peer, charUUID)
	if ch == nil {
		return fmt.Errorf("ble: set notify: characteristic %s not discovered", charUUID)
	}

	c.work.Post(func() {
		var err error
		if enabled {
			err = ch.EnableNotifications(func(buf []byte) {
				value := make([]byte, len(buf))
				copy(value, buf)
				c.h().ValueUpdated(peer, charUUID, value, nil)
			})
		} else {
			err = ch.EnableNotifications(nil)
		}
		if err == nil {
			c.mu.Lock()
			if d := c.devices[peer.ID()]; d != nil {
				d.notifying[normUUID(charUUID)] = enabled
			}
			c.mu.Unlock()
		}
		c.h().NotifyStateChanged(peer, charUUID, enabled, err)
	})
	return nil
}

func (c *tinygoCentral) Write(peer Peer, charUUID string, value []byte) error {
	ch := c.char(peer, charUUID)
	if ch == nil {
		return fmt.Errorf("ble: write: characteristic %s not discovered", charUUID)
	}
	buf := make([]byte, len(value))
	copy(buf, value)

	c.work.Post(func() {
		err := writeQuestion(ch, buf)
		c.h().WriteCompleted(peer, charUUID, attErrorFrom(err))
	})
	return nil
}

func (c *tinygoCentral) Close() error {
	_ = c.StopScan()
	c.mu.Lock()
	devices := c.devices
	c.devices = make(map[PeerID]*tinygoDevice)
	c.mu.Unlock()
	for id, d := range devices {
		if err := d.device.Disconnect(); err != nil {
			c.radio.logger.Warn("[BLE] disconnect failed", "peer", id, "error", err)
		}
	}
	c.work.Close()
	return nil
}

// attErrorFrom recovers the ATT code from a stack error message where the
// platform exposes one, so the Central can tell a rejected question apart
// from other failures.
func attErrorFrom(err error) error {
	if err == nil {
		return nil
	}
	var att ATTError
	if errors.As(err, &att) {
		return att
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unlikely"), strings.Contains(msg, "0x0e"):
		return fmt.Errorf("%w: %v", ATTUnlikelyError, err)
	case strings.Contains(msg, "not permitted"):
		return fmt.Errorf("%w: %v", ATTWriteNotPermitted, err)
	}
	return err
}
