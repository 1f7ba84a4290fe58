//go:build linux || windows

package ble

import (
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/magic8ball/internal/serial"
)

func (r *TinyGoRadio) newPeripheral() (PeripheralTransport, error) {
	return &tinygoPeripheral{
		radio:      r,
		work:       serial.NewQueue(),
		peers:      make(map[string]Peer),
		subscribed: make(map[string]bool),
	}, nil
}

type tinygoPeripheral struct {
	radio *TinyGoRadio
	work  *serial.Queue

	mu         sync.Mutex
	handler    PeripheralHandler
	adv        *bluetooth.Advertisement
	answerChar bluetooth.Characteristic
	peers      map[string]Peer
	subscribed map[string]bool
}

var (
	_ PeripheralTransport = (*tinygoPeripheral)(nil)
	_ WriteAcker          = (*tinygoPeripheral)(nil)
)

func (p *tinygoPeripheral) SetHandler(h PeripheralHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *tinygoPeripheral) h() PeripheralHandler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler
}

func (p *tinygoPeripheral) Start() error {
	p.work.Post(func() {
		err := p.radio.enable()
		if err != nil {
			p.radio.logger.Warn("[BLE] enable adapter failed", "error", err)
		}
		p.h().StateChanged(managerState(err))
	})
	return nil
}

// RemoveAllServices forgets the local client bookkeeping. tinygo cannot
// unregister services once added; a fresh process starts clean.
func (p *tinygoPeripheral) RemoveAllServices() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peers = make(map[string]Peer)
	p.subscribed = make(map[string]bool)
	return nil
}

func (p *tinygoPeripheral) AddService(svc ServiceConfig) error {
	svcUUID, err := bluetooth.ParseUUID(svc.UUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var chars []bluetooth.CharacteristicConfig
	for _, cc := range svc.Characteristics {
		u, err := bluetooth.ParseUUID(cc.UUID)
		if err != nil {
			return fmt.Errorf("ble: parse characteristic UUID: %w", err)
		}
		cfg := bluetooth.CharacteristicConfig{UUID: u}
		if cc.Props&PropRead != 0 {
			cfg.Flags |= bluetooth.CharacteristicReadPermission
		}
		if cc.Props&PropNotify != 0 {
			cfg.Flags |= bluetooth.CharacteristicNotifyPermission
			cfg.Handle = &p.answerChar
		}
		if cc.Props&PropWrite != 0 {
			cfg.Flags |= bluetooth.CharacteristicWritePermission
			cfg.WriteEvent = func(client bluetooth.Connection, offset int, value []byte) {
				p.onWrite(client, cc.UUID, offset, value)
			}
		}
		chars = append(chars, cfg)
	}

	if err := p.radio.adapter.AddService(&bluetooth.Service{UUID: svcUUID, Characteristics: chars}); err != nil {
		return fmt.Errorf("ble: add service: %w", err)
	}
	return nil
}

// onWrite turns a tinygo write event into a WriteRequest. tinygo neither
// exposes CCCD subscriptions nor lets the application choose the ATT
// response, so a client's first write also counts as its subscription.
func (p *tinygoPeripheral) onWrite(client bluetooth.Connection, charUUID string, offset int, value []byte) {
	if offset != 0 {
		p.radio.logger.Warn("[BLE] ignoring offset write", "offset", offset)
		return
	}
	key := fmt.Sprintf("conn-%v", client)

	p.mu.Lock()
	peer, ok := p.peers[key]
	if !ok {
		peer = tinygoPeer{id: PeerID(key)}
		p.peers[key] = peer
	}
	first := !p.subscribed[key]
	p.subscribed[key] = true
	p.mu.Unlock()

	buf := make([]byte, len(value))
	copy(buf, value)
	p.work.Post(func() {
		p.h().WriteRequests([]WriteRequest{{Central: peer, CharUUID: charUUID, Value: buf}})
		if first {
			p.h().Subscribed(peer, AnswerCharUUID)
		}
	})
}

func (p *tinygoPeripheral) StartAdvertising(localName string, serviceUUIDs []string) error {
	uuids, err := parseUUIDs(serviceUUIDs)
	if err != nil {
		return err
	}
	adv := p.radio.adapter.DefaultAdvertisement()
	if err := adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    localName,
		ServiceUUIDs: uuids,
	}); err != nil {
		return fmt.Errorf("ble: configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("ble: start advertising: %w", err)
	}
	p.mu.Lock()
	p.adv = adv
	p.mu.Unlock()
	return nil
}

func (p *tinygoPeripheral) StopAdvertising() error {
	p.mu.Lock()
	adv := p.adv
	p.adv = nil
	p.mu.Unlock()
	if adv == nil {
		return nil
	}
	return adv.Stop()
}

// AcksEveryWrite reports true: BlueZ and WinRT answer the ATT write before
// the event reaches us.
func (p *tinygoPeripheral) AcksEveryWrite() bool { return true }

// Respond is a no-op: tinygo has already acknowledged the write.
func (p *tinygoPeripheral) Respond(req WriteRequest, result error) error {
	if result != nil {
		p.radio.logger.Debug("[BLE] cannot send ATT error, stack already acknowledged the write",
			"central", req.Central.ID(), "result", result)
	}
	return nil
}

// UpdateValue notifies every subscribed client; tinygo cannot target a subset.
func (p *tinygoPeripheral) UpdateValue(charUUID string, value []byte, centrals []Peer) error {
	if !SameUUID(charUUID, AnswerCharUUID) {
		return fmt.Errorf("ble: update value: %s is not notifiable", charUUID)
	}
	if _, err := p.answerChar.Write(value); err != nil {
		return fmt.Errorf("ble: notify: %w", err)
	}
	return nil
}

func (p *tinygoPeripheral) Close() error {
	err := p.StopAdvertising()
	p.work.Close()
	return err
}
