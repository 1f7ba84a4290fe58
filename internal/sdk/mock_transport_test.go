package sdk

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/magic8ball/internal/ble"
)

type mockPeer struct {
	id   ble.PeerID
	name string
}

func (p mockPeer) ID() ble.PeerID { return p.id }
func (p mockPeer) Name() string   { return p.name }

// mockRadio hands out whatever transports it was built with.
type mockRadio struct {
	central    ble.CentralTransport
	peripheral ble.PeripheralTransport
}

func (r mockRadio) Central() (ble.CentralTransport, error) {
	if r.central == nil {
		return nil, errors.New("mock: no central role")
	}
	return r.central, nil
}

func (r mockRadio) Peripheral() (ble.PeripheralTransport, error) {
	if r.peripheral == nil {
		return nil, errors.New("mock: no peripheral role")
	}
	return r.peripheral, nil
}

// mockCentral records requests. Tests play the completions back through
// handler by hand.
type mockCentral struct {
	mu        sync.Mutex
	handler   ble.CentralHandler
	calls     []string
	chars     map[string]bool
	notifying bool
	writeErr  error
}

func newMockCentral() *mockCentral {
	return &mockCentral{chars: make(map[string]bool)}
}

func (m *mockCentral) record(format string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

// Calls returns a copy of the request log.
func (m *mockCentral) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *mockCentral) count(call string) int {
	n := 0
	for _, c := range m.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (m *mockCentral) discoverProfile() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chars[ble.QuestionCharUUID] = true
	m.chars[ble.AnswerCharUUID] = true
}

func (m *mockCentral) setNotifying(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifying = on
}

func (m *mockCentral) h() ble.CentralHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

func (m *mockCentral) SetHandler(h ble.CentralHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *mockCentral) Start() error { m.record("start"); return nil }

func (m *mockCentral) Scan(serviceUUID string) error {
	m.record("scan:%s", serviceUUID)
	return nil
}

func (m *mockCentral) StopScan() error { m.record("stop-scan"); return nil }

func (m *mockCentral) Connect(peer ble.Peer) error {
	m.record("connect:%s", peer.ID())
	return nil
}

func (m *mockCentral) DiscoverServices(peer ble.Peer, serviceUUIDs []string) error {
	m.record("services:%s", peer.ID())
	return nil
}

func (m *mockCentral) DiscoverCharacteristics(peer ble.Peer, serviceUUID string, charUUIDs []string) error {
	m.record("chars:%s:%d", peer.ID(), len(charUUIDs))
	return nil
}

func (m *mockCentral) HasCharacteristic(peer ble.Peer, charUUID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chars[charUUID]
}

func (m *mockCentral) IsNotifying(peer ble.Peer, charUUID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notifying
}

func (m *mockCentral) SetNotify(peer ble.Peer, charUUID string, enabled bool) error {
	m.record("notify:%v", enabled)
	m.setNotifying(enabled)
	return nil
}

func (m *mockCentral) Write(peer ble.Peer, charUUID string, value []byte) error {
	m.record("write:%s", value)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeErr
}

func (m *mockCentral) Close() error { m.record("close"); return nil }

// mockPeripheral records requests and responses.
type mockPeripheral struct {
	mu        sync.Mutex
	handler   ble.PeripheralHandler
	calls     []string
	responses []error
	services  []ble.ServiceConfig
	updates   []string
	updateErr error
}

func (m *mockPeripheral) record(format string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

func (m *mockPeripheral) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *mockPeripheral) Responses() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]error, len(m.responses))
	copy(out, m.responses)
	return out
}

func (m *mockPeripheral) Updates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.updates))
	copy(out, m.updates)
	return out
}

func (m *mockPeripheral) h() ble.PeripheralHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handler
}

func (m *mockPeripheral) SetHandler(h ble.PeripheralHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *mockPeripheral) Start() error             { m.record("start"); return nil }
func (m *mockPeripheral) RemoveAllServices() error { m.record("remove-services"); return nil }

func (m *mockPeripheral) AddService(svc ble.ServiceConfig) error {
	m.record("add-service:%s", svc.UUID)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = append(m.services, svc)
	return nil
}

func (m *mockPeripheral) StartAdvertising(localName string, serviceUUIDs []string) error {
	m.record("advertise:%s", localName)
	return nil
}

func (m *mockPeripheral) StopAdvertising() error { m.record("stop-advertising"); return nil }

func (m *mockPeripheral) Respond(req ble.WriteRequest, result error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, result)
	return nil
}

func (m *mockPeripheral) UpdateValue(charUUID string, value []byte, centrals []ble.Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updates = append(m.updates, string(value))
	return nil
}

func (m *mockPeripheral) Close() error { m.record("close"); return nil }

// ackingPeripheral is a mockPeripheral whose stack acks every write.
type ackingPeripheral struct{ *mockPeripheral }

func (ackingPeripheral) AcksEveryWrite() bool { return true }

// recorder observes both roles and logs what it sees.
type recorder struct {
	mu     sync.Mutex
	events []string
	errs   []error
	ch     chan string

	// onAsked runs inside QuestionAskedByDevice when set.
	onAsked func(d *CentralDevice)
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 64)}
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.ch <- ev:
	default:
	}
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]error, len(r.errs))
	copy(out, r.errs)
	return out
}

func (r *recorder) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q; saw %v", want, r.Events())
		}
	}
}

func (r *recorder) ErrorOccurred(err error, _ SDK) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.add("error:" + Slug(err))
}

func (r *recorder) DeviceDiscovered(d *PeripheralDevice) { r.add("discovered:" + d.Name()) }

func (r *recorder) QuestionAskedOfDevice(d *PeripheralDevice) { r.add("asked:" + d.Question()) }

func (r *recorder) QuestionAnsweredByDevice(d *PeripheralDevice) { r.add("answered:" + d.Answer()) }

func (r *recorder) QuestionAskedByDevice(d *CentralDevice) {
	r.add("asked-by:" + d.Question())
	r.mu.Lock()
	hook := r.onAsked
	r.mu.Unlock()
	if hook != nil {
		hook(d)
	}
}

func (r *recorder) AnswerSentToDevice(d *CentralDevice) { r.add("sent:" + d.Answer()) }

var (
	_ CentralObserver    = (*recorder)(nil)
	_ PeripheralObserver = (*recorder)(nil)
)
