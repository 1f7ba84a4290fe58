package ble

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// recordingCentral records every Central-side callback as a string event.
type recordingCentral struct {
	mu     sync.Mutex
	events []string
	advs   []Advertisement
	values [][]byte
	ch     chan string
}

func newRecordingCentral() *recordingCentral {
	return &recordingCentral{ch: make(chan string, 64)}
}

func (r *recordingCentral) record(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func errTag(err error) string {
	if err != nil {
		return "err"
	}
	return "ok"
}

func (r *recordingCentral) StateChanged(s ManagerState) { r.record("state:" + s.String()) }
func (r *recordingCentral) Discovered(adv Advertisement) {
	r.mu.Lock()
	r.advs = append(r.advs, adv)
	r.mu.Unlock()
	r.record("discovered:" + adv.LocalName)
}
func (r *recordingCentral) Connected(_ Peer, err error)    { r.record("connected:" + errTag(err)) }
func (r *recordingCentral) Disconnected(_ Peer, err error) { r.record("disconnected:" + errTag(err)) }
func (r *recordingCentral) ServicesDiscovered(_ Peer, err error) {
	r.record("services:" + errTag(err))
}
func (r *recordingCentral) CharacteristicsDiscovered(_ Peer, _ string, err error) {
	r.record("chars:" + errTag(err))
}
func (r *recordingCentral) NotifyStateChanged(_ Peer, _ string, enabled bool, err error) {
	r.record(fmt.Sprintf("notify:%v:%s", enabled, errTag(err)))
}
func (r *recordingCentral) WriteCompleted(_ Peer, _ string, err error) {
	var att ATTError
	if errors.As(err, &att) {
		r.record(fmt.Sprintf("write:0x%02x", uint8(att)))
		return
	}
	r.record("write:" + errTag(err))
}
func (r *recordingCentral) ValueUpdated(_ Peer, _ string, value []byte, err error) {
	r.mu.Lock()
	r.values = append(r.values, value)
	r.mu.Unlock()
	r.record("value:" + string(value))
}

// recordingPeripheral records Peripheral-side callbacks and can answer writes.
type recordingPeripheral struct {
	mu      sync.Mutex
	writes  []WriteRequest
	ch      chan string
	respond func(req WriteRequest)
}

func newRecordingPeripheral() *recordingPeripheral {
	return &recordingPeripheral{ch: make(chan string, 64)}
}

func (r *recordingPeripheral) StateChanged(s ManagerState) { r.ch <- "state:" + s.String() }
func (r *recordingPeripheral) WriteRequests(reqs []WriteRequest) {
	r.mu.Lock()
	r.writes = append(r.writes, reqs...)
	respond := r.respond
	r.mu.Unlock()
	r.ch <- "write:" + string(reqs[0].Value)
	if respond != nil {
		respond(reqs[0])
	}
}
func (r *recordingPeripheral) Subscribed(_ Peer, _ string)   { r.ch <- "subscribed" }
func (r *recordingPeripheral) Unsubscribed(_ Peer, _ string) { r.ch <- "unsubscribed" }

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func setupPair(t *testing.T) (*loopbackCentral, *recordingCentral, *loopbackPeripheral, *recordingPeripheral, *Station) {
	t.Helper()
	medium := NewLoopback(nil)

	pStation := medium.Station("Ball-1", -40)
	pt, _ := pStation.Peripheral()
	per := pt.(*loopbackPeripheral)
	prec := newRecordingPeripheral()
	per.SetHandler(prec)

	cStation := medium.Station("Asker", -40)
	ct, _ := cStation.Central()
	cen := ct.(*loopbackCentral)
	crec := newRecordingCentral()
	cen.SetHandler(crec)

	t.Cleanup(func() {
		_ = cen.Close()
		_ = per.Close()
	})

	if err := per.AddService(ServiceConfig{
		UUID: ServiceUUID,
		Characteristics: []CharacteristicConfig{
			{UUID: QuestionCharUUID, Props: PropWrite},
			{UUID: AnswerCharUUID, Props: PropRead | PropNotify},
		},
	}); err != nil {
		t.Fatalf("AddService() error = %v", err)
	}
	if err := per.StartAdvertising("Ball-1", []string{ServiceUUID}); err != nil {
		t.Fatalf("StartAdvertising() error = %v", err)
	}
	return cen, crec, per, prec, pStation
}

func TestLoopbackStartReportsPowerState(t *testing.T) {
	medium := NewLoopback(nil)
	s := medium.Station("off", -40)
	s.SetPowerState(StatePoweredOff)
	ct, _ := s.Central()
	rec := newRecordingCentral()
	ct.SetHandler(rec)
	defer ct.Close()

	if err := ct.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, rec.ch, "state:poweredOff")

	if err := ct.Scan(ServiceUUID); err == nil {
		t.Error("Scan() on a powered-off radio should fail")
	}
}

func TestLoopbackScanFiltersByService(t *testing.T) {
	cen, crec, _, _, _ := setupPair(t)

	if err := cen.Scan("00000000-0000-0000-0000-000000000001"); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	cen.queue.Sync()
	crec.mu.Lock()
	n := len(crec.advs)
	crec.mu.Unlock()
	if n != 0 {
		t.Errorf("discovered %d devices for an unrelated service, want 0", n)
	}

	_ = cen.StopScan()
	if err := cen.Scan(ServiceUUID); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	waitFor(t, crec.ch, "discovered:Ball-1")

	crec.mu.Lock()
	adv := crec.advs[0]
	crec.mu.Unlock()
	if adv.RSSI != -40 {
		t.Errorf("RSSI = %d, want -40", adv.RSSI)
	}
	if !adv.HasService(ServiceUUID) {
		t.Error("advertisement should list the 8-Ball service")
	}
}

func TestLoopbackScanHearsLateAdvertiser(t *testing.T) {
	medium := NewLoopback(nil)
	ct, _ := medium.Station("Asker", -40).Central()
	crec := newRecordingCentral()
	ct.SetHandler(crec)
	defer ct.Close()
	if err := ct.Scan(ServiceUUID); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}

	pt, _ := medium.Station("Late", -35).Peripheral()
	defer pt.Close()
	_ = pt.AddService(ServiceConfig{UUID: ServiceUUID})
	if err := pt.StartAdvertising("Late", []string{ServiceUUID}); err != nil {
		t.Fatalf("StartAdvertising() error = %v", err)
	}
	waitFor(t, crec.ch, "discovered:Late")
}

func TestLoopbackQuestionAnswerExchange(t *testing.T) {
	cen, crec, per, prec, pStation := setupPair(t)
	peer := pStation.Peer()

	prec.mu.Lock()
	prec.respond = func(req WriteRequest) {
		_ = per.Respond(req, nil)
		_ = per.UpdateValue(AnswerCharUUID, []byte("Yes"), []Peer{req.Central})
	}
	prec.mu.Unlock()

	if err := cen.Connect(peer); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, crec.ch, "connected:ok")

	if err := cen.DiscoverServices(peer, []string{ServiceUUID}); err != nil {
		t.Fatalf("DiscoverServices() error = %v", err)
	}
	waitFor(t, crec.ch, "services:ok")

	if err := cen.DiscoverCharacteristics(peer, ServiceUUID, []string{QuestionCharUUID, AnswerCharUUID}); err != nil {
		t.Fatalf("DiscoverCharacteristics() error = %v", err)
	}
	waitFor(t, crec.ch, "chars:ok")

	if !cen.HasCharacteristic(peer, QuestionCharUUID) || !cen.HasCharacteristic(peer, AnswerCharUUID) {
		t.Fatal("both characteristics should be discovered")
	}
	if cen.IsNotifying(peer, AnswerCharUUID) {
		t.Fatal("answer characteristic should not be notifying yet")
	}

	if err := cen.SetNotify(peer, AnswerCharUUID, true); err != nil {
		t.Fatalf("SetNotify() error = %v", err)
	}
	waitFor(t, prec.ch, "subscribed")
	waitFor(t, crec.ch, "notify:true:ok")
	if !cen.IsNotifying(peer, AnswerCharUUID) {
		t.Error("IsNotifying() = false after enabling notifications")
	}

	if err := cen.Write(peer, QuestionCharUUID, []byte("Is this thing on?")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	waitFor(t, prec.ch, "write:Is this thing on?")
	waitFor(t, crec.ch, "write:ok")
	waitFor(t, crec.ch, "value:Yes")
}

func TestLoopbackRespondWithATTError(t *testing.T) {
	cen, crec, per, prec, pStation := setupPair(t)
	peer := pStation.Peer()

	prec.mu.Lock()
	prec.respond = func(req WriteRequest) { _ = per.Respond(req, ATTUnlikelyError) }
	prec.mu.Unlock()

	_ = cen.Connect(peer)
	waitFor(t, crec.ch, "connected:ok")
	_ = cen.DiscoverServices(peer, []string{ServiceUUID})
	waitFor(t, crec.ch, "services:ok")
	_ = cen.DiscoverCharacteristics(peer, ServiceUUID, []string{QuestionCharUUID, AnswerCharUUID})
	waitFor(t, crec.ch, "chars:ok")

	_ = cen.Write(peer, QuestionCharUUID, []byte("no mark"))
	waitFor(t, crec.ch, "write:0x0e")
}

func TestLoopbackAcksEveryWriteHidesATTError(t *testing.T) {
	cen, crec, per, prec, pStation := setupPair(t)
	peer := pStation.Peer()
	pStation.SetAcksEveryWrite(true)
	if !per.AcksEveryWrite() {
		t.Fatal("AcksEveryWrite() = false after SetAcksEveryWrite(true)")
	}

	prec.mu.Lock()
	prec.respond = func(req WriteRequest) { _ = per.Respond(req, ATTUnlikelyError) }
	prec.mu.Unlock()

	_ = cen.Connect(peer)
	waitFor(t, crec.ch, "connected:ok")
	_ = cen.DiscoverServices(peer, []string{ServiceUUID})
	waitFor(t, crec.ch, "services:ok")
	_ = cen.DiscoverCharacteristics(peer, ServiceUUID, []string{QuestionCharUUID, AnswerCharUUID})
	waitFor(t, crec.ch, "chars:ok")

	_ = cen.Write(peer, QuestionCharUUID, []byte("no mark"))
	waitFor(t, crec.ch, "write:ok")
}

func TestLoopbackWriteToNotifyOnlyCharIsRejected(t *testing.T) {
	cen, crec, _, _, pStation := setupPair(t)
	peer := pStation.Peer()

	_ = cen.Connect(peer)
	waitFor(t, crec.ch, "connected:ok")
	_ = cen.DiscoverServices(peer, []string{ServiceUUID})
	waitFor(t, crec.ch, "services:ok")
	_ = cen.DiscoverCharacteristics(peer, ServiceUUID, []string{AnswerCharUUID})
	waitFor(t, crec.ch, "chars:ok")

	_ = cen.Write(peer, AnswerCharUUID, []byte("x"))
	waitFor(t, crec.ch, "write:0x03")
}

func TestLoopbackConnectToSilentPeerFails(t *testing.T) {
	medium := NewLoopback(nil)
	ct, _ := medium.Station("Asker", -40).Central()
	crec := newRecordingCentral()
	ct.SetHandler(crec)
	defer ct.Close()

	ghost := medium.Station("Ghost", -40)
	if err := ct.Connect(ghost.Peer()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, crec.ch, "connected:err")
}

func TestLoopbackUpdateValueWithoutSubscribers(t *testing.T) {
	_, _, per, _, _ := setupPair(t)
	if err := per.UpdateValue(AnswerCharUUID, []byte("Yes"), nil); err == nil {
		t.Error("UpdateValue() with no subscribers should fail")
	}
}

func TestLoopbackDisconnectDropsSubscription(t *testing.T) {
	medium := NewLoopback(nil)
	pStation := medium.Station("Ball-1", -40)
	pt, _ := pStation.Peripheral()
	prec := newRecordingPeripheral()
	pt.SetHandler(prec)
	defer pt.Close()
	_ = pt.AddService(ServiceConfig{
		UUID:            ServiceUUID,
		Characteristics: []CharacteristicConfig{{UUID: AnswerCharUUID, Props: PropNotify}},
	})
	_ = pt.StartAdvertising("Ball-1", []string{ServiceUUID})

	cStation := medium.Station("Asker", -40)
	ct, _ := cStation.Central()
	crec := newRecordingCentral()
	ct.SetHandler(crec)
	defer ct.Close()

	peer := pStation.Peer()
	_ = ct.Connect(peer)
	waitFor(t, crec.ch, "connected:ok")
	_ = ct.DiscoverServices(peer, []string{ServiceUUID})
	waitFor(t, crec.ch, "services:ok")
	_ = ct.DiscoverCharacteristics(peer, ServiceUUID, []string{AnswerCharUUID})
	waitFor(t, crec.ch, "chars:ok")
	_ = ct.SetNotify(peer, AnswerCharUUID, true)
	waitFor(t, prec.ch, "subscribed")

	medium.Disconnect(cStation, pStation)
	waitFor(t, crec.ch, "disconnected:err")
	waitFor(t, prec.ch, "unsubscribed")

	if ct.IsNotifying(peer, AnswerCharUUID) {
		t.Error("IsNotifying() should be false after disconnect")
	}
}

func TestATTErrorMessages(t *testing.T) {
	if got := ATTUnlikelyError.Error(); got != "att: unlikely error" {
		t.Errorf("ATTUnlikelyError.Error() = %q", got)
	}
	if got := ATTError(0x42).Error(); got != "att: error 0x42" {
		t.Errorf("ATTError(0x42).Error() = %q", got)
	}
}

func TestAttErrorFrom(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want ATTError
		isAT bool
	}{
		{"nil", nil, 0, false},
		{"already att", ATTInvalidHandle, ATTInvalidHandle, true},
		{"unlikely text", errors.New("org.bluez.Error.Failed: Unlikely Error"), ATTUnlikelyError, true},
		{"hex code", errors.New("att error 0x0e"), ATTUnlikelyError, true},
		{"other", errors.New("link lost"), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := attErrorFrom(tt.in)
			var att ATTError
			if errors.As(got, &att) != tt.isAT {
				t.Fatalf("attErrorFrom(%v) = %v, ATT match = %v, want %v", tt.in, got, !tt.isAT, tt.isAT)
			}
			if tt.isAT && att != tt.want {
				t.Errorf("attErrorFrom(%v) code = %v, want %v", tt.in, att, tt.want)
			}
		})
	}
}

func TestManagerState(t *testing.T) {
	if got := managerState(nil); got != StatePoweredOn {
		t.Errorf("managerState(nil) = %v, want poweredOn", got)
	}
	if got := managerState(errors.New("Bluetooth is powered off")); got != StatePoweredOff {
		t.Errorf("managerState(powered off) = %v, want poweredOff", got)
	}
	if got := managerState(errors.New("bluetooth: permission denied")); got != StateUnauthorized {
		t.Errorf("managerState(permission) = %v, want unauthorized", got)
	}
}

func TestSameUUIDIgnoresCase(t *testing.T) {
	if !SameUUID("8E38140A-27BE-4090-8955-4FC4B5698D1E", ServiceUUID) {
		t.Error("SameUUID should ignore case")
	}
	if SameUUID(ServiceUUID, AnswerCharUUID) {
		t.Error("different UUIDs compared equal")
	}
}
