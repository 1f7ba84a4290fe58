// Package ble defines the transport capability set the Magic 8-Ball SDK
// drives: a Central side (scan, connect, discover, write, subscribe) and a
// Peripheral side (publish service, advertise, respond, notify). Completions
// are delivered asynchronously through handler interfaces.
package ble

import (
	"fmt"

	"github.com/google/uuid"
)

// Magic 8-Ball GATT profile UUIDs
const (
	ServiceUUID      = "8e38140a-27be-4090-8955-4fc4b5698d1e"
	QuestionCharUUID = "bdd37d7a-f66a-47b9-a49c-fe29fd235a77"
	AnswerCharUUID   = "349a0d7b-6215-4e2c-a095-af078d737445"
)

func init() {
	for _, s := range []string{ServiceUUID, QuestionCharUUID, AnswerCharUUID} {
		uuid.MustParse(s)
	}
}

// PeerID identifies a remote device. Two records refer to the same device
// exactly when their PeerIDs are equal.
type PeerID string

// Peer is the transport's handle for a remote device.
type Peer interface {
	ID() PeerID
	// Name returns the peer's advertised name, or "" if unknown.
	Name() string
}

// ManagerState mirrors the power/authorization state of the local radio.
type ManagerState int

const (
	StateUnknown ManagerState = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s ManagerState) String() string {
	switch s {
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "poweredOff"
	case StatePoweredOn:
		return "poweredOn"
	default:
		return "unknown"
	}
}

// Advertisement is a single scan result.
type Advertisement struct {
	Peer         Peer
	LocalName    string
	RSSI         int
	ServiceUUIDs []string
}

// HasService reports whether the advertisement lists the given service UUID.
func (a Advertisement) HasService(serviceUUID string) bool {
	for _, s := range a.ServiceUUIDs {
		if SameUUID(s, serviceUUID) {
			return true
		}
	}
	return false
}

// CentralHandler receives Central-side transport completions. Implementations
// must tolerate calls from any goroutine.
type CentralHandler interface {
	StateChanged(state ManagerState)
	Discovered(adv Advertisement)
	Connected(peer Peer, err error)
	Disconnected(peer Peer, err error)
	ServicesDiscovered(peer Peer, err error)
	CharacteristicsDiscovered(peer Peer, serviceUUID string, err error)
	NotifyStateChanged(peer Peer, charUUID string, enabled bool, err error)
	WriteCompleted(peer Peer, charUUID string, err error)
	ValueUpdated(peer Peer, charUUID string, value []byte, err error)
}

// CentralTransport is the Central-role capability set. Request methods return
// an error only when the request could not be issued; the outcome of an issued
// request arrives later on the CentralHandler.
type CentralTransport interface {
	// SetHandler must be called before Start.
	SetHandler(h CentralHandler)
	// Start powers the radio up. The resulting state arrives via StateChanged.
	Start() error
	Scan(serviceUUID string) error
	StopScan() error
	Connect(peer Peer) error
	DiscoverServices(peer Peer, serviceUUIDs []string) error
	DiscoverCharacteristics(peer Peer, serviceUUID string, charUUIDs []string) error
	// HasCharacteristic reports whether discovery has found the characteristic.
	HasCharacteristic(peer Peer, charUUID string) bool
	// IsNotifying reports whether notifications are enabled on the characteristic.
	IsNotifying(peer Peer, charUUID string) bool
	SetNotify(peer Peer, charUUID string, enabled bool) error
	// Write performs a write-with-response; the ATT result arrives via WriteCompleted.
	Write(peer Peer, charUUID string, value []byte) error
	Close() error
}

// WriteRequest is one inbound ATT write on the Peripheral side.
type WriteRequest struct {
	Central  Peer
	CharUUID string
	Value    []byte
	// Token is opaque transport state used to route the response.
	Token any
}

// CharacteristicProps is a bitmask of GATT characteristic properties.
type CharacteristicProps uint8

const (
	PropRead CharacteristicProps = 1 << iota
	PropWrite
	PropNotify
)

// CharacteristicConfig declares one characteristic of a published service.
type CharacteristicConfig struct {
	UUID  string
	Props CharacteristicProps
}

// ServiceConfig declares a primary service for the Peripheral to publish.
type ServiceConfig struct {
	UUID            string
	Characteristics []CharacteristicConfig
}

// PeripheralHandler receives Peripheral-side transport events.
type PeripheralHandler interface {
	StateChanged(state ManagerState)
	WriteRequests(reqs []WriteRequest)
	Subscribed(central Peer, charUUID string)
	Unsubscribed(central Peer, charUUID string)
}

// PeripheralTransport is the Peripheral-role capability set.
type PeripheralTransport interface {
	SetHandler(h PeripheralHandler)
	Start() error
	RemoveAllServices() error
	AddService(svc ServiceConfig) error
	StartAdvertising(localName string, serviceUUIDs []string) error
	StopAdvertising() error
	// Respond answers a write request. A nil result means success.
	Respond(req WriteRequest, result error) error
	// UpdateValue sets the characteristic value and notifies the given
	// subscribed centrals.
	UpdateValue(charUUID string, value []byte, centrals []Peer) error
	Close() error
}

// WriteAcker is implemented by peripheral transports whose stack answers
// every ATT write itself. Respond cannot carry an error on such a stack, so
// rejections have to travel in band.
type WriteAcker interface {
	AcksEveryWrite() bool
}

// Radio hands out role-specific transports for one local adapter.
type Radio interface {
	Central() (CentralTransport, error)
	Peripheral() (PeripheralTransport, error)
}

// ATTError is an ATT protocol error code carried in a write response.
type ATTError uint8

const (
	ATTInvalidHandle               ATTError = 0x01
	ATTReadNotPermitted            ATTError = 0x02
	ATTWriteNotPermitted           ATTError = 0x03
	ATTInvalidPDU                  ATTError = 0x04
	ATTInsufficientAuthentication  ATTError = 0x05
	ATTRequestNotSupported         ATTError = 0x06
	ATTInvalidOffset               ATTError = 0x07
	ATTInsufficientAuthorization   ATTError = 0x08
	ATTAttributeNotFound           ATTError = 0x0A
	ATTInvalidAttributeValueLength ATTError = 0x0D
	// ATTUnlikelyError is what the Peripheral answers when a question is
	// malformed (no trailing question mark).
	ATTUnlikelyError ATTError = 0x0E
)

func (e ATTError) Error() string {
	switch e {
	case ATTInvalidHandle:
		return "att: invalid handle"
	case ATTReadNotPermitted:
		return "att: read not permitted"
	case ATTWriteNotPermitted:
		return "att: write not permitted"
	case ATTInvalidPDU:
		return "att: invalid PDU"
	case ATTInsufficientAuthentication:
		return "att: insufficient authentication"
	case ATTRequestNotSupported:
		return "att: request not supported"
	case ATTInvalidOffset:
		return "att: invalid offset"
	case ATTInsufficientAuthorization:
		return "att: insufficient authorization"
	case ATTAttributeNotFound:
		return "att: attribute not found"
	case ATTInvalidAttributeValueLength:
		return "att: invalid attribute value length"
	case ATTUnlikelyError:
		return "att: unlikely error"
	default:
		return fmt.Sprintf("att: error 0x%02x", uint8(e))
	}
}

// SameUUID compares two UUID strings, ignoring case and formatting.
func SameUUID(a, b string) bool {
	ua, errA := uuid.Parse(a)
	ub, errB := uuid.Parse(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return ua == ub
}
