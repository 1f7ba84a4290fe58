//go:build !linux && !windows

package ble

import "errors"

// ErrNoPeripheralRole is returned by TinyGoRadio.Peripheral on platforms
// where tinygo has no GATT server.
var ErrNoPeripheralRole = errors.New("ble: this platform has no GATT server")

func (r *TinyGoRadio) newPeripheral() (PeripheralTransport, error) {
	return nil, ErrNoPeripheralRole
}
