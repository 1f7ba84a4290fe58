//go:build !linux

package ble

import "tinygo.org/x/bluetooth"

// writeQuestion sends value as a write request and waits for the ATT
// response.
func writeQuestion(ch *bluetooth.DeviceCharacteristic, value []byte) error {
	_, err := ch.Write(value)
	return err
}
