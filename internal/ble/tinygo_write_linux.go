//go:build linux

package ble

import "tinygo.org/x/bluetooth"

// writeQuestion sends value without a response. tinygo's BlueZ client has
// no write-with-response, so the caller's WriteCompleted only means BlueZ
// accepted the value. A Peripheral that rejects the question does so in
// band on the answer characteristic.
func writeQuestion(ch *bluetooth.DeviceCharacteristic, value []byte) error {
	_, err := ch.WriteWithoutResponse(value)
	return err
}
