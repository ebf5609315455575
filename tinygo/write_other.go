//go:build !linux

package tinygo

import "tinygo.org/x/bluetooth"

func writeCharacteristic(c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.Write(data)
	return err
}
