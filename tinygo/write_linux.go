package tinygo

import "tinygo.org/x/bluetooth"

// BlueZ only offers WriteValue without a response on this API level
func writeCharacteristic(c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.WriteWithoutResponse(data)
	return err
}
