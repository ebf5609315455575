//go:build !linux

package main

import "tinygo.org/x/bluetooth"

// tinygoAdapter returns the system adapter, selecting an adapter by name is only
// supported on Linux
func tinygoAdapter(_ string) *bluetooth.Adapter {
	return bluetooth.DefaultAdapter
}
