package main

import "tinygo.org/x/bluetooth"

// tinygoAdapter returns the BlueZ adapter with the given name (e.g. hci1)
func tinygoAdapter(name string) *bluetooth.Adapter {
	if name == "" {
		return bluetooth.DefaultAdapter
	}
	return bluetooth.NewAdapter(name)
}
