//go:build linux

package ble

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBusName          = "org.bluez"
	bluezAdapterInterface = "org.bluez.Adapter1"
)

// probeRadio asks BlueZ whether the adapter exists and is powered.
func probeRadio(adapterID string) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("connect to system bus: %w", err)
	}

	obj := conn.Object(bluezBusName, dbus.ObjectPath("/org/bluez/"+adapterID))
	var props map[string]dbus.Variant
	if err := obj.Call("org.freedesktop.DBus.Properties.GetAll", 0, bluezAdapterInterface).Store(&props); err != nil {
		return fmt.Errorf("read adapter %s properties: %w", adapterID, err)
	}

	powered, ok := props["Powered"]
	if !ok {
		return fmt.Errorf("adapter %s reports no Powered property", adapterID)
	}
	if on, _ := powered.Value().(bool); !on {
		return fmt.Errorf("%w: %s", ErrRadioOff, adapterID)
	}
	return nil
}
