// Package gate decides whether a due automation may run, based on device
// conditions and an optional Lua predicate.
package gate

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DeviceState is the device condition at evaluation time. A device
// without a battery reports Battery 100 and Charging true.
type DeviceState struct {
	Battery  int  `json:"battery"`
	Charging bool `json:"charging"`
	Online   bool `json:"online"`
}

// Probe reads the current device state.
type Probe interface {
	State(ctx context.Context) (DeviceState, error)
}

// Static is a fixed Probe.
type Static DeviceState

func (s Static) State(context.Context) (DeviceState, error) { return DeviceState(s), nil }

// SysfsProbe reads power supplies from sysfs and network state from the
// interface table.
type SysfsProbe struct {
	Root string // default /sys/class/power_supply
	// Interfaces lists network interfaces; nil means net.Interfaces.
	Interfaces func() ([]net.Interface, error)
}

func (p SysfsProbe) State(ctx context.Context) (DeviceState, error) {
	st := DeviceState{Battery: 100, Charging: true}

	root := p.Root
	if root == "" {
		root = "/sys/class/power_supply"
	}
	entries, err := os.ReadDir(root)
	if err != nil && !os.IsNotExist(err) {
		return st, err
	}

	onMains := false
	sawBattery := false
	for _, e := range entries {
		dir := filepath.Join(root, e.Name())
		switch readAttr(dir, "type") {
		case "Battery":
			if sawBattery {
				continue
			}
			sawBattery = true
			if c, err := strconv.Atoi(readAttr(dir, "capacity")); err == nil {
				st.Battery = c
			}
			switch readAttr(dir, "status") {
			case "Charging", "Full":
				st.Charging = true
			default:
				st.Charging = false
			}
		case "Mains", "USB":
			if readAttr(dir, "online") == "1" {
				onMains = true
			}
		}
	}
	if onMains {
		st.Charging = true
	}

	st.Online, err = p.online()
	return st, err
}

func (p SysfsProbe) online() (bool, error) {
	list := p.Interfaces
	if list == nil {
		list = net.Interfaces
	}
	ifaces, err := list()
	if err != nil {
		return false, err
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ifc.Flags&net.FlagRunning != 0 || ifc.Flags&net.FlagBroadcast != 0 || ifc.Flags&net.FlagPointToPoint != 0 {
			return true, nil
		}
	}
	return false, nil
}

func readAttr(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
