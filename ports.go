package serial

import (
	"sort"

	bugst "go.bug.st/serial"
)

// ListPorts returns the serial device paths present on this host.
func ListPorts() ([]string, error) {
	ports, err := bugst.GetPortsList()
	if err != nil {
		return nil, err
	}
	sort.Strings(ports)
	return ports, nil
}
