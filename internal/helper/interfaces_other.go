//go:build !linux

package helper

import (
	"fmt"
	"net"
	"slices"
)

type netInterfaces struct{}

// NewInterfaceLister returns the interface lister for this platform.
func NewInterfaceLister() InterfaceLister {
	return netInterfaces{}
}

func (netInterfaces) InterfaceNames() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("helper: list interfaces: %w", err)
	}
	names := make([]string, 0, len(ifaces))
	for _, i := range ifaces {
		names = append(names, i.Name)
	}
	slices.Sort(names)
	return names, nil
}
