//go:build linux

package helper

import (
	"fmt"
	"slices"

	"github.com/vishvananda/netlink"
)

// netlinkInterfaces lists links through rtnetlink.
type netlinkInterfaces struct{}

// NewInterfaceLister returns the interface lister for this platform.
func NewInterfaceLister() InterfaceLister {
	return netlinkInterfaces{}
}

func (netlinkInterfaces) InterfaceNames() ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("helper: list links: %w", err)
	}
	names := make([]string, 0, len(links))
	for _, l := range links {
		names = append(names, l.Attrs().Name)
	}
	slices.Sort(names)
	return names, nil
}
