package main

import (
	"fmt"
	"math/bits"
	"os"

	"github.com/soypat/vrouter/iface"
	"github.com/soypat/vrouter/rtable"
)

// routerConfig is the parsed, not-yet-wired set of config inputs common to
// both the run and validate-config subcommands.
type routerConfig struct {
	Ifaces *iface.Table
	Routes *rtable.Table
}

func loadRouterConfig(ifacesPath, routesPath, natExternal string) (routerConfig, error) {
	ifacesFile, err := os.Open(ifacesPath)
	if err != nil {
		return routerConfig{}, fmt.Errorf("opening interfaces file: %w", err)
	}
	defer ifacesFile.Close()
	ifaces, err := iface.Load(ifacesFile, natExternal)
	if err != nil {
		return routerConfig{}, fmt.Errorf("loading interfaces: %w", err)
	}

	routesFile, err := os.Open(routesPath)
	if err != nil {
		return routerConfig{}, fmt.Errorf("opening routing table file: %w", err)
	}
	defer routesFile.Close()
	routes, err := rtable.Load(routesFile)
	if err != nil {
		return routerConfig{}, fmt.Errorf("loading routing table: %w", err)
	}

	return routerConfig{Ifaces: ifaces, Routes: routes}, nil
}

// maskPrefixLen returns the CIDR prefix length of a dotted IPv4 subnet mask.
func maskPrefixLen(mask [4]byte) int {
	return bits.OnesCount32(uint32(mask[0])<<24 | uint32(mask[1])<<16 | uint32(mask[2])<<8 | uint32(mask[3]))
}
