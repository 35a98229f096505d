// Command vrouter runs the software IPv4 router: ARP resolution,
// longest-prefix-match forwarding, ICMP error generation, and optional
// stateful NAT, bridged to the host over one TAP device per interface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "vrouter",
		Short: "A userspace IPv4 router with ARP, forwarding, ICMP, and NAT",
	}
	root.AddCommand(newRunCmd(), newValidateConfigCmd())
	return root
}
