package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateConfigCmd() *cobra.Command {
	var ifacesPath, routesPath, natExternal string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Parse the interfaces and routing-table files and report errors without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRouterConfig(ifacesPath, routesPath, natExternal)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "interfaces: %d loaded\n", len(cfg.Ifaces.All()))
			fmt.Fprintf(cmd.OutOrStdout(), "routes: %d loaded\n", len(cfg.Routes.Entries()))
			if natExternal != "" {
				if _, ok := cfg.Ifaces.External(); !ok {
					return fmt.Errorf("nat-external %q not found among loaded interfaces", natExternal)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "nat: enabled on %q\n", natExternal)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&ifacesPath, "interfaces", "", "path to the interfaces config file (required)")
	cmd.Flags().StringVar(&routesPath, "routes", "", "path to the routing-table config file (required)")
	cmd.Flags().StringVar(&natExternal, "nat-external", "", "name of the NAT external interface; empty disables NAT")
	cmd.MarkFlagRequired("interfaces")
	cmd.MarkFlagRequired("routes")
	return cmd
}
