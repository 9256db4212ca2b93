package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-zigbee/internal/catalog"
)

func newCatalogCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect device catalogs",
	}
	cmd.AddCommand(newCatalogCheckCommand())
	return cmd
}

func newCatalogCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <file>",
		Short: "Validate a device catalog and compile its transforms",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.LoadFile(args[0])
			if err != nil {
				return err
			}
			defer cat.Close()

			st := cat.Stats()
			fmt.Fprintf(cmd.OutOrStdout(),
				"%s: %d groups, %d devices, %d slots (%d writable, %d events, %d lua transforms)\n",
				args[0], st.Groups, st.Devices, st.Slots, st.Writable, st.Events, st.Lua)
			return nil
		},
	}
}
