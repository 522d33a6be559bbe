//go:build linux

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var closeAllCmd = &cobra.Command{
	Use:   "close-all",
	Short: "Close every live listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		mgr, transport, err := newManager(cfg, log)
		if err != nil {
			return err
		}
		defer transport.Close()

		if err := mgr.CloseAll(); err != nil {
			return err
		}
		fmt.Println("all listeners closed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(closeAllCmd)
}
