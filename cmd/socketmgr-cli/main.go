//go:build linux

// socketmgr-cli exercises the Floss SocketManager client engine against a
// live adapter daemon.
//
// Prerequisites
//   - Linux with the Floss adapter daemon (btadapterd) on the system bus.
//   - System D-Bus access; most environments require sudo.
//
// Examples
//
//	socketmgr-cli listen --name MySvc
//	socketmgr-cli connect --address AA:BB:CC:DD:EE:FF --uuid 00001101-0000-1000-8000-00805f9b34fb
//	socketmgr-cli close-all
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
