//go:build linux

package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"floss-socketmgr/internal/socketmgr"
)

var (
	flagConnAddress  string
	flagConnName     string
	flagConnPSM      int32
	flagConnUUID     string
	flagConnInsecure bool
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect an outgoing socket to a remote device",
	Long: `Initiate an outgoing connection, wait for the daemon's result
notification, and print the transferred file descriptor on success.
With --psm an L2CAP channel is used; with --uuid an RFCOMM socket to the
device's service record.`,
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().StringVar(&flagConnAddress, "address", "", "remote device address (required)")
	connectCmd.Flags().StringVar(&flagConnName, "device-name", "", "remote device name")
	connectCmd.Flags().Int32Var(&flagConnPSM, "psm", 0, "L2CAP protocol service multiplexor")
	connectCmd.Flags().StringVar(&flagConnUUID, "uuid", "", "128-bit service uuid (rfcomm)")
	connectCmd.Flags().BoolVar(&flagConnInsecure, "insecure", false, "use the insecure create variant")
	connectCmd.MarkFlagRequired("address")
	rootCmd.AddCommand(connectCmd)
}

func runConnect(cmd *cobra.Command, args []string) error {
	if (flagConnPSM == 0) == (flagConnUUID == "") {
		return fmt.Errorf("exactly one of --psm or --uuid is required")
	}
	if flagConnUUID != "" {
		if _, err := uuid.Parse(flagConnUUID); err != nil {
			return fmt.Errorf("invalid service uuid %q: %w", flagConnUUID, err)
		}
	}

	cfg, log, err := setup()
	if err != nil {
		return err
	}
	mgr, transport, err := newManager(cfg, log)
	if err != nil {
		return err
	}
	defer transport.Close()

	dev := socketmgr.Device{Address: flagConnAddress, Name: flagConnName}
	var res socketmgr.SocketResult
	switch {
	case flagConnPSM != 0 && flagConnInsecure:
		res, err = mgr.CreateInsecureL2capChannel(dev, flagConnPSM)
	case flagConnPSM != 0:
		res, err = mgr.CreateL2capChannel(dev, flagConnPSM)
	case flagConnInsecure:
		res, err = mgr.CreateInsecureRfcommSocketToServiceRecord(dev, flagConnUUID)
	default:
		res, err = mgr.CreateRfcommSocketToServiceRecord(dev, flagConnUUID)
	}
	if err != nil {
		return err
	}
	if !res.Status.Ok() {
		return fmt.Errorf("create socket: status %s", res.Status)
	}

	out, ok := mgr.Registry().WaitForOutgoingResult(res.ID, waitTimeout(cfg))
	if !ok {
		return fmt.Errorf("connecting %d: result notification timed out", res.ID)
	}
	if !out.Status.Ok() {
		return fmt.Errorf("connecting %d: status %s", res.ID, out.Status)
	}
	fd, ok := mgr.Registry().TakeOutgoingFd(res.ID)
	if !ok {
		return fmt.Errorf("connecting %d: no fd transferred", res.ID)
	}
	fmt.Printf("connected, id=%d fd=%d\n", res.ID, fd)
	return nil
}
