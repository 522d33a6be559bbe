//go:build linux

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"floss-socketmgr/internal/socketmgr"
)

var (
	flagListenName     string
	flagListenUUID     string
	flagListenInsecure bool
	flagListenL2cap    bool
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Open a listener and print accepted connection fds until interrupted",
	Long: `Open a listening socket on the adapter daemon, wait until the daemon
reports it ready, then claim incoming connections as they arrive and print
their file descriptors. Ctrl-C closes the listener and exits.`,
	RunE: runListen,
}

func init() {
	listenCmd.Flags().StringVar(&flagListenName, "name", "SocketMgrService", "service record name (rfcomm)")
	listenCmd.Flags().StringVar(&flagListenUUID, "uuid", "", "128-bit service uuid (rfcomm); generated when empty")
	listenCmd.Flags().BoolVar(&flagListenInsecure, "insecure", false, "use the insecure listen variant")
	listenCmd.Flags().BoolVar(&flagListenL2cap, "l2cap", false, "listen on an L2CAP channel instead of RFCOMM")
	rootCmd.AddCommand(listenCmd)
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	mgr, transport, err := newManager(cfg, log)
	if err != nil {
		return err
	}
	defer transport.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	id, err := openListener(mgr, cfg.ResponseLatency())
	if err != nil {
		return err
	}
	fmt.Printf("listening, id=%d\n", id)
	defer func() {
		if err := mgr.CloseSync(id); err != nil {
			log.Error("closing listener", "id", id, "err", err)
		}
	}()

	if status, err := mgr.Accept(id, nil); err != nil {
		return err
	} else if !status.Ok() {
		return fmt.Errorf("accept on listener %d: status %s", id, status)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		ic, ok := mgr.Registry().WaitForIncomingConnection(id, time.Second)
		if !ok {
			continue
		}
		fmt.Printf("connection from %s (%s): fd=%d\n", ic.Conn.RemoteDevice.Address, ic.Conn.RemoteDevice.Name, ic.Fd)
		// The fd is ours now; hand it to the shell user and keep going.
	}
}

func openListener(mgr *socketmgr.Manager, latency time.Duration) (uint64, error) {
	if flagListenL2cap {
		var res socketmgr.SocketResult
		var err error
		if flagListenInsecure {
			res, err = mgr.ListenUsingInsecureL2capChannel()
		} else {
			res, err = mgr.ListenUsingL2capChannel()
		}
		if err != nil {
			return 0, err
		}
		if !res.Status.Ok() {
			return 0, fmt.Errorf("listen l2cap: status %s", res.Status)
		}
		_, status, ok := mgr.Registry().WaitForReady(res.ID, latency)
		if !ok {
			return 0, fmt.Errorf("listener %d: ready notification timed out", res.ID)
		}
		if !status.Ok() {
			return 0, fmt.Errorf("listener %d failed to start: status %s", res.ID, status)
		}
		return res.ID, nil
	}

	svcUUID := flagListenUUID
	if svcUUID == "" {
		svcUUID = uuid.NewString()
		fmt.Printf("service uuid: %s\n", svcUUID)
	} else if _, err := uuid.Parse(svcUUID); err != nil {
		return 0, fmt.Errorf("invalid service uuid %q: %w", svcUUID, err)
	}

	if flagListenInsecure {
		res, err := mgr.ListenUsingInsecureRfcommWithServiceRecord(flagListenName, svcUUID)
		if err != nil {
			return 0, err
		}
		if !res.Status.Ok() {
			return 0, fmt.Errorf("listen insecure rfcomm: status %s", res.Status)
		}
		_, status, ok := mgr.Registry().WaitForReady(res.ID, latency)
		if !ok {
			return 0, fmt.Errorf("listener %d: ready notification timed out", res.ID)
		}
		if !status.Ok() {
			return 0, fmt.Errorf("listener %d failed to start: status %s", res.ID, status)
		}
		return res.ID, nil
	}

	res, err := mgr.ListenUsingRfcommWithServiceRecordSync(flagListenName, svcUUID)
	if err != nil {
		return 0, err
	}
	return res.ID, nil
}
