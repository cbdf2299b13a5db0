// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command rpcmuxecho is a small demo peer for the rpcmux protocol. It
// either listens for one incoming TCP connection or dials one, and
// then answers every call with its own parameter bag until the peer
// disconnects or sends a "quit" call.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/hybscloud/rpcmux"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	listenAddr string
	dialAddr   string
	binary     bool
	preferBin  bool
)

var rootCmd = &cobra.Command{
	Use:   "rpcmuxecho",
	Short: "Minimal rpcmux echo peer for manual protocol testing",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&listenAddr, "listen", "", "TCP address to listen on (mutually exclusive with --dial)")
	rootCmd.Flags().StringVar(&dialAddr, "dial", "", "TCP address to dial (mutually exclusive with --listen)")
	rootCmd.Flags().BoolVar(&binary, "binary", false, "start the connection in binary framing")
	rootCmd.Flags().BoolVar(&preferBin, "prefer-binary", false, "negotiate a binary upgrade before the first call")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rpcmuxecho:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if (listenAddr == "") == (dialAddr == "") {
		return fmt.Errorf("exactly one of --listen or --dial is required")
	}

	zl, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	sugar := zl.Sugar()

	var conn net.Conn
	if listenAddr != "" {
		conn, err = acceptOne(listenAddr)
	} else {
		conn, err = net.Dial("tcp", dialAddr)
	}
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	mode := rpcmux.ModeText
	switch {
	case binary:
		mode = rpcmux.ModeBinary
	case preferBin:
		mode = rpcmux.ModePreferBinary
	}

	rc, err := rpcmux.NewNetConnection(conn, rpcmux.WithProtocol(mode), rpcmux.WithLogger(sugar))
	if err != nil {
		return err
	}

	sugar.Infow("rpcmuxecho: serving echo", "addr", conn.RemoteAddr())
	return rc.Listen(func(call *rpcmux.Call) (*rpcmux.Bag, bool, error) {
		if call.Func == "quit" {
			return rpcmux.NewBag(), true, nil
		}
		return call.Params().Clone(), false, nil
	})
}

func acceptOne(addr string) (net.Conn, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ln.Close() }()
	return ln.Accept()
}
