package main

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"os"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/goburrow/tlspump"
)

type clientFlags struct {
	addr       string
	serverName string
	certFile   string
	keyFile    string
}

func clientCommand(global *globalFlags) *cobra.Command {
	var flags clientFlags
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Connect a stream to standard input and output",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(cmd.Context(), global, &flags)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.addr, "addr", "localhost:4433", "server IP:port")
	f.StringVar(&flags.serverName, "server-name", "", "server name sent in the handshake (default host of addr)")
	f.StringVar(&flags.certFile, "cert", "", "client certificate path")
	f.StringVar(&flags.keyFile, "key", "", "client certificate key path")
	return cmd
}

func runClient(ctx context.Context, global *globalFlags, flags *clientFlags) error {
	config, err := newConfig(global)
	if err != nil {
		return err
	}
	if flags.certFile != "" {
		cert, err := tls.LoadX509KeyPair(flags.certFile, flags.keyFile)
		if err != nil {
			return errors.Wrap(err, "load certificate")
		}
		config.TLS.Certificates = []tls.Certificate{cert}
	}
	serverName := flags.serverName
	if serverName == "" {
		host, _, err := net.SplitHostPort(flags.addr)
		if err != nil {
			return err
		}
		serverName = host
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", flags.addr)
	if err != nil {
		return err
	}
	s := tlspump.New(conn, config)
	defer s.Close()
	if err = s.AuthenticateAsClientContext(ctx, serverName); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"addr":     s.RemoteAddr(),
		"protocol": s.Protocol(),
		"alpn":     s.NegotiatedProtocol(),
	}).Info("connected")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := io.Copy(s, os.Stdin); err != nil {
			return err
		}
		return s.ShutdownContext(ctx)
	})
	g.Go(func() error {
		_, err := io.Copy(os.Stdout, s)
		return err
	})
	return g.Wait()
}
