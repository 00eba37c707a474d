package main

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"os"
	"os/signal"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/goburrow/tlspump"
)

type serverFlags struct {
	listenAddr        string
	certFile          string
	keyFile           string
	requireClientCert bool
}

func serverCommand(global *globalFlags) *cobra.Command {
	var flags serverFlags
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Accept streams and echo their data",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), global, &flags)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.listenAddr, "listen", "localhost:4433", "listen on the given IP:port")
	f.StringVar(&flags.certFile, "cert", "cert.pem", "certificate path")
	f.StringVar(&flags.keyFile, "key", "key.pem", "certificate key path")
	f.BoolVar(&flags.requireClientCert, "require-client-cert", false, "require a client certificate")
	return cmd
}

func runServer(ctx context.Context, global *globalFlags, flags *serverFlags) error {
	config, err := newConfig(global)
	if err != nil {
		return err
	}
	var cert *tls.Certificate
	if global.engineName != "echo" {
		c, err := tls.LoadX509KeyPair(flags.certFile, flags.keyFile)
		if err != nil {
			return errors.Wrap(err, "load certificate")
		}
		cert = &c
	}
	ln, err := net.Listen("tcp", flags.listenAddr)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	log.WithField("addr", ln.Addr()).Info("listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go serveConn(ctx, tlspump.New(conn, config), cert, flags.requireClientCert)
	}
}

func serveConn(ctx context.Context, s *tlspump.Stream, cert *tls.Certificate, requireClientCert bool) {
	defer s.Close()
	logger := log.WithField("addr", s.RemoteAddr())
	if err := s.AuthenticateAsServerContext(ctx, cert, requireClientCert); err != nil {
		logger.WithError(err).Error("handshake failed")
		return
	}
	logger.WithFields(log.Fields{
		"protocol": s.Protocol(),
		"alpn":     s.NegotiatedProtocol(),
		"mutual":   s.IsMutuallyAuthenticated(),
	}).Info("accepted")
	n, err := io.Copy(s, s)
	if err != nil {
		logger.WithError(err).Error("echo failed")
		return
	}
	if err = s.ShutdownContext(ctx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		return
	}
	logger.WithField("bytes", n).Info("closed")
}
