package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/apex/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type keygenFlags struct {
	hosts    []string
	validFor time.Duration
	certFile string
	keyFile  string
}

func keygenCommand() *cobra.Command {
	var flags keygenFlags
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Write a self-signed Ed25519 certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(&flags)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&flags.hosts, "host", []string{"localhost"}, "host names and IP addresses")
	f.DurationVar(&flags.validFor, "valid-for", 365*24*time.Hour, "certificate lifetime")
	f.StringVar(&flags.certFile, "cert", "cert.pem", "certificate output path")
	f.StringVar(&flags.keyFile, "key", "key.pem", "key output path")
	return cmd
}

func runKeygen(flags *keygenFlags) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}
	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"tlspump"}},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(flags.validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range flags.hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return errors.Wrap(err, "create certificate")
	}
	key, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return err
	}
	if err = writePEM(flags.certFile, "CERTIFICATE", der, 0644); err != nil {
		return err
	}
	if err = writePEM(flags.keyFile, "PRIVATE KEY", key, 0600); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"cert":  flags.certFile,
		"key":   flags.keyFile,
		"hosts": flags.hosts,
	}).Info("certificate written")
	return nil
}

func writePEM(name, typ string, b []byte, perm os.FileMode) error {
	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if err = pem.Encode(f, &pem.Block{Type: typ, Bytes: b}); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", name)
	}
	return f.Close()
}
