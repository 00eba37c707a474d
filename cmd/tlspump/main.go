// Command tlspump runs streams over TCP.
//
// Usage:
//
//	tlspump keygen -host localhost
//	tlspump server -listen localhost:4433 -cert cert.pem -key key.pem
//	tlspump client -addr localhost:4433 -server-name localhost
package main

import (
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/spf13/cobra"

	"github.com/goburrow/tlspump"
	"github.com/goburrow/tlspump/engine"
	"github.com/goburrow/tlspump/engine/echo"
	"github.com/goburrow/tlspump/engine/sealed"
)

type globalFlags struct {
	logLevel   string
	engineName string
	alpn       string
}

func main() {
	log.SetHandler(cli.Default)
	var flags globalFlags
	root := &cobra.Command{
		Use:           "tlspump",
		Short:         "Record engine streams over TCP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&flags.logLevel, "verbose", "v", "error", "stream log level: off, error, info, debug or trace")
	pf.StringVar(&flags.engineName, "engine", "sealed", "record engine: sealed or echo")
	pf.StringVar(&flags.alpn, "alpn", "echo", "comma separated application protocols")
	root.AddCommand(serverCommand(&flags))
	root.AddCommand(clientCommand(&flags))
	root.AddCommand(keygenCommand())
	if err := root.Execute(); err != nil {
		log.WithError(err).Fatal("tlspump")
	}
}

func newConfig(flags *globalFlags) (*tlspump.Config, error) {
	level, err := tlspump.ParseLevel(flags.logLevel)
	if err != nil {
		return nil, err
	}
	factory, err := engineFactory(flags.engineName)
	if err != nil {
		return nil, err
	}
	c := tlspump.NewConfig()
	c.Engine = factory
	c.Logger = newLogger(level)
	c.TLS = &tls.Config{
		KeyLogWriter: newKeyLogWriter(),
	}
	if flags.alpn != "" {
		c.TLS.NextProtos = strings.Split(flags.alpn, ",")
	}
	return c, nil
}

func engineFactory(name string) (engine.Factory, error) {
	switch name {
	case "sealed":
		return sealed.New, nil
	case "echo":
		return echo.New, nil
	default:
		return nil, fmt.Errorf("unknown engine: %q", name)
	}
}

// apexLogger writes stream logs to apex/log.
type apexLogger struct {
	level int
	entry *log.Entry
}

func newLogger(level int) tlspump.Logger {
	if level >= tlspump.LevelDebug {
		log.SetLevel(log.DebugLevel)
	}
	return &apexLogger{
		level: level,
		entry: log.WithField("component", "stream"),
	}
}

func (l *apexLogger) Log(level int, format string, values ...interface{}) {
	if level > l.level {
		return
	}
	switch level {
	case tlspump.LevelError:
		l.entry.Errorf(format, values...)
	case tlspump.LevelInfo:
		l.entry.Infof(format, values...)
	default:
		l.entry.Debugf(format, values...)
	}
}

func newKeyLogWriter() io.Writer {
	logFile := os.Getenv("SSLKEYLOGFILE")
	if logFile == "" {
		return nil
	}
	f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		log.WithError(err).Warn("could not open key log file")
		return nil
	}
	return &keyLogWriter{w: f}
}

type keyLogWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *keyLogWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(b)
}
