// Command cli runs the relay client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/C12AK/TCP-chat/pkg/client"
)

var opt struct {
	Help     bool
	LogLevel string
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.StringVar(&opt.LogLevel, "log-level", "warn", "Log level for diagnostic output on stderr (trace, debug, info, warn, error)")
}

func main() {
	pflag.Parse()

	if pflag.NArg() != 3 || opt.Help {
		fmt.Printf("usage: %s [options] <Server IP> <Server Port> <Username>\n\noptions:\n%s\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(1)
	}
	ip, port, username := pflag.Arg(0), pflag.Arg(1), pflag.Arg(2)

	level, err := zerolog.ParseLevel(opt.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid log level %q: %v\n", opt.LogLevel, err)
		os.Exit(1)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().
		Timestamp().
		Str("component", "cli").
		Logger()

	c, err := client.Dial(ip+":"+port, username, logger, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Run(ctx, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
