// Command srv runs the relay server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-envparse"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/C12AK/TCP-chat/pkg/relay"
)

var opt struct {
	Help        bool
	MaxConns    int
	MetricsAddr string
	LogLevel    string
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
	pflag.IntVar(&opt.MaxConns, "max-conns", 0, "Limit concurrently handshaking or live connections (0 disables the limit)")
	pflag.StringVar(&opt.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (disabled if empty)")
	pflag.StringVar(&opt.LogLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 2 || pflag.NArg() < 1 || opt.Help {
		fmt.Printf("usage: %s [options] <Port> [env_file]\n\noptions:\n%s\n", os.Args[0], pflag.CommandLine.FlagUsages())
		if opt.Help {
			os.Exit(2)
		}
		os.Exit(0)
	}
	port := pflag.Arg(0)

	if pflag.NArg() == 2 {
		env, err := readEnvFile(pflag.Arg(1))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
		// Env-file values only fill in flags the operator didn't pass
		// explicitly on the command line; an explicit flag always wins.
		applyEnvDefault(env, "RELAY_MAX_CONNS", "max-conns")
		applyEnvDefault(env, "RELAY_METRICS_ADDR", "metrics-addr")
		applyEnvDefault(env, "RELAY_LOG_LEVEL", "log-level")
	}

	level, err := zerolog.ParseLevel(opt.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid log level %q: %v\n", opt.LogLevel, err)
		os.Exit(1)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().
		Timestamp().
		Str("component", "srv").
		Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := &relay.Metrics{}
	if opt.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; version=0.0.4")
			m.WritePrometheus(w)
		})
		go func() {
			if err := http.ListenAndServe(opt.MetricsAddr, mux); err != nil {
				logger.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	ln, err := relay.Listen(ctx, ":"+port, opt.MaxConns)
	if err != nil {
		logger.Err(err).Msg("failed to start listening")
		os.Exit(1)
	}
	logger.Log().Str("port", port).Msg("server started")

	s := relay.NewServer(logger, m)
	if err := s.Serve(ctx, ln); err != nil {
		logger.Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	logger.Log().Msg("server closed")
}

func readEnvFile(name string) (map[string]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return envparse.Parse(f)
}

// applyEnvDefault sets flag's value from env[key] if and only if the
// operator did not pass flag explicitly on the command line.
func applyEnvDefault(env map[string]string, key, flag string) {
	if pflag.CommandLine.Changed(flag) {
		return
	}
	if v, ok := env[key]; ok {
		pflag.CommandLine.Set(flag, v)
	}
}
