package main

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/devdns/devdns/control"
	"github.com/devdns/devdns/dnsproxy"
	"github.com/devdns/devdns/logging"
	"github.com/devdns/devdns/mapping"
	"github.com/devdns/devdns/resolver"
)

var (
	bindAddress    string
	upstreamAddr   string
	controlAddress string
	seedMappings   []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the DNS server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	serveCmd.Flags().StringVar(&bindAddress, "bind", "127.0.0.1:5300", "DNS service bind address")
	serveCmd.Flags().StringVar(&upstreamAddr, "upstream", "1.1.1.1:53", "upstream DNS server address")
	serveCmd.Flags().StringVar(&controlAddress, "control", "", "bind address of the HTTP control API (empty: disabled)")
	serveCmd.Flags().StringArrayVar(&seedMappings, "map", nil, "static mapping as domain=ip, repeatable")
}

func serve() error {
	logging.Init(logging.Config{
		Level:      logLevel,
		JSONOutput: logJSON,
	})

	listenAddr, err := netip.ParseAddrPort(bindAddress)
	if err != nil {
		return fmt.Errorf("can't parse bind address: %w", err)
	}
	upstream, err := netip.ParseAddrPort(upstreamAddr)
	if err != nil {
		return fmt.Errorf("can't parse upstream address: %w", err)
	}

	state, cleanup, err := buildState(upstream)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := seed(state); err != nil {
		return err
	}

	server := dnsproxy.New(&dnsproxy.Config{
		ListenAddr: listenAddr,
		State:      state,
	})
	if err := server.Start(); err != nil {
		return fmt.Errorf("unable to start DNS server: %w", err)
	}
	defer server.Close()

	if controlAddress != "" {
		go func() {
			log.Info().Str("addr", controlAddress).Msg("control API listening")
			if err := http.ListenAndServe(controlAddress, control.NewAPI(state)); err != nil {
				log.Error().Err(err).Msg("control API failed")
			}
		}()
	}

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	<-signalChannel
	log.Info().Msg("signal received, stopping")

	return nil
}

// buildState picks the storage backend: a SQLite database when --db is set,
// the in-memory table otherwise.
func buildState(upstream netip.AddrPort) (*resolver.State, func(), error) {
	if dbPath == "" {
		return resolver.New(upstream), func() {}, nil
	}

	db, err := mapping.OpenDB(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("can't open mapping database: %w", err)
	}
	return resolver.NewWithDB(upstream, db), func() { db.Close() }, nil
}

// seed applies --map entries before the server starts accepting queries.
func seed(state *resolver.State) error {
	for _, m := range seedMappings {
		domain, ipStr, ok := strings.Cut(m, "=")
		if !ok || domain == "" {
			return fmt.Errorf("invalid mapping %q, expected domain=ip", m)
		}
		addr, err := netip.ParseAddr(ipStr)
		if err != nil || !addr.Is4() {
			return fmt.Errorf("invalid IPv4 address in mapping %q", m)
		}

		if dbPath == "" {
			if err := state.AddDomainSync(domain, addr); err != nil {
				return fmt.Errorf("seeding %q: %w", domain, err)
			}
		} else if err := state.AddDomain(context.Background(), domain, addr); err != nil {
			return fmt.Errorf("seeding %q: %w", domain, err)
		}
	}
	return nil
}
