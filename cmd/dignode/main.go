// Package main implements the dignode CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/DIG-Network/dig-node/pkg/config"
	"github.com/DIG-Network/dig-node/pkg/identity"
	"github.com/DIG-Network/dig-node/pkg/node"
	"github.com/DIG-Network/dig-node/pkg/transport"
	"github.com/DIG-Network/dig-node/pkg/transport/quic"
	"github.com/DIG-Network/dig-node/pkg/transport/tcp"
)

// Build-time variables set by ldflags
var (
	version = "dev"
)

const (
	exitOK    = 0
	exitFatal = 1
	exitPanic = 2
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "unhandled: %v\n", r)
			os.Exit(exitPanic)
		}
	}()
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("dignode", flag.ExitOnError)
	var (
		configPath = fs.String("config", "", "path to JSON config file")
		storeDir   = fs.String("store-dir", "", "root directory for store files")
		listenPort = fs.Int("listen-port", 0, "base transport port")
		bootstrap  = fs.String("bootstrap", "", "comma-separated bootstrap addresses")
		dirServers = fs.String("discovery-servers", "", "comma-separated directory endpoints")
		networkID  = fs.String("network-id", "", "overlay network id")
		localDisc  = fs.Bool("local-discovery", false, "enable local multicast discovery")
		pubKey     = fs.String("public-key", "", "node public key (hex)")
		privKey    = fs.String("private-key", "", "node private key (hex)")
		showVer    = fs.Bool("version", false, "print version and exit")
	)
	fs.Usage = usage(fs)
	fs.Parse(os.Args[1:])

	if *showVer {
		fmt.Printf("dignode %s\n", version)
		return exitOK
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			return exitFatal
		}
		cfg = loaded
	}
	if *storeDir != "" {
		cfg.StoreDir = *storeDir
	}
	if *listenPort != 0 {
		cfg.ListenPort = *listenPort
	}
	if *bootstrap != "" {
		cfg.BootstrapPeers = splitList(*bootstrap)
	}
	if *dirServers != "" {
		cfg.DiscoveryServers = splitList(*dirServers)
	}
	if *networkID != "" {
		cfg.NetworkID = *networkID
	}
	if *localDisc {
		cfg.EnableLocalDiscovery = true
	}
	if *pubKey != "" {
		cfg.PublicKey = *pubKey
		cfg.PrivateKey = *privKey
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitFatal
	}

	var id *identity.Identity
	var err error
	if cfg.PublicKey != "" {
		id, err = identity.FromKeys(cfg.PublicKey, cfg.PrivateKey)
	} else {
		id, err = identity.LoadOrGenerate(cfg.IdentityPath())
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "identity: %v\n", err)
		return exitFatal
	}

	transports := transport.NewRegistry()
	transports.Register(quic.New())
	transports.Register(tcp.New())

	n, err := node.New(&node.Config{
		Identity:             id,
		NetworkID:            cfg.NetworkID,
		StoreDir:             cfg.StoreDir,
		Transports:           transports,
		ListenAddrs:          cfg.ListenAddrs(),
		BootstrapPeers:       cfg.BootstrapPeers,
		DiscoveryServers:     cfg.DiscoveryServers,
		EnableLocalDiscovery: cfg.EnableLocalDiscovery,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "node: %v\n", err)
		return exitFatal
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		return exitFatal
	}

	fmt.Printf("dignode %s\n", version)
	fmt.Printf("peer:    %s\n", id.PeerID())
	fmt.Printf("overlay: %s\n", id.OverlayAddress())
	fmt.Printf("stores:  %s\n", cfg.StoreDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	fmt.Println("shutting down")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := n.Stop(stopCtx); err != nil {
		fmt.Fprintf(os.Stderr, "stop: %v\n", err)
	}
	return exitOK
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func usage(fs *flag.FlagSet) func() {
	return func() {
		fmt.Fprintf(os.Stderr, `dignode %s - DIG overlay store node

Usage:
  dignode [flags]

Examples:
  # Start with defaults (stores in ~/.dig/stores, port 4001)
  dignode

  # Join via a bootstrap node and serve a custom directory
  dignode --store-dir /data/stores --bootstrap quic://203.0.113.5:4001

  # Use an external directory as last-resort discovery
  dignode --discovery-servers https://dir.example.net

Flags:
`, version)
		fs.PrintDefaults()
	}
}
