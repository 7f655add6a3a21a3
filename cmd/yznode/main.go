// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Command yznode runs a single peer in the overlay network: it loads or
// generates an Ed25519 identity, joins the network through a bootstrap
// signaling server, and keeps the Kademlia engine's maintenance loops and
// (for nodejs peers) a WebSocket listener running until interrupted. It
// follows the teacher's cmd/uplink layout: a cobra root command binding
// flags through viper, delegating the actual work to a peer type.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yz-social/yznet/pkg/config"
	"github.com/yz-social/yznet/pkg/identity"
)

var v = viper.New()

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "yznode",
		Short: "run a yznet overlay peer",
		RunE:  runNode,
	}

	config.BindFlags(root.Flags(), v)
	root.Flags().String("bootstrap", "", "bootstrap signaling server address (ws://host:port)")
	root.Flags().String("listen", "", "local websocket listen address; empty for a browser-style peer with no inbound listener")
	root.Flags().String("identity-file", "", "directory to persist the identity key pair in; empty keeps the identity in memory only")
	root.Flags().String("routing-db", "", "directory to persist the routing table in; empty keeps it in memory only")
	_ = v.BindPFlag("bootstrap", root.Flags().Lookup("bootstrap"))
	_ = v.BindPFlag("listen", root.Flags().Lookup("listen"))
	_ = v.BindPFlag("identity-file", root.Flags().Lookup("identity-file"))
	_ = v.BindPFlag("routing-db", root.Flags().Lookup("routing-db"))

	return root
}

func runNode(cmd *cobra.Command, args []string) error {
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}

	keys := identity.NewMemoryKeyStore()
	if path := v.GetString("identity-file"); path != "" {
		keys = identity.NewFileKeyStore(path)
	}

	peer, err := NewPeer(log, cfg, keys, v.GetString("listen"), v.GetString("routing-db"))
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if addr := v.GetString("bootstrap"); addr != "" {
		if err := peer.JoinNetwork(ctx, addr); err != nil {
			_ = peer.Close()
			return err
		}
	}

	if err := peer.Identity.PublishPublicKey(ctx); err != nil {
		log.Warn("failed to publish public key", zap.Error(err))
	}

	runErr := peer.Run(ctx)
	closeErr := peer.Close()
	if runErr != nil {
		return runErr
	}
	return closeErr
}
