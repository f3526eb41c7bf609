package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"pkt.systems/txnd"
)

func newBundleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bundle",
		Short: "Manage host identity bundles",
	}
	cmd.AddCommand(newBundleNewCommand())
	cmd.AddCommand(newBundleExportCommand())
	cmd.AddCommand(newBundleTrustCommand())
	cmd.AddCommand(newBundleShowCommand())
	return cmd
}

func newBundleNewCommand() *cobra.Command {
	var host string
	var out string
	var force bool
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Generate a host identity bundle (ed25519 keypair + kryptograf root key)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if host == "" {
				return errors.New("--host is required")
			}
			if out == "" {
				out = txnd.DefaultBundleName
			}
			err := txnd.CreateIdentityBundleFile(txnd.CreateIdentityBundleFileRequest{
				Path:  out,
				Force: force,
				CreateIdentityBundleRequest: txnd.CreateIdentityBundleRequest{
					Host: host,
				},
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote identity bundle for %q to %s\n", host, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "host identity claims are signed as (required)")
	cmd.Flags().StringVarP(&out, "out", "o", txnd.DefaultBundleName, "destination PEM file")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the destination if it exists")
	return cmd
}

func newBundleExportCommand() *cobra.Command {
	var bundlePath string
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the bundle's public key for trusting on peer hosts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if bundlePath == "" {
				return errors.New("--bundle is required")
			}
			data, err := os.ReadFile(bundlePath)
			if err != nil {
				return fmt.Errorf("read bundle: %w", err)
			}
			pub, err := txnd.ExportPeer(data)
			if err != nil {
				return err
			}
			if out == "" {
				_, err = cmd.OutOrStdout().Write(pub)
				return err
			}
			if err := os.WriteFile(out, pub, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote peer key to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&bundlePath, "bundle", "b", "", "identity bundle to export from (required)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "destination file (stdout when empty)")
	return cmd
}

func newBundleTrustCommand() *cobra.Command {
	var bundlePath string
	cmd := &cobra.Command{
		Use:   "trust [peer.pem ...]",
		Short: "Add peer public keys to an identity bundle",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if bundlePath == "" {
				return errors.New("--bundle is required")
			}
			data, err := os.ReadFile(bundlePath)
			if err != nil {
				return fmt.Errorf("read bundle: %w", err)
			}
			peers := make([][]byte, 0, len(args))
			for _, path := range args {
				peer, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("read peer %s: %w", path, err)
				}
				peers = append(peers, peer)
			}
			merged, err := txnd.TrustPeers(data, peers...)
			if err != nil {
				return err
			}
			if err := os.WriteFile(bundlePath, merged, 0o600); err != nil {
				return fmt.Errorf("write %s: %w", bundlePath, err)
			}
			bundle, err := txnd.ParseIdentityBundle(merged)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "bundle %s now trusts: %v\n", bundlePath, bundle.PeerHosts())
			return nil
		},
	}
	cmd.Flags().StringVarP(&bundlePath, "bundle", "b", "", "identity bundle to update (required)")
	return cmd
}

func newBundleShowCommand() *cobra.Command {
	var bundlePath string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print a bundle's host identity and trusted peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			if bundlePath == "" {
				return errors.New("--bundle is required")
			}
			bundle, err := txnd.LoadIdentityBundle(bundlePath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "host: %s\n", bundle.Host)
			for _, peer := range bundle.PeerHosts() {
				if peer == bundle.Host {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "peer: %s\n", peer)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&bundlePath, "bundle", "b", "", "identity bundle to inspect (required)")
	return cmd
}
