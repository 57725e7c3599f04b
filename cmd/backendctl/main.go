// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command backendctl drives the migration supervisor of a running
// dispatch server over its internal route.
//
// Usage:
//
//	backendctl stats
//	backendctl migrate
//	backendctl finalize --verbose
//	backendctl reset
//	backendctl clear-collectionfield-tables
//	backendctl progress
//
// The server address and the shared secret come from --address and
// --secret, or from DISPATCH_ADDRESS and DISPATCH_INTERNAL_SECRET.
package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"
)

var (
	address string
	secret  string
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "backendctl",
		Short: "A CLI to manage the dispatch server",
		Long: `backendctl talks to the internal migration route of a running
dispatch server. Long commands (migrate, finalize) are followed until
they finish; their output is streamed to stdout.`,
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Stage all pending migrations without switching over",
		Run:   runLongCommand,
	}
	finalizeCmd = &cobra.Command{
		Use:   "finalize",
		Short: "Stage all pending migrations and switch over",
		Run:   runLongCommand,
	}
	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Discard all staged migration output",
		Run:   runShortCommand,
	}
	clearCmd = &cobra.Command{
		Use:   "clear-collectionfield-tables",
		Short: "Drop the derived collection-field indexes",
		Run:   runShortCommand,
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show stored vs target migration index and pending migrations",
		Run:   runShortCommand,
	}
	progressCmd = &cobra.Command{
		Use:   "progress",
		Short: "Show the state of the last long command",
		Run:   runShortCommand,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&address, "address", envOr("DISPATCH_ADDRESS", "http://localhost:9002"), "Dispatch server address")
	rootCmd.PersistentFlags().StringVar(&secret, "secret", os.Getenv("DISPATCH_INTERNAL_SECRET"), "Shared secret of the internal route")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Print the full server response")

	rootCmd.AddCommand(migrateCmd, finalizeCmd, resetCmd, clearCmd, statsCmd, progressCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
