package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relyingparty/rpki-validator/internal/config"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "rpki-validator",
	Short: "Validate RPKI certificate trees and publish the resulting ROA table",
	Long:  "rpki-validator walks the certificate trees rooted at a directory of trust anchor locators, validates ROAs and router keys along the way, and publishes the resulting VRP table.",
}

func init() {
	if err := config.BindFlags(rootCmd.PersistentFlags(), v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command, exiting non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
