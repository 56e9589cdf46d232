package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "paysim",
		Short:   "paysim - send signed payment provider callbacks to a checkout service",
		Version: Version,
	}

	rootCmd.PersistentFlags().String("url", "http://localhost:8080", "Checkout service base URL")

	rootCmd.AddCommand(walletCmd())
	rootCmd.AddCommand(cardCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
