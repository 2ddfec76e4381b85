// Package cmd implements the resigner command-line front-end: flag
// parsing, validation, and rendering a session's event stream to the
// terminal (spec §6 "the CLI front-end is external").
package cmd

import (
	"fmt"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "resigner",
	Short: "resigner re-signs iOS application archives",
	Long: `resigner repackages an iOS .ipa with a new signing identity,
provisioning profile, bundle identifier, and entitlements, re-signing
every Mach-O binary inside it in dependency order.`,
}

func init() {
	logrus.SetOutput(colorable.NewColorableStdout())
	logrus.SetFormatter(&logrus.TextFormatter{ForceColors: true, FullTimestamp: true})

	rootCmd.AddCommand(resignCmd)
}

// Execute runs the CLI and exits with a non-zero status on failure (spec
// §6 "exit codes").
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
