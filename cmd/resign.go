package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/applesign/resigner/pkg/session"
)

var (
	flagFile            string
	flagOutfile         string
	flagOutdir          string
	flagIdentity        string
	flagKeychain        string
	flagMobileProvision string
	flagEntitlement     string
	flagBundleID        string
	flagForceFamily     bool
	flagWithoutWatchapp bool
	flagUnfairPlay      bool
	flagParallel        bool
	flagVerifyTwice     bool
	flagIgnoreCodesign  bool
	flagIgnoreVerify    bool
	flagReplaceIPA      bool
	flagUseDefaultEnt   bool
)

var resignCmd = &cobra.Command{
	Use:   "resign",
	Short: "Re-sign an IPA with a new identity, profile, and entitlements",
	Long: `resign repackages an .ipa (or a loose .app) with a new signing
identity, optionally swapping in a new provisioning profile, bundle
identifier, or entitlement document. Every Mach-O binary in the bundle is
re-signed in dependency order.

Example:
  resigner resign -f app.ipa -i "Apple Development: Jane Doe (ABCDE12345)" -p profile.mobileprovision -b com.example.app`,
	RunE: runResign,
}

func init() {
	resignCmd.Flags().StringVarP(&flagFile, "file", "f", "", "path to the .ipa or .app to resign (required)")
	resignCmd.Flags().StringVarP(&flagOutfile, "outfile", "o", "", "output archive path (default: <stem>-resigned.ipa)")
	resignCmd.Flags().StringVar(&flagOutdir, "outdir", "", "working directory (default: <file>.d)")
	resignCmd.Flags().StringVarP(&flagIdentity, "identity", "i", "", "signing identity common name (required)")
	resignCmd.Flags().StringVarP(&flagKeychain, "keychain", "k", "", "keychain to scope codesign lookups to")
	resignCmd.Flags().StringVarP(&flagMobileProvision, "provision", "p", "", "provisioning profile to embed")
	resignCmd.Flags().StringVarP(&flagEntitlement, "entitlement", "e", "", "entitlement document to use verbatim")
	resignCmd.Flags().StringVarP(&flagBundleID, "bundleid", "b", "", "new CFBundleIdentifier")
	resignCmd.Flags().BoolVar(&flagForceFamily, "force-family", false, "rewrite iPad-only device family metadata to iPhone")
	resignCmd.Flags().BoolVar(&flagWithoutWatchapp, "without-watchapp", false, "strip Watch/ and PlugIns/ from the bundle")
	resignCmd.Flags().BoolVar(&flagUnfairPlay, "unfair-play", false, "allow signing a FairPlay-encrypted binary")
	resignCmd.Flags().BoolVar(&flagParallel, "parallel", false, "sign independent binaries concurrently, layer by layer")
	resignCmd.Flags().BoolVar(&flagVerifyTwice, "verify-twice", false, "verify each binary immediately after signing it, in addition to the final pass")
	resignCmd.Flags().BoolVar(&flagIgnoreCodesign, "ignore-codesign-errors", false, "downgrade per-binary signing failures to warnings")
	resignCmd.Flags().BoolVar(&flagIgnoreVerify, "ignore-verification-errors", false, "downgrade per-binary verification failures to warnings")
	resignCmd.Flags().BoolVar(&flagReplaceIPA, "replace", false, "overwrite the input archive with the output on success")
	resignCmd.Flags().BoolVar(&flagUseDefaultEnt, "use-default-entitlements", false, "build a minimal entitlement document from the provisioning profile instead of carrying over the binary's own")

	_ = resignCmd.MarkFlagRequired("file")
	_ = resignCmd.MarkFlagRequired("identity")
}

func runResign(cmd *cobra.Command, args []string) error {
	cfg := session.Config{
		File:                     flagFile,
		Outfile:                  flagOutfile,
		Outdir:                   flagOutdir,
		Identity:                 flagIdentity,
		Keychain:                 flagKeychain,
		MobileProvision:          flagMobileProvision,
		Entitlement:              flagEntitlement,
		BundleID:                 flagBundleID,
		ForceFamily:              flagForceFamily,
		WithoutWatchapp:          flagWithoutWatchapp,
		UnfairPlay:               flagUnfairPlay,
		Parallel:                 flagParallel,
		VerifyTwice:              flagVerifyTwice,
		IgnoreCodesignErrors:     flagIgnoreCodesign,
		IgnoreVerificationErrors: flagIgnoreVerify,
		ReplaceIPA:               flagReplaceIPA,
		UseDefaultEntitlements:   flagUseDefaultEnt,
	}

	sess, err := session.New(cfg)
	if err != nil {
		return err
	}

	go sess.Run()

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("resigning"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionClearOnFinish(),
	)

	var finalErr error
	for ev := range sess.Events() {
		switch ev.Kind {
		case session.EventMessage:
			_ = bar.Add(1)
			fmt.Println(ev.Message)
		case session.EventWarning:
			fmt.Fprintln(os.Stderr, "warning: "+ev.Message)
		case session.EventError:
			fmt.Fprintln(os.Stderr, "error (ignored): "+ev.Message)
		case session.EventEnd:
			_ = bar.Finish()
			finalErr = ev.Err
		}
	}

	if finalErr != nil {
		return fmt.Errorf("%s: %w", strings.ToLower(string(session.KindOf(finalErr))), finalErr)
	}
	fmt.Println("resigned successfully")
	return nil
}
