// Package session implements the resigning pipeline orchestrator (C9):
// it drives an IPA session through unpack, discovery, metadata rewrite,
// entitlement reconciliation, signing, verification, and repack.
package session

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Config is the Configuration Surface of an IPA session (spec §3, §6).
// It is built by the CLI front-end (or any other caller) and handed to
// New to produce a runnable Session.
type Config struct {
	// File is the input archive path ("file" in §6).
	File string
	// Outfile is the output archive path; derived as "<stem>-resigned.ipa"
	// when empty.
	Outfile string
	// Outdir is the working directory; derived as "<file>.d" when empty.
	Outdir string

	Identity        string
	Keychain        string
	MobileProvision string
	Entitlement     string
	BundleID        string

	VerifyTwice              bool
	IgnoreCodesignErrors     bool
	IgnoreVerificationErrors bool
	WithoutWatchapp          bool
	ForceFamily              bool
	UnfairPlay               bool
	ReplaceIPA               bool
	Parallel                 bool
	UseDefaultEntitlements   bool
}

// resolvedPaths fills in Outdir/Outfile when the caller left them blank,
// matching the derivation rules in §3 and §6.
func (c *Config) resolvedPaths() (outdir, outfile string) {
	outdir = c.Outdir
	if outdir == "" {
		outdir = c.File + ".d"
	}
	outfile = c.Outfile
	if outfile == "" {
		stem := strings.TrimSuffix(c.File, filepath.Ext(c.File))
		outfile = fmt.Sprintf("%s-resigned.ipa", stem)
	}
	return outdir, outfile
}

func (c *Config) validate() error {
	if c.File == "" {
		return wrapErr(ErrArchiveUnreadable, "no source archive configured")
	}
	if c.Identity == "" {
		return wrapErr(ErrIdentityNotFound, "no signing identity configured")
	}
	return nil
}
