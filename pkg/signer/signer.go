// Package signer drives the system codesign tool to sign and verify
// Mach-O binaries (spec §4.4, C4). It shells out exactly the way the
// teacher's codesign wrapper does, extended with keychain scoping and a
// verify operation.
package signer

import (
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Result carries the outcome of a single codesign invocation, including
// its combined output for diagnostics.
type Result struct {
	Args   []string
	Output string
}

// Driver runs codesign for a specific signing identity, optionally scoped
// to a named keychain.
type Driver struct {
	Identity string
	Keychain string

	// codesignPath and execCommand exist so tests can substitute a stub
	// binary instead of invoking the real /usr/bin/codesign.
	codesignPath string
	execCommand  func(name string, args ...string) *exec.Cmd
}

// New returns a Driver for identity, optionally scoped to keychain (empty
// string uses the default search list).
func New(identity, keychain string) *Driver {
	return &Driver{
		Identity:     identity,
		Keychain:     keychain,
		codesignPath: "/usr/bin/codesign",
		execCommand:  exec.Command,
	}
}

// Sign signs file in place using entitlementsPath, matching the flags the
// teacher's resigner passes (--continue, --generate-entitlement-der,
// -f, -s) plus --keychain when a keychain is configured. There is no
// retry: a failed invocation is returned as an error once, and the
// caller decides whether it is fatal (spec §4.4 — "no retries").
func (d *Driver) Sign(file, entitlementsPath string) (Result, error) {
	args := []string{
		"--continue",
		"--generate-entitlement-der",
		"-f",
		"-s", d.Identity,
	}
	if d.Keychain != "" {
		args = append(args, "--keychain", d.Keychain)
	}
	if entitlementsPath != "" {
		args = append(args, "--entitlements", entitlementsPath)
	}
	args = append(args, file)

	out, err := d.run(args)
	if err != nil {
		return out, errors.Wrapf(err, "codesign %s: %s", file, strings.TrimSpace(out.Output))
	}
	return out, nil
}

// Verify runs `codesign --verify --deep --strict` against file. Callers
// treat a non-nil error as VerifyFailed unless
// Config.IgnoreVerificationErrors is set (spec §4.4, §4.9).
func (d *Driver) Verify(file string) (Result, error) {
	args := []string{"--verify", "--deep", "--strict"}
	if d.Keychain != "" {
		args = append(args, "--keychain", d.Keychain)
	}
	args = append(args, file)

	out, err := d.run(args)
	if err != nil {
		return out, errors.Wrapf(err, "codesign --verify %s: %s", file, strings.TrimSpace(out.Output))
	}
	return out, nil
}

func (d *Driver) run(args []string) (Result, error) {
	cmd := d.execCommand(d.codesignPath, args...)
	output, err := cmd.CombinedOutput()
	return Result{Args: args, Output: string(output)}, err
}
