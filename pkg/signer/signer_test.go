package signer

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeExecCommand builds an *exec.Cmd that runs `true` or `false` in
// place of codesign, so tests never touch the real codesign tool.
func fakeExecCommand(shouldFail bool) func(string, ...string) *exec.Cmd {
	return func(name string, args ...string) *exec.Cmd {
		if shouldFail {
			return exec.Command("false")
		}
		return exec.Command("true")
	}
}

func TestSignBuildsExpectedArgsAndSucceeds(t *testing.T) {
	d := New("Apple Development: Jane Doe (ABCDE12345)", "login.keychain")
	d.execCommand = fakeExecCommand(false)

	res, err := d.Sign("/tmp/app/App.app/App", "/tmp/app.entitlements")
	require.NoError(t, err)
	require.Equal(t, []string{
		"--continue", "--generate-entitlement-der", "-f",
		"-s", "Apple Development: Jane Doe (ABCDE12345)",
		"--keychain", "login.keychain",
		"--entitlements", "/tmp/app.entitlements",
		"/tmp/app/App.app/App",
	}, res.Args)
}

func TestSignFailureReturnsError(t *testing.T) {
	d := New("Apple Development: Jane Doe (ABCDE12345)", "")
	d.execCommand = fakeExecCommand(true)

	_, err := d.Sign("/tmp/app/App.app/App", "/tmp/app.entitlements")
	require.Error(t, err)
}

func TestVerifyIncludesDeepStrictFlags(t *testing.T) {
	d := New("Apple Development: Jane Doe (ABCDE12345)", "")
	var captured []string
	d.execCommand = func(name string, args ...string) *exec.Cmd {
		captured = args
		return exec.Command("true")
	}

	_, err := d.Verify("/tmp/app/App.app")
	require.NoError(t, err)
	require.Contains(t, captured, "--verify")
	require.Contains(t, captured, "--deep")
	require.Contains(t, captured, "--strict")
}

func TestVerifyWithKeychainAddsFlag(t *testing.T) {
	d := New("identity", "build.keychain")
	var captured []string
	d.execCommand = func(name string, args ...string) *exec.Cmd {
		captured = args
		return exec.Command("true")
	}

	_, err := d.Verify("/tmp/app/App.app")
	require.NoError(t, err)
	require.Contains(t, captured, "--keychain")
	require.Contains(t, captured, "build.keychain")
}
