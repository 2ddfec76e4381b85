package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeExecutable(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte{0xCF, 0xFA, 0xED, 0xFE}, 0o755))
}

func writeInfoPlist(t *testing.T, dir, execName string) {
	t.Helper()
	contents := `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleExecutable</key>
	<string>` + execName + `</string>
</dict>
</plist>`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Info.plist"), []byte(contents), 0o644))
}

func TestWalkFindsMainExecutableAndFramework(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "App.app")
	require.NoError(t, os.MkdirAll(appDir, 0o755))
	writeInfoPlist(t, appDir, "App")
	writeExecutable(t, filepath.Join(appDir, "App"))

	fwDir := filepath.Join(appDir, "Frameworks", "Lib.framework")
	require.NoError(t, os.MkdirAll(fwDir, 0o755))
	writeInfoPlist(t, fwDir, "Lib")
	writeExecutable(t, filepath.Join(fwDir, "Lib"))

	dylibPath := filepath.Join(appDir, "Frameworks", "libextra.dylib")
	writeExecutable(t, dylibPath)

	entries, err := Walk(appDir)
	require.NoError(t, err)

	var kinds []Kind
	for _, e := range entries {
		kinds = append(kinds, e.Kind)
	}
	require.Contains(t, kinds, KindMainExecutable)
	require.Contains(t, kinds, KindFramework)
	require.Contains(t, kinds, KindDylib)
}

func TestWalkDetectsWatchApp(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "App.app")
	require.NoError(t, os.MkdirAll(appDir, 0o755))
	writeInfoPlist(t, appDir, "App")
	writeExecutable(t, filepath.Join(appDir, "App"))

	watchDir := filepath.Join(appDir, "Watch", "WatchApp.app")
	require.NoError(t, os.MkdirAll(watchDir, 0o755))
	writeInfoPlist(t, watchDir, "WatchApp")
	writeExecutable(t, filepath.Join(watchDir, "WatchApp"))

	entries, err := Walk(appDir)
	require.NoError(t, err)

	var sawWatch bool
	for _, e := range entries {
		if e.Kind == KindWatchApp {
			sawWatch = true
		}
	}
	require.True(t, sawWatch)
}

func TestWalkFindsExtensionlessMachOFile(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "App.app")
	require.NoError(t, os.MkdirAll(appDir, 0o755))
	writeInfoPlist(t, appDir, "App")
	writeExecutable(t, filepath.Join(appDir, "App"))

	// A helper tool dropped in without a .dylib suffix must still be
	// found and classified as a dylib (spec §4.6).
	writeExecutable(t, filepath.Join(appDir, "Helper"))
	// A non-Mach-O regular file must never be picked up.
	require.NoError(t, os.WriteFile(filepath.Join(appDir, "README"), []byte("not a binary"), 0o644))

	entries, err := Walk(appDir)
	require.NoError(t, err)

	var sawHelper, sawReadme bool
	for _, e := range entries {
		switch filepath.Base(e.Path) {
		case "Helper":
			sawHelper = true
			require.Equal(t, KindDylib, e.Kind)
		case "README":
			sawReadme = true
		}
	}
	require.True(t, sawHelper, "extensionless Mach-O helper should be discovered")
	require.False(t, sawReadme, "non-Mach-O file must not be classified as a binary")
}

func TestWalkMissingMainExecutableFails(t *testing.T) {
	root := t.TempDir()
	appDir := filepath.Join(root, "App.app")
	require.NoError(t, os.MkdirAll(appDir, 0o755))

	_, err := Walk(appDir)
	require.Error(t, err)
}
