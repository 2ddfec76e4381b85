// Package bundle walks an unpacked .app and classifies every file the
// signing pipeline cares about (spec §4.6, C6), following the
// filepath.Walk component discovery the teacher's findComponents uses.
package bundle

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/applesign/resigner/pkg/machoprobe"
	"github.com/applesign/resigner/pkg/plist"
)

// Kind classifies a signable (or otherwise notable) bundle entry.
type Kind int

const (
	KindMainExecutable Kind = iota
	KindNestedApp
	KindAppExtension
	KindFramework
	KindDylib
	KindWatchApp
)

func (k Kind) String() string {
	switch k {
	case KindMainExecutable:
		return "main-executable"
	case KindNestedApp:
		return "nested-app"
	case KindAppExtension:
		return "app-extension"
	case KindFramework:
		return "framework"
	case KindDylib:
		return "dylib"
	case KindWatchApp:
		return "watch-app"
	default:
		return "unknown"
	}
}

// Entry is one signable binary discovered inside the bundle.
type Entry struct {
	Kind Kind
	// Path is the absolute filesystem path to the binary itself. For the
	// main executable this is resolved via CFBundleExecutable; every
	// other entry is wherever Mach-O magic was found during the walk.
	Path string
	// BundleDir is the absolute path to the containing .app/.appex/
	// .framework directory; empty for a standalone .dylib.
	BundleDir string
	// ID is the binary's path relative to the directory holding the .app
	// (e.g. "App.app/Frameworks/Lib.framework/Lib"), suitable for
	// depsolver graph edges.
	ID string
	// EntitlementsPath is the reconciled entitlement file staged for
	// this entry's signing call, set by the entitlement reconciliation
	// stage. Empty means no entitlements apply to this binary.
	EntitlementsPath string
}

// ErrNoBinariesFound is returned when the root .app directory (or its
// main executable) cannot be located.
var ErrNoBinariesFound = errors.New("NoBinariesFound")

// Walk discovers every signable entry under appPath (the root
// Payload/<Name>.app directory): every regular file carrying Mach-O magic
// is included and classified purely by its position in the tree (spec
// §4.6), so a helper tool dropped into the bundle without a .dylib suffix
// is still found.
func Walk(appPath string) ([]Entry, error) {
	mainExec, err := mainExecutablePath(appPath)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	err = filepath.Walk(appPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		ok, ferr := machoprobe.IsMachOFile(path)
		if ferr != nil || !ok {
			return nil
		}
		kind, bundleDir := classify(appPath, mainExec, path)
		entries = append(entries, Entry{
			Kind:      kind,
			Path:      path,
			BundleDir: bundleDir,
			ID:        relID(appPath, path),
		})
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "walk bundle")
	}

	var sawMain bool
	for _, e := range entries {
		if e.Kind == KindMainExecutable {
			sawMain = true
			break
		}
	}
	if !sawMain {
		return nil, errors.Wrapf(ErrNoBinariesFound, "%s is not a Mach-O binary", mainExec)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// classify assigns a Kind by path position relative to appPath, in the
// priority order spec §4.6 lists: main executable, framework binary,
// plug-in, nested app executable (watch app if under Watch/), else dylib.
// bundleDir is the nearest containing component directory, or "" for a
// standalone dylib.
func classify(appPath, mainExec, path string) (Kind, string) {
	if path == mainExec {
		return KindMainExecutable, appPath
	}

	var frameworkDir, nestedAppDir string
	var sawPlugins, sawWatch bool

	for dir := filepath.Dir(path); dir != appPath; {
		switch {
		case frameworkDir == "" && filepath.Ext(dir) == ".framework":
			frameworkDir = dir
		case filepath.Base(dir) == "PlugIns":
			sawPlugins = true
		case nestedAppDir == "" && filepath.Ext(dir) == ".app":
			nestedAppDir = dir
		case filepath.Base(dir) == "Watch":
			sawWatch = true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	switch {
	case frameworkDir != "":
		return KindFramework, frameworkDir
	case sawPlugins:
		return KindAppExtension, filepath.Dir(path)
	case nestedAppDir != "":
		if sawWatch {
			return KindWatchApp, nestedAppDir
		}
		return KindNestedApp, nestedAppDir
	default:
		return KindDylib, ""
	}
}

// mainExecutablePath resolves bundleDir's own main executable via its
// Info.plist CFBundleExecutable key, falling back to the directory's own
// base name for bundles with a missing or non-standard Info.plist.
func mainExecutablePath(bundleDir string) (string, error) {
	infoPath := filepath.Join(bundleDir, "Info.plist")
	d, err := plist.ReadFile(infoPath)
	if err == nil {
		if name, ok := d["CFBundleExecutable"].(string); ok && name != "" {
			candidate := filepath.Join(bundleDir, name)
			if fi, ferr := os.Stat(candidate); ferr == nil && !fi.IsDir() {
				return candidate, nil
			}
		}
	}

	base := strings.TrimSuffix(filepath.Base(bundleDir), filepath.Ext(bundleDir))
	candidate := filepath.Join(bundleDir, base)
	if fi, ferr := os.Stat(candidate); ferr == nil && !fi.IsDir() {
		return candidate, nil
	}
	return "", errors.Wrapf(ErrNoBinariesFound, "no executable found in %s", bundleDir)
}

func relID(root, path string) string {
	rel, err := filepath.Rel(filepath.Dir(root), path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}
