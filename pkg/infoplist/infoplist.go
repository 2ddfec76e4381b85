// Package infoplist rewrites a bundle's Info.plist metadata — bundle
// identifier and device-family overrides — in a single pass (spec §4.8,
// C8).
package infoplist

import "github.com/applesign/resigner/pkg/plist"

// Options controls which mutations Rewrite applies.
type Options struct {
	// BundleID, if non-empty, replaces CFBundleIdentifier (and, where
	// present, basebundleidentifier and CFBundleURLTypes[0].CFBundleURLName).
	BundleID string
	// ForceFamily strips UISupportedDevices and downgrades a
	// UIDeviceFamily of 2 (iPad-only) to 1 (iPhone).
	ForceFamily bool
}

// Rewrite applies the configured mutations to d in place and reports
// whether anything changed. The file should only be rewritten to disk
// when changed is true (spec §4.8: "rewritten only if at least one
// mutation occurred").
func Rewrite(d plist.Dict, opts Options) (changed bool) {
	if opts.BundleID != "" {
		if setBundleIdentifier(d, opts.BundleID) {
			changed = true
		}
	}
	if opts.ForceFamily {
		if applyForceFamily(d) {
			changed = true
		}
	}
	return changed
}

func setBundleIdentifier(d plist.Dict, bundleID string) bool {
	changed := false

	d["CFBundleIdentifier"] = bundleID
	changed = true

	if _, ok := d["basebundleidentifier"]; ok {
		d["basebundleidentifier"] = bundleID
	}

	if urlTypes, ok := d["CFBundleURLTypes"].([]interface{}); ok && len(urlTypes) > 0 {
		if first, ok := urlTypes[0].(plist.Dict); ok {
			if _, exists := first["CFBundleURLName"]; exists {
				first["CFBundleURLName"] = bundleID
			}
		} else if firstMap, ok := urlTypes[0].(map[string]interface{}); ok {
			if _, exists := firstMap["CFBundleURLName"]; exists {
				firstMap["CFBundleURLName"] = bundleID
			}
		}
	}

	return changed
}

func applyForceFamily(d plist.Dict) bool {
	changed := false

	if _, ok := d["UISupportedDevices"]; ok {
		delete(d, "UISupportedDevices")
		changed = true
	}

	if fam, ok := d["UIDeviceFamily"]; ok {
		if isTwo(fam) {
			d["UIDeviceFamily"] = int64(1)
			changed = true
		}
	}

	return changed
}

func isTwo(v interface{}) bool {
	switch n := v.(type) {
	case int64:
		return n == 2
	case uint64:
		return n == 2
	case int:
		return n == 2
	case float64:
		return n == 2
	default:
		return false
	}
}
