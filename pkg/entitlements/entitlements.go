// Package entitlements reconciles a binary's embedded entitlements
// against its provisioning profile and any user override, and writes the
// resulting document for codesign to consume (spec §4.7, C7).
package entitlements

import (
	"github.com/pkg/errors"

	"github.com/applesign/resigner/pkg/machoprobe"
	"github.com/applesign/resigner/pkg/plist"
)

// Inputs bundles the three sources of truth the reconciler merges.
type Inputs struct {
	// MachO is the binary's own embedded entitlements, or nil when the
	// binary is unsigned.
	MachO machoprobe.Entitlements
	// Profile is the chosen provisioning profile's entitlements.
	Profile plist.Dict
	// UserOverridePath, if non-empty, names a file to copy verbatim
	// instead of reconciling M and P.
	UserOverridePath string
	// UseDefaultEntitlements requests a freshly built minimal document
	// instead of carrying over M's existing keys.
	UseDefaultEntitlements bool
}

// Reconcile applies the decision table in spec §4.7 and returns the
// entitlement document to write, or nil if no entitlements apply to this
// binary (unsigned input, no override, and no default document built).
func Reconcile(in Inputs) (plist.Dict, error) {
	appID, _ := in.Profile["application-identifier"].(string)
	teamID, _ := in.Profile["com.apple.developer.team-identifier"].(string)

	if in.UseDefaultEntitlements && appID != "" && teamID != "" {
		return defaultDocument(appID, teamID), nil
	}

	if in.UserOverridePath != "" {
		d, err := plist.ReadFile(in.UserOverridePath)
		if err != nil {
			return nil, errors.Wrap(err, "read user entitlement override")
		}
		return d, nil
	}

	if in.MachO == nil {
		// Unsigned binary, no override, no forced defaults: nothing to
		// reconcile (spec §4.7).
		return nil, nil
	}

	out := plist.Clone(plist.Dict(in.MachO))
	if appID != "" {
		out["application-identifier"] = appID
	}
	if teamID != "" {
		out["com.apple.developer.team-identifier"] = teamID
	}
	if appID != "" {
		if groups, ok := out["keychain-access-groups"].([]interface{}); ok && len(groups) > 0 {
			groups[0] = appID
		} else {
			out["keychain-access-groups"] = []interface{}{appID}
		}
	}
	return out, nil
}

// defaultDocument builds the minimal entitlement document described in
// spec §4.7's "useDefaultEntitlements" branch.
func defaultDocument(appID, teamID string) plist.Dict {
	return plist.Dict{
		"application-identifier":              appID,
		"com.apple.developer.team-identifier": teamID,
		"get-task-allow":                      true,
		"keychain-access-groups":              []interface{}{appID},
	}
}

// Write serializes doc as the entitlements file codesign will consume
// for a given binary at entitlementsPath.
func Write(entitlementsPath string, doc plist.Dict) error {
	return plist.WriteFile(entitlementsPath, doc)
}
