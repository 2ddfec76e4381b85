// Package provision parses a mobile provisioning profile — a CMS-wrapped
// XML property list — and yields its embedded entitlements dictionary
// (spec §4.3, C3).
package provision

import (
	"os"

	"github.com/fullsailor/pkcs7"
	"github.com/pkg/errors"

	"github.com/applesign/resigner/pkg/plist"
)

// ErrUnreadable is returned (wrapped) when the CMS payload inside a
// provisioning profile cannot be located or parsed.
var ErrUnreadable = errors.New("ProfileUnreadable")

// Profile is the parsed form of a mobile provisioning profile: its raw
// bytes (for verbatim embedding into a bundle) plus the decoded payload
// plist.
type Profile struct {
	Raw     []byte
	Payload plist.Dict
}

// Parse reads the provisioning profile at path, unwraps its CMS envelope,
// and decodes the inner property list.
func Parse(path string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read provisioning profile")
	}
	return ParseBytes(raw)
}

// ParseBytes is Parse over an in-memory profile (tests, embedded-profile
// re-verification).
func ParseBytes(raw []byte) (*Profile, error) {
	payload, err := decodeCMS(raw)
	if err != nil {
		return nil, errors.Wrap(ErrUnreadable, err.Error())
	}

	dict, err := plist.Unmarshal(payload)
	if err != nil {
		return nil, errors.Wrap(ErrUnreadable, "inner payload is not a property list: "+err.Error())
	}

	return &Profile{Raw: raw, Payload: dict}, nil
}

// decodeCMS unwraps the PKCS#7/CMS envelope that wraps every
// .mobileprovision file and returns the signed content (the plist
// bytes), preferring the real pkcs7 parser and falling back to a manual
// scan for the plist's own <?xml ... <plist> ... </plist> markers — some
// profiles observed in the wild carry signed-data structures that
// fullsailor/pkcs7 does not fully model (detached/odd digest algorithms),
// and the payload is always embedded verbatim regardless.
func decodeCMS(raw []byte) ([]byte, error) {
	if p7, err := pkcs7.Parse(raw); err == nil {
		if len(p7.Content) > 0 {
			return p7.Content, nil
		}
	}
	return scanForPlist(raw)
}

func scanForPlist(raw []byte) ([]byte, error) {
	const (
		openTag  = "<?xml"
		closeTag = "</plist>"
	)
	start := indexOf(raw, []byte(openTag))
	if start < 0 {
		return nil, errors.New("no embedded plist payload found")
	}
	end := indexOf(raw[start:], []byte(closeTag))
	if end < 0 {
		return nil, errors.New("embedded plist payload is not terminated")
	}
	end += start + len(closeTag)
	return raw[start:end], nil
}

func indexOf(haystack, needle []byte) int {
	n := len(needle)
	if n == 0 {
		return 0
	}
	for i := 0; i+n <= len(haystack); i++ {
		if string(haystack[i:i+n]) == string(needle) {
			return i
		}
	}
	return -1
}

// Entitlements returns the profile's `Entitlements` dictionary, per
// spec §4.3. A profile without an Entitlements key yields an empty dict
// rather than an error — callers that require specific keys check for
// them explicitly.
func (p *Profile) Entitlements() plist.Dict {
	raw, ok := p.Payload["Entitlements"]
	if !ok {
		return plist.Dict{}
	}
	switch v := raw.(type) {
	case plist.Dict:
		return v
	case map[string]interface{}:
		return plist.Dict(v)
	default:
		return plist.Dict{}
	}
}

// ApplicationIdentifier is a convenience accessor onto
// Entitlements()["application-identifier"].
func (p *Profile) ApplicationIdentifier() string {
	s, _ := p.Entitlements()["application-identifier"].(string)
	return s
}

// TeamIdentifier is a convenience accessor onto
// Entitlements()["com.apple.developer.team-identifier"].
func (p *Profile) TeamIdentifier() string {
	s, _ := p.Entitlements()["com.apple.developer.team-identifier"].(string)
	return s
}
