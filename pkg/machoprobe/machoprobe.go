// Package machoprobe recognizes Mach-O binaries, detects FairPlay
// encryption, and extracts the entitlements embedded in a binary's code
// signature blob (spec §4.1, C1).
//
// Mach-O header and load-command layout is read with the standard
// library's debug/macho; the code-signature SuperBlob/CodeDirectory
// layout it does not cover is parsed by hand here, following the
// big-endian binary.Read idiom used by blacktop/go-macho's
// pkg/codesign (see DESIGN.md).
package machoprobe

import (
	"bytes"
	"debug/macho"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"howett.net/plist"
)

// Magic values recognized at the start of a Mach-O file (spec §4.1).
var machoMagics = [][4]byte{
	{0xCA, 0xFE, 0xBA, 0xBE}, // fat
	{0xCE, 0xFA, 0xED, 0xFE}, // 32-bit LE
	{0xCF, 0xFA, 0xED, 0xFE}, // 64-bit LE
	{0xFE, 0xED, 0xFA, 0xCE}, // big-endian
}

// IsMachO reports whether first4 matches one of the recognized Mach-O
// magic values.
func IsMachO(first4 [4]byte) bool {
	for _, m := range machoMagics {
		if m == first4 {
			return true
		}
	}
	return false
}

// IsMachOFile reads the first four bytes of path and reports whether it
// is a Mach-O binary. I/O errors surface to the caller.
func IsMachOFile(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	var buf [4]byte
	n, err := io.ReadFull(f, buf[:])
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return false, nil
		}
		return false, err
	}
	if n != 4 {
		return false, nil
	}
	return IsMachO(buf), nil
}

// encryptionInfoCmd is the common prefix of LC_ENCRYPTION_INFO and
// LC_ENCRYPTION_INFO_64; the crypt-id field lands at the same offset in
// both.
type encryptionInfoCmd struct {
	Cmd       uint32
	Cmdsize   uint32
	CryptOff  uint32
	CryptSize uint32
	CryptID   uint32
}

const (
	lcEncryptionInfo   = 0x21
	lcEncryptionInfo64 = 0x2C
)

// IsEncrypted inspects the Mach-O load commands at path for a non-zero
// LC_ENCRYPTION_INFO(_64) crypt-id, which marks a FairPlay-encrypted
// executable (spec §4.1).
func IsEncrypted(path string) (bool, error) {
	f, err := macho.Open(path)
	if err != nil {
		if fat, ferr := macho.OpenFat(path); ferr == nil {
			defer fat.Close()
			for _, arch := range fat.Arches {
				if encryptedCmd(arch.File) {
					return true, nil
				}
			}
			return false, nil
		}
		return false, err
	}
	defer f.Close()
	return encryptedCmd(f), nil
}

func encryptedCmd(f *macho.File) bool {
	for _, l := range f.Loads {
		raw := l.Raw()
		if len(raw) < 8 {
			continue
		}
		cmd := f.ByteOrder.Uint32(raw[0:4])
		if cmd != lcEncryptionInfo && cmd != lcEncryptionInfo64 {
			continue
		}
		if len(raw) < 20 {
			continue
		}
		cryptID := f.ByteOrder.Uint32(raw[16:20])
		if cryptID != 0 {
			return true
		}
	}
	return false
}

// Entitlements is the abstract entitlement tree embedded in a binary's
// code signature. It is decoded from XML plist bytes, so any plist key is
// preserved; callers access the handful of well-known keys via the
// accessor methods.
type Entitlements map[string]interface{}

func (e Entitlements) ApplicationIdentifier() string {
	s, _ := e["application-identifier"].(string)
	return s
}

func (e Entitlements) TeamIdentifier() string {
	s, _ := e["com.apple.developer.team-identifier"].(string)
	return s
}

func (e Entitlements) KeychainAccessGroups() []string {
	raw, ok := e["keychain-access-groups"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// ReadEntitlements locates the embedded code-signature blob in the
// Mach-O at path, extracts the CSSLOT_ENTITLEMENTS slot, and parses it as
// a property list. It returns (nil, nil) if the binary carries no
// signature yet; a malformed binary yields (nil, nil), not an error,
// matching spec §4.1 ("a malformed binary yields null, not an error").
// Genuine I/O errors still surface.
func ReadEntitlements(path string) (Entitlements, error) {
	f, err := macho.Open(path)
	if err != nil {
		if fat, ferr := macho.OpenFat(path); ferr == nil {
			defer fat.Close()
			for _, arch := range fat.Arches {
				ents, err := readEntitlementsFromSlice(path, arch.File, int64(arch.Offset))
				if err != nil {
					return nil, err
				}
				if ents != nil {
					return ents, nil
				}
			}
			return nil, nil
		}
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return nil, err
		}
		// Neither a thin nor a fat Mach-O: malformed, not an I/O failure.
		return nil, nil
	}
	defer f.Close()
	return readEntitlementsFromSlice(path, f, 0)
}

func readEntitlementsFromSlice(path string, f *macho.File, sliceBase int64) (Entitlements, error) {
	blob := findCodeSignatureCmd(f)
	if blob == nil {
		return nil, nil
	}

	raw, err := io.ReadAll(io.NewSectionReader(
		&fileReaderAt{path: path}, sliceBase+int64(blob.dataOffset), int64(blob.dataSize)))
	if err != nil {
		return nil, err
	}

	plistData, ok := extractEntitlementsSlot(raw)
	if !ok {
		return nil, nil
	}

	var ents Entitlements
	if _, err := plist.Unmarshal(plistData, &ents); err != nil {
		// Malformed embedded plist: treat as "not yet signed", per §4.1.
		return nil, nil
	}
	return ents, nil
}

type codeSignatureCmd struct {
	dataOffset uint32
	dataSize   uint32
}

const lcCodeSignature = 0x1D

func findCodeSignatureCmd(f *macho.File) *codeSignatureCmd {
	for _, l := range f.Loads {
		raw := l.Raw()
		if len(raw) < 16 {
			continue
		}
		cmd := f.ByteOrder.Uint32(raw[0:4])
		if cmd != lcCodeSignature {
			continue
		}
		return &codeSignatureCmd{
			dataOffset: f.ByteOrder.Uint32(raw[8:12]),
			dataSize:   f.ByteOrder.Uint32(raw[12:16]),
		}
	}
	return nil
}

// fileReaderAt opens path lazily per ReadAt call; code-signature blobs are
// read once per probe so this trades a touch of overhead for not holding
// descriptors open across the probe's lifetime.
type fileReaderAt struct {
	path string
}

func (r *fileReaderAt) ReadAt(p []byte, off int64) (int, error) {
	f, err := os.Open(r.path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.ReadAt(p, off)
}

// Code-signature SuperBlob layout (Apple's embedded signature format),
// parsed by hand following blacktop/go-macho's pkg/codesign structure.
const (
	magicEmbeddedSignature = 0xfade0cc0
	cdEntitlements         = 5 // CSSLOT_ENTITLEMENTS
)

type superBlobHeader struct {
	Magic  uint32
	Length uint32
	Count  uint32
}

type blobIndexEntry struct {
	Type   uint32
	Offset uint32
}

type blobHeader struct {
	Magic  uint32
	Length uint32
}

// extractEntitlementsSlot walks the SuperBlob index in raw (the full
// LC_CODE_SIGNATURE data region) and returns the plist bytes of the
// CSSLOT_ENTITLEMENTS slot, if present.
func extractEntitlementsSlot(raw []byte) ([]byte, bool) {
	r := bytes.NewReader(raw)
	var sb superBlobHeader
	if err := binary.Read(r, binary.BigEndian, &sb); err != nil {
		return nil, false
	}
	if sb.Magic != magicEmbeddedSignature {
		return nil, false
	}

	idx := make([]blobIndexEntry, sb.Count)
	if err := binary.Read(r, binary.BigEndian, &idx); err != nil {
		return nil, false
	}

	for _, entry := range idx {
		if entry.Type != cdEntitlements {
			continue
		}
		if int64(entry.Offset) >= int64(len(raw)) {
			return nil, false
		}
		br := bytes.NewReader(raw[entry.Offset:])
		var bh blobHeader
		if err := binary.Read(br, binary.BigEndian, &bh); err != nil {
			return nil, false
		}
		dataLen := int(bh.Length) - 8
		if dataLen <= 0 || dataLen > br.Len() {
			return nil, false
		}
		data := make([]byte, dataLen)
		if _, err := io.ReadFull(br, data); err != nil {
			return nil, false
		}
		return data, true
	}
	return nil, false
}
