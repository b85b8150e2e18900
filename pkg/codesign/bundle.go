package codesign

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"howett.net/plist"
)

// BundleInfo is the part of Info.plist signing needs.
type BundleInfo struct {
	Executable string `plist:"CFBundleExecutable"`
	Identifier string `plist:"CFBundleIdentifier"`
}

// ReadBundleInfo decodes dir/Info.plist.
func ReadBundleInfo(dir string) (*BundleInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, "Info.plist"))
	if err != nil {
		return nil, fmt.Errorf("failed to read Info.plist: %w", err)
	}
	var info BundleInfo
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse Info.plist: %w", err)
	}
	if info.Executable == "" {
		return nil, fmt.Errorf("CFBundleExecutable not found in %s/Info.plist", dir)
	}
	return &info, nil
}

// SignBundle signs the bundle at dir in place: it regenerates
// _CodeSignature/CodeResources and signs the main executable bound to it.
// Nested bundles are hashed as they are, so they must be signed first.
// A nil identity signs ad-hoc.
func SignBundle(dir string, identity *SigningIdentity, entitlements []byte) error {
	info, err := ReadBundleInfo(dir)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(filepath.Join(dir, "_CodeSignature")); err != nil {
		return fmt.Errorf("failed to remove old signature: %w", err)
	}
	if err := WriteCodeResources(dir); err != nil {
		return fmt.Errorf("failed to write CodeResources: %w", err)
	}

	ctx := &BundleSigningContext{
		InfoPlistPath:     filepath.Join(dir, "Info.plist"),
		CodeResourcesPath: filepath.Join(dir, "_CodeSignature", "CodeResources"),
	}
	if identity != nil {
		ctx.TeamID = identity.TeamID
	}

	exec := filepath.Join(dir, info.Executable)
	if err := SignMachO(exec, identity, entitlements, info.Identifier, ctx); err != nil {
		return fmt.Errorf("failed to sign %s: %w", info.Executable, err)
	}
	return nil
}

// IsMachO reports whether the file at path starts with a little-endian
// Mach-O or a 32-bit fat magic, the layouts macho.Parse accepts.
func IsMachO(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}
	switch string(magic) {
	case "\xcf\xfa\xed\xfe", "\xce\xfa\xed\xfe", "\xca\xfe\xba\xbe":
		return true
	}
	return false
}
