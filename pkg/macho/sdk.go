package macho

import (
	"fmt"
	"strconv"
	"strings"

	gomacho "github.com/blacktop/go-macho"
)

// ParseVersion encodes "X[.Y[.Z]]" as xxxx.yy.zz nibbles the way build
// version load commands store it.
func ParseVersion(v string) (uint32, error) {
	parts := strings.Split(v, ".")
	if len(parts) == 0 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid version %q", v)
	}
	var n [3]uint64
	for i, p := range parts {
		x, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid version %q: %w", v, err)
		}
		n[i] = x
	}
	if n[0] > 0xffff || n[1] > 0xff || n[2] > 0xff {
		return 0, fmt.Errorf("version %q out of range", v)
	}
	return uint32(n[0]<<16 | n[1]<<8 | n[2]), nil
}

// FormatVersion is the inverse of ParseVersion.
func FormatVersion(v uint32) string {
	return fmt.Sprintf("%d.%d.%d", v>>16, (v>>8)&0xff, v&0xff)
}

// sdkField returns the sdk value of a build version command and the offset
// of the field within the command.
func sdkField(l gomacho.Load) (sdk uint32, fieldOff int, ok bool) {
	switch v := l.(type) {
	case *gomacho.BuildVersion:
		return uint32(v.Sdk), 16, true
	case *gomacho.VersionMiniPhoneOS:
		return uint32(v.Sdk), 12, true
	}
	return 0, 0, false
}

// ReplaceSDKVersion overwrites the sdk field of every LC_BUILD_VERSION and
// LC_VERSION_MIN_IPHONEOS command in every slice.
func (img *Image) ReplaceSDKVersion(version string) error {
	v, err := ParseVersion(version)
	if err != nil {
		return err
	}
	for _, s := range img.slices {
		touched := false
		for _, c := range s.cmds {
			if _, field, ok := sdkField(c.load); ok {
				s.put32(c.offset+field, v)
				touched = true
			}
		}
		if touched {
			if err := s.reindex(); err != nil {
				return err
			}
		}
	}
	return nil
}

// SDKVersions reports the sdk field of each build version command, for
// inspection.
func (img *Image) SDKVersions() []string {
	var out []string
	for _, s := range img.slices {
		for _, c := range s.cmds {
			if sdk, _, ok := sdkField(c.load); ok {
				out = append(out, FormatVersion(sdk))
			}
		}
	}
	return out
}
