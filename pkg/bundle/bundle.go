// Package bundle reads and edits application bundle trees and stages
// .ipa packages for signing.
package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"howett.net/plist"
)

// ErrInfoPlistMissing is returned when a bundle has no readable Info.plist
// or lacks a required key.
var ErrInfoPlistMissing = errors.New("Info.plist not found")

// Type classifies a bundle by its extension.
type Type int

const (
	Unknown Type = iota
	App
	AppExtension
	Framework
	Dylib
	Other
)

func (t Type) String() string {
	switch t {
	case App:
		return "app"
	case AppExtension:
		return "appex"
	case Framework:
		return "framework"
	case Dylib:
		return "dylib"
	case Other:
		return "bundle"
	default:
		return "unknown"
	}
}

// Classify returns the type of the bundle at path. Directories without an
// Info.plist are Unknown.
func Classify(path string) Type {
	fi, err := os.Stat(path)
	if err != nil {
		return Unknown
	}
	ext := strings.ToLower(filepath.Ext(path))
	if !fi.IsDir() {
		if ext == ".dylib" {
			return Dylib
		}
		return Unknown
	}
	if _, err := os.Stat(filepath.Join(path, "Info.plist")); err != nil {
		return Unknown
	}
	switch ext {
	case ".app":
		return App
	case ".appex":
		return AppExtension
	case ".framework":
		return Framework
	default:
		return Other
	}
}

// Bundle is a bundle directory (or a loose dylib) and its Info.plist.
type Bundle struct {
	dir    string
	typ    Type
	info   map[string]interface{}
	format int
}

// New opens the bundle at dir. Unknown bundles and dylibs carry no
// Info.plist and are returned without error.
func New(dir string) (*Bundle, error) {
	b := &Bundle{dir: dir, typ: Classify(dir)}
	if b.typ == Unknown || b.typ == Dylib {
		return b, nil
	}
	data, err := os.ReadFile(b.infoPath())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, ErrInfoPlistMissing)
	}
	format, err := plist.Unmarshal(data, &b.info)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", b.infoPath(), err)
	}
	if b.info == nil {
		b.info = make(map[string]interface{})
	}
	b.format = format
	return b, nil
}

// Dir is the bundle directory, or the file for a dylib.
func (b *Bundle) Dir() string { return b.dir }

// Type is the bundle classification.
func (b *Bundle) Type() Type { return b.typ }

// ShouldHaveEntitlements reports whether the bundle is signed with
// entitlements and gets a provisioning profile.
func (b *Bundle) ShouldHaveEntitlements() bool {
	return b.typ == App || b.typ == AppExtension
}

func (b *Bundle) infoPath() string { return filepath.Join(b.dir, "Info.plist") }

// InfoString returns the string value of key, or "".
func (b *Bundle) InfoString(key string) string {
	s, _ := b.info[key].(string)
	return s
}

// InfoValue returns the raw value of key.
func (b *Bundle) InfoValue(key string) (interface{}, bool) {
	v, ok := b.info[key]
	return v, ok
}

func (b *Bundle) Identifier() string   { return b.InfoString("CFBundleIdentifier") }
func (b *Bundle) Executable() string   { return b.InfoString("CFBundleExecutable") }
func (b *Bundle) BundleName() string   { return b.InfoString("CFBundleName") }
func (b *Bundle) Version() string      { return b.InfoString("CFBundleShortVersionString") }
func (b *Bundle) BuildVersion() string { return b.InfoString("CFBundleVersion") }

// Name is the display name, falling back to the bundle name and then
// the executable.
func (b *Bundle) Name() string {
	for _, key := range []string{"CFBundleDisplayName", "CFBundleName", "CFBundleExecutable"} {
		if s := b.InfoString(key); s != "" {
			return s
		}
	}
	return ""
}

// ExecutablePath is the path of the bundle's main Mach-O. For a dylib it
// is the file itself.
func (b *Bundle) ExecutablePath() (string, error) {
	if b.typ == Dylib {
		return b.dir, nil
	}
	exec := b.Executable()
	if exec == "" {
		return "", fmt.Errorf("%s: CFBundleExecutable: %w", b.dir, ErrInfoPlistMissing)
	}
	return filepath.Join(b.dir, exec), nil
}

// CollectBundlesSorted returns every bundle embedded in b followed by b
// itself. Children always precede their container, and siblings are in
// name order.
func (b *Bundle) CollectBundlesSorted() ([]*Bundle, error) {
	var out []*Bundle
	if err := b.collect(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// Nested bundle locations relative to a bundle root, with the extensions
// they hold.
var nestedDirs = []struct {
	dir  string
	exts []string
}{
	{"Frameworks", []string{".framework", ".dylib"}},
	{"PlugIns", []string{".appex"}},
	{"Extensions", []string{".appex"}},
	{"Watch", []string{".app"}},
}

func (b *Bundle) collect(out *[]*Bundle) error {
	if b.typ != Dylib {
		for _, nd := range nestedDirs {
			entries, err := os.ReadDir(filepath.Join(b.dir, nd.dir))
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", nd.dir, err)
			}
			sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
			for _, e := range entries {
				if !hasExt(e.Name(), nd.exts) {
					continue
				}
				child, err := New(filepath.Join(b.dir, nd.dir, e.Name()))
				if err != nil {
					return err
				}
				if err := child.collect(out); err != nil {
					return err
				}
			}
		}
	}
	*out = append(*out, b)
	return nil
}

func hasExt(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}
