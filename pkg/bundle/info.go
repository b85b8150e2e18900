package bundle

import (
	"fmt"
	"os"
	"strings"

	"howett.net/plist"
)

// writeInfo saves Info.plist in the format it was read in.
func (b *Bundle) writeInfo() error {
	var (
		data []byte
		err  error
	)
	if b.format == plist.XMLFormat {
		data, err = plist.MarshalIndent(b.info, plist.XMLFormat, "\t")
	} else {
		data, err = plist.Marshal(b.info, b.format)
	}
	if err != nil {
		return fmt.Errorf("failed to encode Info.plist: %w", err)
	}
	if err := os.WriteFile(b.infoPath(), data, 0644); err != nil {
		return fmt.Errorf("failed to write Info.plist: %w", err)
	}
	return nil
}

func (b *Bundle) editable() error {
	if b.info == nil {
		return fmt.Errorf("%s: %w", b.dir, ErrInfoPlistMissing)
	}
	return nil
}

// SetInfoPlistKey sets key to value and writes Info.plist.
func (b *Bundle) SetInfoPlistKey(key string, value interface{}) error {
	if err := b.editable(); err != nil {
		return err
	}
	b.info[key] = value
	return b.writeInfo()
}

// RemoveInfoPlistKey deletes key. Missing keys are not an error.
func (b *Bundle) RemoveInfoPlistKey(key string) error {
	if err := b.editable(); err != nil {
		return err
	}
	if _, ok := b.info[key]; !ok {
		return nil
	}
	delete(b.info, key)
	return b.writeInfo()
}

// SetName sets the display and bundle name.
func (b *Bundle) SetName(name string) error {
	if err := b.editable(); err != nil {
		return err
	}
	if b.InfoString("CFBundleDisplayName") == name && b.InfoString("CFBundleName") == name {
		return nil
	}
	b.info["CFBundleDisplayName"] = name
	b.info["CFBundleName"] = name
	return b.writeInfo()
}

// SetVersion sets both the marketing and the build version.
func (b *Bundle) SetVersion(version string) error {
	if err := b.editable(); err != nil {
		return err
	}
	if b.Version() == version && b.BuildVersion() == version {
		return nil
	}
	b.info["CFBundleShortVersionString"] = version
	b.info["CFBundleVersion"] = version
	return b.writeInfo()
}

// RemoveURLSchemes drops the bundle's URL type declarations.
func (b *Bundle) RemoveURLSchemes() error {
	return b.RemoveInfoPlistKey("CFBundleURLTypes")
}

// SetMatchingIdentifier re-scopes identifiers from oldID to newID: the
// bundle identifier, a watch app's companion identifier and a WatchKit
// extension's app identifier are rewritten when they equal oldID or start
// with oldID followed by a dot.
func (b *Bundle) SetMatchingIdentifier(oldID, newID string) error {
	if err := b.editable(); err != nil {
		return err
	}
	if oldID == newID {
		return nil
	}
	changed := false
	rewrite := func(m map[string]interface{}, key string) {
		s, ok := m[key].(string)
		if !ok {
			return
		}
		if r, ok := rescope(s, oldID, newID); ok {
			m[key] = r
			changed = true
		}
	}
	rewrite(b.info, "CFBundleIdentifier")
	rewrite(b.info, "WKCompanionAppBundleIdentifier")
	if ext, ok := b.info["NSExtension"].(map[string]interface{}); ok {
		if attrs, ok := ext["NSExtensionAttributes"].(map[string]interface{}); ok {
			rewrite(attrs, "WKAppBundleIdentifier")
		}
	}
	if !changed {
		return nil
	}
	return b.writeInfo()
}

func rescope(id, oldID, newID string) (string, bool) {
	if id == oldID {
		return newID, true
	}
	if strings.HasPrefix(id, oldID+".") {
		return newID + id[len(oldID):], true
	}
	return "", false
}
