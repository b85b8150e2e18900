package macho

import (
	"howett.net/plist"
)

const appGroupsKey = "com.apple.security.application-groups"

// Entitlements returns the entitlements embedded in the first slice's code
// signature. ok is false for an unsigned image or one without an
// entitlements blob.
func (img *Image) Entitlements() (ents map[string]interface{}, ok bool) {
	if !img.entLoaded {
		img.entLoaded = true
		if xml := img.EntitlementsXML(); len(xml) > 0 {
			var parsed map[string]interface{}
			if _, err := plist.Unmarshal(xml, &parsed); err == nil && parsed != nil {
				img.entitlements = parsed
			}
		}
	}
	return img.entitlements, img.entitlements != nil
}

// EntitlementsXML returns the raw entitlements plist of the first slice.
func (img *Image) EntitlementsXML() []byte {
	if len(img.slices) == 0 {
		return nil
	}
	return img.slices[0].entitlementsXML()
}

// AppGroups returns the application group identifiers the binary is entitled to.
func (img *Image) AppGroups() []string {
	ents, _ := img.Entitlements()
	raw, ok := ents[appGroupsKey].([]interface{})
	if !ok {
		return nil
	}
	var groups []string
	for _, g := range raw {
		if s, ok := g.(string); ok {
			groups = append(groups, s)
		}
	}
	return groups
}

func (s *Slice) entitlementsXML() []byte {
	cs := s.file.CodeSignature()
	if cs == nil || cs.Entitlements == "" {
		return nil
	}
	return []byte(cs.Entitlements)
}
