package codesign

import (
	"fmt"
	"sort"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
	"howett.net/plist"
)

// EntitlementsToXML renders entitlements as an indented XML plist.
func EntitlementsToXML(entitlements map[string]interface{}) ([]byte, error) {
	data, err := plist.MarshalIndent(entitlements, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entitlements to XML: %w", err)
	}
	return data, nil
}

// ParseEntitlementsXML decodes a plist entitlements dictionary.
func ParseEntitlementsXML(data []byte) (map[string]interface{}, error) {
	var entitlements map[string]interface{}
	if _, err := plist.Unmarshal(data, &entitlements); err != nil {
		return nil, fmt.Errorf("failed to parse entitlements XML: %w", err)
	}
	return entitlements, nil
}

// DER tags of the plist encoding used by the entitlements DER slot.
var (
	derEntitlementsTag = cbasn1.Tag(16 | 0x40).Constructed() // [APPLICATION 16]
	derDictTag         = cbasn1.Tag(16).Constructed().ContextSpecific()
)

// EntitlementsToDER encodes entitlements the way the DER entitlements
// blob carries them:
//
//	[APPLICATION 16] { INTEGER 1, dict }
//	dict   = [16] { SEQUENCE { UTF8String key, value }... }
//	array  = SEQUENCE { value... }
//
// Keys are sorted. Booleans, integers and strings map to their universal
// types; reals are truncated to integers. Data and date values are
// rejected.
func EntitlementsToDER(entitlements map[string]interface{}) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(derEntitlementsTag, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(1)
		addDERDict(b, entitlements)
	})
	der, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to encode DER entitlements: %w", err)
	}
	return der, nil
}

func addDERDict(b *cryptobyte.Builder, dict map[string]interface{}) {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.AddASN1(derDictTag, func(b *cryptobyte.Builder) {
		for _, k := range keys {
			b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
				addDERString(b, k)
				addDERValue(b, k, dict[k])
			})
		}
	})
}

func addDERString(b *cryptobyte.Builder, s string) {
	b.AddASN1(cbasn1.UTF8String, func(b *cryptobyte.Builder) {
		b.AddBytes([]byte(s))
	})
}

func addDERValue(b *cryptobyte.Builder, key string, v interface{}) {
	switch val := v.(type) {
	case bool:
		b.AddASN1Boolean(val)
	case string:
		addDERString(b, val)
	case int:
		b.AddASN1Int64(int64(val))
	case int64:
		b.AddASN1Int64(val)
	case uint64:
		b.AddASN1Int64(int64(val))
	case float64:
		b.AddASN1Int64(int64(val))
	case []interface{}:
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			for _, item := range val {
				addDERValue(b, key, item)
			}
		})
	case map[string]interface{}:
		addDERDict(b, val)
	default:
		b.SetError(fmt.Errorf("entitlement %s: unsupported plist type %T", key, v))
	}
}
