package codesign

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

// codeResourcesPath is where a bundle's resource seal lives.
var codeResourcesPath = filepath.Join("_CodeSignature", "CodeResources")

// GenerateCodeResources builds the CodeResources plist sealing every file of
// the bundle at dir, nested bundle contents included. "files" carries SHA1
// hashes, "files2" SHA1 and SHA256.
func GenerateCodeResources(dir string) ([]byte, error) {
	var execName string
	if info, err := ReadBundleInfo(dir); err == nil {
		execName = info.Executable
	}

	files := map[string]interface{}{}
	files2 := map[string]interface{}{}
	err := filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		// the main executable is bound through its own CodeDirectory
		if rel == filepath.ToSlash(codeResourcesPath) || rel == execName || omitResource(rel) {
			return nil
		}

		h1, h2, err := hashResource(path)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", rel, err)
		}

		optional := strings.Contains(rel, ".lproj/")
		if optional {
			files[rel] = map[string]interface{}{"hash": h1, "optional": true}
		} else {
			files[rel] = h1
		}

		if rel == "Info.plist" || rel == "PkgInfo" {
			return nil
		}
		entry := map[string]interface{}{"hash": h1, "hash2": h2}
		if optional {
			entry["optional"] = true
		}
		files2[rel] = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	data, err := plist.MarshalIndent(map[string]interface{}{
		"files":  files,
		"files2": files2,
		"rules":  resourceRules(),
		"rules2": resourceRules2(),
	}, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal CodeResources: %w", err)
	}
	return data, nil
}

// WriteCodeResources writes dir/_CodeSignature/CodeResources.
func WriteCodeResources(dir string) error {
	data, err := GenerateCodeResources(dir)
	if err != nil {
		return err
	}
	out := filepath.Join(dir, codeResourcesPath)
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return fmt.Errorf("failed to create _CodeSignature directory: %w", err)
	}
	return os.WriteFile(out, data, 0644)
}

func hashResource(path string) (sum1, sum256 []byte, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	h1, h2 := sha1.New(), sha256.New()
	if _, err := io.Copy(io.MultiWriter(h1, h2), f); err != nil {
		return nil, nil, err
	}
	return h1.Sum(nil), h2.Sum(nil), nil
}

// omitResource mirrors the omit rules below plus VCS and AppleDouble files.
func omitResource(rel string) bool {
	base := filepath.Base(rel)
	return base == ".DS_Store" ||
		strings.HasPrefix(base, "._") ||
		strings.Contains(rel, ".git") ||
		strings.HasSuffix(rel, ".lproj/locversion.plist")
}

// Weights are float64 so they encode as <real>.
func resourceRules() map[string]interface{} {
	return map[string]interface{}{
		"^.*":                           true,
		"^.*\\.lproj/":                  map[string]interface{}{"optional": true, "weight": float64(1000)},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{"omit": true, "weight": float64(1100)},
		"^Base\\.lproj/":                map[string]interface{}{"weight": float64(1010)},
		"^version.plist$":               true,
	}
}

func resourceRules2() map[string]interface{} {
	return map[string]interface{}{
		"^.*":                           true,
		".*\\.dSYM($|/)":                map[string]interface{}{"weight": float64(11)},
		"^(.*/)?\\.DS_Store$":           map[string]interface{}{"omit": true, "weight": float64(2000)},
		"^.*\\.lproj/":                  map[string]interface{}{"optional": true, "weight": float64(1000)},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{"omit": true, "weight": float64(1100)},
		"^Base\\.lproj/":                map[string]interface{}{"weight": float64(1010)},
		"^Info\\.plist$":                map[string]interface{}{"omit": true, "weight": float64(20)},
		"^PkgInfo$":                     map[string]interface{}{"omit": true, "weight": float64(20)},
		"^embedded\\.provisionprofile$": map[string]interface{}{"weight": float64(20)},
		"^version\\.plist$":             map[string]interface{}{"weight": float64(20)},
	}
}
