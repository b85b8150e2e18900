package bundle

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
)

// Package is an .ipa extracted into a private staging directory. Close
// removes the directory; callers should defer it right after
// OpenPackage succeeds.
type Package struct {
	path     string
	stageDir string
	entries  []string
}

// OpenPackage extracts the .ipa at path into a new staging directory
// under the system temp dir.
func OpenPackage(path string) (*Package, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open IPA: %w", err)
	}
	defer r.Close()

	stageDir := filepath.Join(os.TempDir(), "sideload-stage-"+strings.ToUpper(uuid.NewString()))
	if err := os.Mkdir(stageDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	p := &Package{path: path, stageDir: stageDir}
	for _, f := range r.File {
		p.entries = append(p.entries, f.Name)
		if err := extractZipFile(f, stageDir); err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}
	return p, nil
}

func extractZipFile(f *zip.File, destDir string) error {
	destPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(destPath, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return fmt.Errorf("invalid file path: %s", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(destPath, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	if f.Mode()&os.ModeSymlink != 0 {
		target, err := io.ReadAll(src)
		if err != nil {
			return err
		}
		return os.Symlink(string(target), destPath)
	}

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

// Path is the original .ipa path.
func (p *Package) Path() string { return p.path }

// StageDir is the directory the package was extracted into.
func (p *Package) StageDir() string { return p.stageDir }

// Entries lists the archive member names in archive order.
func (p *Package) Entries() []string { return p.entries }

// HasEntry reports whether any member name contains substr.
func (p *Package) HasEntry(substr string) bool {
	for _, e := range p.entries {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

// Bundle returns the application bundle under Payload/.
func (p *Package) Bundle() (*Bundle, error) {
	payload := filepath.Join(p.stageDir, "Payload")
	entries, err := os.ReadDir(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to read Payload directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), ".app") {
			b, err := New(filepath.Join(payload, e.Name()))
			if err != nil {
				return nil, err
			}
			if b.Type() != App {
				return nil, fmt.Errorf("%s: %w", e.Name(), ErrInfoPlistMissing)
			}
			return b, nil
		}
	}
	return nil, fmt.Errorf("no .app bundle in Payload: %w", ErrInfoPlistMissing)
}

// Archive writes the staged Payload tree to out as an .ipa.
func (p *Package) Archive(out string) error {
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	w := zip.NewWriter(f)

	root := p.stageDir
	err = filepath.Walk(filepath.Join(root, "Payload"), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if info.IsDir() {
			_, err := w.Create(name + "/")
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = name
		if info.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			hw, err := w.CreateHeader(header)
			if err != nil {
				return err
			}
			_, err = io.WriteString(hw, target)
			return err
		}
		header.Method = zip.Deflate
		hw, err := w.CreateHeader(header)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(hw, src)
		return err
	})
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write IPA: %w", err)
	}
	return nil
}

// Close removes the staging directory.
func (p *Package) Close() error {
	return os.RemoveAll(p.stageDir)
}
