// Package tweak injects jailbreak tweaks into an application bundle.
//
// A tweak is a .deb package, a loose .dylib, or a .framework, .bundle or
// .appex directory. Dylibs and frameworks are copied into the app's
// Frameworks directory and loaded through a weak LC_LOAD_DYLIB added to the
// main executable.
package tweak

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aluedeke/go-sideload/pkg/bundle"
	"github.com/aluedeke/go-sideload/pkg/macho"
	"github.com/google/uuid"
	"zombiezen.com/go/log"
)

var (
	// ErrInvalidPath is returned when the tweak path does not exist.
	ErrInvalidPath = errors.New("invalid tweak path")
	// ErrUnsupportedFileType is returned for tweak files of an unknown kind.
	ErrUnsupportedFileType = errors.New("unsupported tweak file type")
)

const (
	substratePath      = "/Library/Frameworks/CydiaSubstrate.framework/CydiaSubstrate"
	substrateRpathPath = "@rpath/CydiaSubstrate.framework/CydiaSubstrate"
)

// Directories of a .deb payload that hold injectable content.
var searchPaths = []string{
	"Library/MobileSubstrate/DynamicLibraries",
	"usr/lib",
	"Library/Frameworks",
	"Library/Application Support",
}

// Tweak is one tweak to be applied to an app bundle.
type Tweak struct {
	path string
	kind string
	app  *bundle.Bundle
}

// New validates path and returns a Tweak targeting app.
func New(path string, app *bundle.Bundle) (*Tweak, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%s: %w", path, ErrInvalidPath)
	}
	kind := strings.ToLower(filepath.Ext(path))
	switch kind {
	case ".deb", ".dylib", ".framework", ".bundle", ".appex":
	default:
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), ErrUnsupportedFileType)
	}
	return &Tweak{path: path, kind: kind, app: app}, nil
}

// Path is the tweak file.
func (t *Tweak) Path() string { return t.path }

// Apply installs the tweak into the app bundle.
func (t *Tweak) Apply(ctx context.Context) error {
	log.Infof(ctx, "Applying tweak %s", filepath.Base(t.path))
	switch t.kind {
	case ".deb":
		return t.applyDeb(ctx)
	case ".dylib":
		return t.installDylib(ctx, t.path)
	case ".framework":
		return t.installFramework(ctx, t.path)
	case ".bundle":
		return t.installBundle(ctx, t.path)
	case ".appex":
		return t.installAppex(ctx, t.path)
	}
	return fmt.Errorf("%s: %w", t.path, ErrUnsupportedFileType)
}

func (t *Tweak) applyDeb(ctx context.Context) error {
	stage := filepath.Join(os.TempDir(), "sideload-tweak-"+strings.ToUpper(uuid.NewString()))
	if err := os.Mkdir(stage, 0700); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stage)

	if err := extractDeb(t.path, stage); err != nil {
		return fmt.Errorf("failed to extract %s: %w", filepath.Base(t.path), err)
	}

	var dirs []string
	for _, p := range searchPaths {
		dirs = append(dirs, filepath.Join(stage, p))
	}
	for _, p := range searchPaths {
		dirs = append(dirs, filepath.Join(stage, "var", "jb", p))
	}
	for _, dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		log.Debugf(ctx, "Scanning %s", strings.TrimPrefix(dir, stage+string(os.PathSeparator)))
		if err := t.scan(ctx, dir); err != nil {
			return err
		}
	}
	return nil
}

// scan installs everything injectable below dir. Symlinks are skipped.
func (t *Tweak) scan(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.Type()&os.ModeSymlink != 0 {
			continue
		}
		path := filepath.Join(dir, e.Name())
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() {
			if ext == ".dylib" {
				if err := t.installDylib(ctx, path); err != nil {
					return err
				}
			}
			continue
		}
		switch ext {
		case ".framework":
			err = t.installFramework(ctx, path)
		case ".bundle":
			err = t.installBundle(ctx, path)
		case ".appex":
			err = t.installAppex(ctx, path)
		default:
			err = t.scan(ctx, path)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *Tweak) installDylib(ctx context.Context, src string) error {
	name := filepath.Base(src)
	frameworks := filepath.Join(t.app.Dir(), "Frameworks")
	if err := os.MkdirAll(frameworks, 0755); err != nil {
		return err
	}
	dst := filepath.Join(frameworks, name)
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("failed to copy %s: %w", name, err)
	}
	patchSubstrate(ctx, dst)
	return t.inject(ctx, "@rpath/"+name)
}

func (t *Tweak) installFramework(ctx context.Context, src string) error {
	name := filepath.Base(src)
	dst := filepath.Join(t.app.Dir(), "Frameworks", name)
	if err := copyDir(src, dst); err != nil {
		return fmt.Errorf("failed to copy %s: %w", name, err)
	}
	fw, err := bundle.New(dst)
	if err != nil {
		return err
	}
	exec, err := fw.ExecutablePath()
	if err != nil {
		return err
	}
	patchSubstrate(ctx, exec)
	return t.inject(ctx, "@rpath/"+name+"/"+filepath.Base(exec))
}

func (t *Tweak) installBundle(ctx context.Context, src string) error {
	name := filepath.Base(src)
	log.Debugf(ctx, "Copying %s into the app", name)
	return copyDir(src, filepath.Join(t.app.Dir(), name))
}

func (t *Tweak) installAppex(ctx context.Context, src string) error {
	name := filepath.Base(src)
	log.Debugf(ctx, "Copying %s into PlugIns", name)
	return copyDir(src, filepath.Join(t.app.Dir(), "PlugIns", name))
}

// inject adds a weak load command for loadPath to the app's executable.
func (t *Tweak) inject(ctx context.Context, loadPath string) error {
	exec, err := t.app.ExecutablePath()
	if err != nil {
		return err
	}
	img, err := macho.Open(exec)
	if err != nil {
		return err
	}
	if err := img.AddDylibLoadPath(loadPath); err != nil {
		return fmt.Errorf("failed to inject %s: %w", loadPath, err)
	}
	if err := img.Commit(); err != nil {
		return err
	}
	log.Infof(ctx, "Injected %s", loadPath)
	return nil
}

// patchSubstrate points an absolute CydiaSubstrate reference at the copy
// shipped in the app's Frameworks. Binaries without the reference are left
// alone and failures are only logged.
func patchSubstrate(ctx context.Context, path string) {
	img, err := macho.Open(path)
	if err != nil {
		log.Debugf(ctx, "Not patching %s: %v", filepath.Base(path), err)
		return
	}
	if err := img.ReplaceDylibLoadPath(substratePath, substrateRpathPath); err != nil {
		log.Warnf(ctx, "Failed to patch CydiaSubstrate path in %s: %v", filepath.Base(path), err)
		return
	}
	if err := img.Commit(); err != nil {
		log.Warnf(ctx, "Failed to write %s: %v", filepath.Base(path), err)
	}
}

// InstallEllekit applies the ElleKit .deb at debPath, which provides the
// CydiaSubstrate framework tweaks link against.
func InstallEllekit(ctx context.Context, debPath string, app *bundle.Bundle) error {
	t, err := New(debPath, app)
	if err != nil {
		return fmt.Errorf("ElleKit: %w", err)
	}
	if t.kind != ".deb" {
		return fmt.Errorf("ElleKit: %s: %w", filepath.Base(debPath), ErrUnsupportedFileType)
	}
	return t.Apply(ctx)
}
