// Package device installs signed apps and their provisioning profiles on a
// connected device through a Transport.
package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aluedeke/go-sideload/pkg/bundle"
	"zombiezen.com/go/log"
)

// Transport is the device connection. Implementations own pairing and the
// wire protocol.
type Transport interface {
	// InstallApp uploads and installs the bundle or .ipa at path. progress
	// receives percentages in [0, 100] and may be nil.
	InstallApp(ctx context.Context, path string, progress func(int)) error
	InstallProfile(ctx context.Context, data []byte) error
	IsAppInstalled(ctx context.Context, bundleID string) (bool, error)
}

// Install installs every embedded.mobileprovision found in the app at dir
// and then the app itself. Extra profiles are installed first.
func Install(ctx context.Context, t Transport, dir string, profiles [][]byte) error {
	app, err := bundle.New(dir)
	if err != nil {
		return err
	}
	bundles, err := app.CollectBundlesSorted()
	if err != nil {
		return err
	}
	for _, b := range bundles {
		if !b.ShouldHaveEntitlements() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(b.Dir(), "embedded.mobileprovision"))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to read profile of %s: %w", b.Identifier(), err)
		}
		profiles = append(profiles, data)
	}
	for i, p := range profiles {
		if err := t.InstallProfile(ctx, p); err != nil {
			return fmt.Errorf("failed to install profile %d: %w", i+1, err)
		}
	}
	log.Debugf(ctx, "Installed %d provisioning profiles", len(profiles))

	if installed, err := t.IsAppInstalled(ctx, app.Identifier()); err == nil && installed {
		log.Infof(ctx, "Updating %s", app.Identifier())
	}
	last := -1
	err = t.InstallApp(ctx, dir, func(pct int) {
		if pct/10 != last/10 {
			log.Infof(ctx, "Installing %s: %d%%", app.Name(), pct)
		}
		last = pct
	})
	if err != nil {
		return fmt.Errorf("failed to install %s: %w", app.Identifier(), err)
	}
	log.Infof(ctx, "Installed %s", app.Identifier())
	return nil
}
