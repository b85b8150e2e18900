// Package signer prepares, registers and signs application bundles for
// sideloading.
//
// An Engine runs three phases on an app bundle in order: ModifyBundle
// applies local Info.plist and binary changes, RegisterBundle provisions
// the app's identifiers on the developer portal, and SignBundle signs
// every nested bundle and then the app.
package signer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aluedeke/go-sideload/pkg/bundle"
	"github.com/aluedeke/go-sideload/pkg/codesign"
	"github.com/aluedeke/go-sideload/pkg/developer"
	"github.com/aluedeke/go-sideload/pkg/device"
	"github.com/aluedeke/go-sideload/pkg/identity"
	"github.com/aluedeke/go-sideload/pkg/macho"
	"github.com/aluedeke/go-sideload/pkg/tweak"
	"golang.org/x/sync/errgroup"
	"zombiezen.com/go/log"
)

var (
	// ErrBundleInfoPlistMissing is returned when a bundle lacks its
	// Info.plist or main executable.
	ErrBundleInfoPlistMissing = bundle.ErrInfoPlistMissing
	// ErrCertificateUnavailable is returned when certificate signing is
	// requested without a certificate.
	ErrCertificateUnavailable = errors.New("signing certificate unavailable")
	// ErrIdentifierMissing is returned when a bundle to be registered has
	// no bundle identifier.
	ErrIdentifierMissing = errors.New("bundle identifier missing")
	// ErrEllekitMissing is returned when ElleKit is requested but no
	// package was configured.
	ErrEllekitMissing = errors.New("ElleKit package not configured")
)

const (
	provisionFile   = "embedded.mobileprovision"
	liquidGlassSDK  = "26.0.0"
	sideStoreAppDir = "SideStoreApp.framework"
)

// Engine signs one app with one set of options.
type Engine struct {
	// Identity signs in ModePem. It is ignored in ModeAdhoc.
	Identity *identity.Identity
	Options  Options
	// Profiles are the provisioning profiles available to SignBundle.
	// RegisterBundle replaces them with freshly downloaded ones.
	Profiles []*codesign.MobileProvision
}

// New returns an Engine for id and opts.
func New(id *identity.Identity, opts Options) *Engine {
	return &Engine{Identity: id, Options: opts}
}

func (e *Engine) entitledBundles(b *bundle.Bundle) ([]*bundle.Bundle, error) {
	all, err := b.CollectBundlesSorted()
	if err != nil {
		return nil, err
	}
	var out []*bundle.Bundle
	for _, sb := range all {
		if sb.ShouldHaveEntitlements() {
			out = append(out, sb)
		}
	}
	return out, nil
}

// ModifyBundle applies the local changes requested by the options to the
// app at b. teamID may be empty.
func (e *Engine) ModifyBundle(ctx context.Context, b *bundle.Bundle, teamID string) error {
	if e.Options.Mode == ModeNone {
		return nil
	}
	o := &e.Options

	entitled, err := e.entitledBundles(b)
	if err != nil {
		return err
	}

	if o.CustomName != "" {
		if err := b.SetName(o.CustomName); err != nil {
			return err
		}
	}
	if o.CustomVersion != "" {
		if err := b.SetVersion(o.CustomVersion); err != nil {
			return err
		}
	}
	if err := e.applyFeatures(b); err != nil {
		return err
	}

	origID := b.Identifier()
	if o.Mode != ModeAdhoc && o.CustomIdentifier == "" && origID != "" && teamID != "" {
		o.CustomIdentifier = origID + "." + teamID
	}
	if o.CustomIdentifier != "" && origID != "" {
		log.Debugf(ctx, "Rewriting identifiers %s -> %s", origID, o.CustomIdentifier)
		for _, sb := range entitled {
			if err := sb.SetMatchingIdentifier(origID, o.CustomIdentifier); err != nil {
				return err
			}
		}
	}

	if err := e.embedCertificate(ctx, b); err != nil {
		return err
	}

	if o.CustomIcon != "" {
		if err := setIcon(b, o.CustomIcon); err != nil {
			return err
		}
	}

	if err := e.applyTweaks(ctx, b); err != nil {
		return err
	}

	if o.Features.SupportLiquidGlass {
		if err := b.SetInfoPlistKey("UIDesignRequiresCompatibility", false); err != nil {
			return err
		}
		exec, err := b.ExecutablePath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(exec); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(exec), ErrBundleInfoPlistMissing)
		}
		img, err := macho.Open(exec)
		if err != nil {
			return err
		}
		if err := img.ReplaceSDKVersion(liquidGlassSDK); err != nil {
			return err
		}
		if err := img.Commit(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyFeatures(b *bundle.Bundle) error {
	f := e.Options.Features
	keys := []struct {
		on    bool
		key   string
		value interface{}
	}{
		{f.SupportMinimumOSVersion, "MinimumOSVersion", "7.0"},
		{f.SupportFileSharing, "UIFileSharingEnabled", true},
		{f.SupportFileSharing, "UISupportsDocumentBrowser", true},
		{f.SupportIPadFullscreen, "UIRequiresFullScreen", true},
		{f.SupportGameMode, "GCSupportsGameMode", true},
		{f.SupportProMotion, "CADisableMinimumFrameDurationOnPhone", true},
	}
	for _, k := range keys {
		if !k.on {
			continue
		}
		if err := b.SetInfoPlistKey(k.key, k.value); err != nil {
			return err
		}
	}
	if f.RemoveURLSchemes {
		return b.RemoveURLSchemes()
	}
	return nil
}

// embedCertificate gives AltStore and SideStore the signing certificate
// they use to resign apps on device.
func (e *Engine) embedCertificate(ctx context.Context, b *bundle.Bundle) error {
	var target *bundle.Bundle
	switch e.Options.App {
	case AppAltStore, AppSideStore:
		target = b
	case AppLiveContainerAndSideStore:
		all, err := b.CollectBundlesSorted()
		if err != nil {
			return err
		}
		for _, sb := range all {
			if strings.HasSuffix(sb.Dir(), sideStoreAppDir) {
				target = sb
				break
			}
		}
	}
	id := e.Identity
	if target == nil || id.IsZero() || id.SerialNumber == "" {
		return nil
	}
	p12 := id.P12
	if p12 == nil {
		var err error
		if p12, err = id.ExportP12(id.MachineID); err != nil {
			return err
		}
	}
	if err := target.SetInfoPlistKey("ALTCertificateID", id.SerialNumber); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(target.Dir(), "ALTCertificate.p12"), p12, 0644); err != nil {
		return fmt.Errorf("failed to write ALTCertificate.p12: %w", err)
	}
	log.Debugf(ctx, "Embedded certificate %s in %s", id.SerialNumber, filepath.Base(target.Dir()))
	return nil
}

func (e *Engine) applyTweaks(ctx context.Context, b *bundle.Bundle) error {
	o := e.Options
	if o.Features.SupportEllekit || len(o.Tweaks) > 0 {
		switch {
		case o.EllekitDeb != "":
			if err := tweak.InstallEllekit(ctx, o.EllekitDeb, b); err != nil {
				return err
			}
		case o.Features.SupportEllekit:
			return ErrEllekitMissing
		default:
			log.Warnf(ctx, "No ElleKit package configured, tweaks must bring their own substrate")
		}
	}
	for _, path := range o.Tweaks {
		t, err := tweak.New(path, b)
		if err != nil {
			return err
		}
		if err := t.Apply(ctx); err != nil {
			return err
		}
	}
	return nil
}

// RegisterBundle registers the app ids, capabilities and app groups of
// every entitled bundle in b with the developer portal and downloads a
// provisioning profile for each. It only runs in ModePem. Bundles are
// registered concurrently; the first failure fails the phase.
func (e *Engine) RegisterBundle(ctx context.Context, b *bundle.Bundle, session developer.Session, teamID string, isRefresh bool) error {
	if e.Options.Mode != ModePem {
		return nil
	}
	entitled, err := e.entitledBundles(b)
	if err != nil {
		return err
	}
	var targets []*bundle.Bundle
	for _, sb := range entitled {
		if e.Options.Embedding.SingleProfile && sb.Dir() != b.Dir() {
			continue
		}
		targets = append(targets, sb)
	}

	profiles := make([]*codesign.MobileProvision, len(targets))
	var (
		mu     sync.Mutex
		groups []string
	)
	g, gctx := errgroup.WithContext(ctx)
	for i, sb := range targets {
		i, sb := i, sb
		g.Go(func() error {
			prov, appGroups, err := e.register(gctx, sb, session, teamID, isRefresh)
			if err != nil {
				return fmt.Errorf("failed to register %s: %w", filepath.Base(sb.Dir()), err)
			}
			profiles[i] = prov
			mu.Lock()
			groups = append(groups, appGroups...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if !isRefresh && len(groups) > 0 && (e.Options.App == AppSideStore || e.Options.App == AppAltStore) {
		var alt []interface{}
		seen := make(map[string]bool)
		for _, grp := range groups {
			name := grp + "." + teamID
			if !seen[name] {
				seen[name] = true
				alt = append(alt, name)
			}
		}
		if err := b.SetInfoPlistKey("ALTAppGroups", alt); err != nil {
			return err
		}
	}

	e.Profiles = profiles
	log.Infof(ctx, "Registered %d bundles", len(profiles))
	return nil
}

// register provisions one bundle and returns its profile and the app
// groups its executable is entitled to.
func (e *Engine) register(ctx context.Context, sb *bundle.Bundle, session developer.Session, teamID string, isRefresh bool) (*codesign.MobileProvision, []string, error) {
	exec, err := sb.ExecutablePath()
	if err != nil {
		return nil, nil, err
	}
	img, err := macho.Open(exec)
	if err != nil {
		return nil, nil, err
	}
	id := sb.Identifier()
	if id == "" {
		return nil, nil, fmt.Errorf("%s: %w", sb.Dir(), ErrIdentifierMissing)
	}
	name := sb.BundleName()
	if name == "" {
		name = id
	}

	if _, err := session.EnsureAppID(ctx, teamID, name, id); err != nil {
		return nil, nil, err
	}
	appID, err := session.GetAppID(ctx, teamID, id)
	if err != nil {
		return nil, nil, err
	}
	if ents, ok := img.Entitlements(); ok {
		if err := session.RequestCapabilitiesForEntitlements(ctx, teamID, appID, ents); err != nil {
			return nil, nil, err
		}
	}

	appGroups := img.AppGroups()
	if len(appGroups) > 0 {
		var refs []*developer.AppGroup
		for _, grp := range appGroups {
			groupName := grp + "." + teamID
			if isRefresh {
				groupName = grp
			}
			ref, err := session.EnsureAppGroup(ctx, teamID, groupName, groupName)
			if err != nil {
				return nil, nil, err
			}
			refs = append(refs, ref)
		}
		if err := session.AssignAppGroups(ctx, teamID, appID, refs); err != nil {
			return nil, nil, err
		}
	}

	data, err := session.GetProvisioningProfile(ctx, teamID, appID)
	if err != nil {
		return nil, nil, err
	}
	if err := os.WriteFile(filepath.Join(sb.Dir(), provisionFile), data, 0644); err != nil {
		return nil, nil, fmt.Errorf("failed to write %s: %w", provisionFile, err)
	}
	prov, err := codesign.LoadMobileProvision(data)
	if err != nil {
		return nil, nil, err
	}
	log.Debugf(ctx, "Provisioned %s", id)
	return prov, appGroups, nil
}

// profileFor returns the profile for bundleID, or the first profile when
// none matches.
func (e *Engine) profileFor(bundleID string) *codesign.MobileProvision {
	for _, p := range e.Profiles {
		if id, ok := p.BundleID(); ok && bundleID != "" && id == bundleID {
			return p
		}
	}
	if len(e.Profiles) == 0 {
		return nil
	}
	return e.Profiles[0]
}

// SignBundle signs every bundle in b, nested bundles first. Entitled
// bundles get a provisioning profile and its entitlements merged with
// their executable's; ad-hoc signing skips profiles altogether.
func (e *Engine) SignBundle(ctx context.Context, b *bundle.Bundle) error {
	if e.Options.Mode == ModeNone {
		return nil
	}
	adhoc := e.Options.Mode == ModeAdhoc

	var signingID *codesign.SigningIdentity
	if !adhoc {
		var err error
		if signingID, err = e.Identity.SigningIdentity(); err != nil {
			return err
		}
		if signingID == nil {
			return ErrCertificateUnavailable
		}
	}

	bundles, err := b.CollectBundlesSorted()
	if err != nil {
		return err
	}
	root := filepath.Dir(b.Dir())
	for _, sb := range bundles {
		if sb.Type() == bundle.Unknown {
			continue
		}
		rel, _ := filepath.Rel(root, sb.Dir())
		log.Infof(ctx, "Signing %s", rel)
		if err := e.signOne(ctx, sb, signingID, adhoc); err != nil {
			return fmt.Errorf("failed to sign %s: %w", rel, err)
		}
	}
	return nil
}

func (e *Engine) signOne(ctx context.Context, sb *bundle.Bundle, signingID *codesign.SigningIdentity, adhoc bool) error {
	var ents []byte
	if sb.ShouldHaveEntitlements() {
		ents = codesign.EmptyEntitlementsXML
		if !adhoc {
			xml, err := e.provision(ctx, sb)
			if err != nil {
				return err
			}
			if xml != nil {
				ents = xml
			}
			if e.Options.Embedding.SingleProfile && e.Options.CustomEntitlements != "" {
				data, err := os.ReadFile(e.Options.CustomEntitlements)
				if err != nil {
					return fmt.Errorf("failed to read custom entitlements: %w", err)
				}
				ents = data
			}
		}
	}

	switch {
	case sb.Type() == bundle.Dylib && !codesign.IsMachO(sb.Dir()):
		log.Warnf(ctx, "Skipping %s: not a Mach-O image", filepath.Base(sb.Dir()))
		return nil
	case sb.Type() == bundle.Dylib:
		name := filepath.Base(sb.Dir())
		return codesign.SignMachO(sb.Dir(), signingID, nil, strings.TrimSuffix(name, filepath.Ext(name)), nil)
	case (sb.Type() == bundle.Other || sb.Type() == bundle.Framework) && sb.Executable() == "":
		return codesign.WriteCodeResources(sb.Dir())
	default:
		return codesign.SignBundle(sb.Dir(), signingID, ents)
	}
}

// provision writes the matching profile into sb and returns its
// entitlements merged with the executable's. It returns nil when no
// profile is available.
func (e *Engine) provision(ctx context.Context, sb *bundle.Bundle) ([]byte, error) {
	base := e.profileFor(sb.Identifier())
	if base == nil {
		return nil, nil
	}
	prov := base.Copy()
	if exec, err := sb.ExecutablePath(); err == nil && sb.Identifier() != "" {
		if err := prov.MergeEntitlements(exec, sb.Identifier()); err != nil {
			log.Debugf(ctx, "Keeping profile entitlements for %s: %v", sb.Identifier(), err)
		}
	}
	if err := os.WriteFile(filepath.Join(sb.Dir(), provisionFile), prov.Data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", provisionFile, err)
	}
	xml, err := prov.EntitlementsXML()
	if err != nil {
		return nil, fmt.Errorf("failed to encode entitlements for %s: %w", sb.Identifier(), err)
	}
	return xml, nil
}

// Install installs the signed app at b through t.
func (e *Engine) Install(ctx context.Context, b *bundle.Bundle, t device.Transport) error {
	return device.Install(ctx, t, b.Dir(), nil)
}

// Export archives the signed package to out.
func (e *Engine) Export(ctx context.Context, pkg *bundle.Package, out string) error {
	if err := pkg.Archive(out); err != nil {
		return err
	}
	log.Infof(ctx, "Saved signed package to %s", out)
	return nil
}
