package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aluedeke/go-sideload/pkg/bundle"
	"github.com/aluedeke/go-sideload/pkg/codesign"
	"github.com/aluedeke/go-sideload/pkg/developer"
	"github.com/aluedeke/go-sideload/pkg/identity"
	"github.com/aluedeke/go-sideload/pkg/macho"
	"github.com/aluedeke/go-sideload/pkg/signer"
	"github.com/docopt/docopt-go"
	"github.com/kolide/kit/env"
	"github.com/oklog/run"
	"gopkg.in/natefinch/lumberjack.v2"
	"zombiezen.com/go/log"
)

const version = "1.0.0"

const usage = `go-sideload - iOS App Sideloading Tool

Modifies, provisions and signs iOS .ipa packages for installation on a
personal device.

Usage:
  go-sideload sign --app=<path> [--pem=<path>...] [--mobileprovision=<path>...] [--password=<password>] [--output=<path>] [options]
  go-sideload sign --app=<path> --apple-id --team=<id> --dsid=<dsid> --token=<token> [--anisette=<url>] [--udid=<udid>] [--refresh] [--output=<path>] [options]
  go-sideload sign --app=<path> --adhoc [--output=<path>] [options]
  go-sideload info --app=<path> [--signature] [--recursive]
  go-sideload info --profile=<path> [--udid=<udid>]
  go-sideload macho --binary=<path> [--add-dylib=<path>] [--remove-dylib=<path>] [--replace-dylib=<old>] [--with=<new>] [--sdk=<version>] [--show-entitlements]
  go-sideload -h | --help
  go-sideload --version

Commands:
  sign      Modify, provision and sign an .ipa
  info      Display information about an .ipa, .app bundle or provisioning profile
  macho     Inspect or edit the load commands of a Mach-O binary

Options:
  --app=<path>              Path to the input .ipa (info also accepts an .app directory)
  --pem=<path>              Certificate and key as PEM or PKCS#12 files
  --mobileprovision=<path>  Provisioning profile to sign with (repeatable)
  --profile=<path>          Provisioning profile to inspect (info command)
  --password=<password>     Password for a PKCS#12 file (or SIDELOAD_P12_PASSWORD env var)
  --apple-id                Register the app on the developer portal and fetch profiles
  --team=<id>               Developer team identifier
  --dsid=<dsid>             Account DSID
  --token=<token>           Account session token
  --anisette=<url>          Anisette server URL (or SIDELOAD_ANISETTE_URL env var)
  --udid=<udid>             Register this device before provisioning (sign) or check it (info)
  --refresh                 Re-register an app that was signed before
  --adhoc                   Sign ad-hoc without a certificate
  --output=<path>           Output .ipa (defaults to input-signed.ipa)
  --custom-name=<name>      Change the display name
  --custom-identifier=<id>  Change the bundle identifier
  --custom-version=<ver>    Change the version string
  --icon=<path>             Replace the app icon with this image
  --entitlements=<path>     Entitlements plist used with --single-profile
  --tweak=<path>            .deb, .dylib, .framework, .bundle or .appex to inject (repeatable)
  --ellekit=<path>          ElleKit .deb installed alongside tweaks
  --single-profile          Provision only the main app
  --minimum-os              Drop MinimumOSVersion
  --file-sharing            Enable Files app document sharing
  --ipad-fullscreen         Require full screen on iPad
  --game-mode               Enable Game Mode
  --promotion               Allow 120Hz refresh rates
  --liquid-glass            Opt into the iOS 26 design
  --remove-url-schemes      Drop CFBundleURLTypes
  --signature               Show detailed code signature information (info command)
  --recursive               Include nested bundles like Frameworks/ and PlugIns/
  --binary=<path>           Mach-O file to inspect (macho command)
  --show-entitlements       Print the embedded entitlements (macho command)
  --add-dylib=<path>        Append a load command for this install name
  --remove-dylib=<path>     Remove the load command for this install name
  --replace-dylib=<old>     Rewrite this install name to the one given by --with
  --with=<new>              Replacement install name for --replace-dylib
  --sdk=<version>           Rewrite the SDK version of the build version command
  -h --help                 Show this help message
  --version                 Show version

Environment Variables:
  SIDELOAD_CONFIG_DIR       Key store location (defaults to the user config dir)
  SIDELOAD_P12_PASSWORD     PKCS#12 password (overridden by --password)
  SIDELOAD_ANISETTE_URL     Anisette server (overridden by --anisette)
  SIDELOAD_LOG_FILE         Also write logs to this file, rotated
  SIDELOAD_DEBUG            Enable debug logging
  SIDELOAD_KEEP_STAGE       Leave the staging directory behind

Examples:
  # Sign with a certificate and profile
  go-sideload sign --app=MyApp.ipa --pem=cert.p12 --password=secret --mobileprovision=dev.mobileprovision

  # Sign with an Apple ID session, registering the device first
  go-sideload sign --app=SideStore.ipa --apple-id --team=ABCDE12345 --dsid=123 --token=abc --udid=00008110-000A

  # Inject a tweak and sign ad-hoc
  go-sideload sign --app=MyApp.ipa --adhoc --tweak=Hook.deb --ellekit=ellekit.deb

  # View signature info for app and all nested bundles
  go-sideload info --app=MyApp.ipa --signature --recursive

  # List the dylibs a binary loads
  go-sideload macho --binary=MyApp.app/MyApp
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}
	initLogging(env.Bool("SIDELOAD_DEBUG", false), env.String("SIDELOAD_LOG_FILE", ""))

	var cmd func(context.Context, docopt.Opts) error
	if sign, _ := opts.Bool("sign"); sign {
		cmd = runSign
	} else if info, _ := opts.Bool("info"); info {
		cmd = runInfo
	} else if m, _ := opts.Bool("macho"); m {
		cmd = runMachO
	} else {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	var g run.Group
	g.Add(func() error {
		return cmd(ctx, opts)
	}, func(error) {
		cancel()
	})
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	g.Add(func() error {
		signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
		select {
		case sig := <-sigs:
			return fmt.Errorf("received %v", sig)
		case <-done:
			return nil
		}
	}, func(error) {
		signal.Stop(sigs)
		close(done)
	})
	if err := g.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var initLogOnce sync.Once

func initLogging(showDebug bool, logFile string) {
	initLogOnce.Do(func() {
		minLogLevel := log.Info
		if showDebug {
			minLogLevel = log.Debug
		}
		var out io.Writer = os.Stderr
		if logFile != "" {
			out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    3, // megabytes
				Compress:   true,
				MaxBackups: 5,
			})
		}
		log.SetDefault(&log.LevelFilter{
			Min:    minLogLevel,
			Output: log.New(out, "go-sideload: ", log.StdFlags, nil),
		})
	})
}

func configDir() string {
	def := "."
	if dir, err := os.UserConfigDir(); err == nil {
		def = filepath.Join(dir, "go-sideload")
	}
	return env.String("SIDELOAD_CONFIG_DIR", def)
}

// stringList reads an option that may be repeated.
func stringList(opts docopt.Opts, key string) []string {
	switch v := opts[key].(type) {
	case []string:
		return v
	case string:
		return []string{v}
	}
	return nil
}

func runSign(ctx context.Context, opts docopt.Opts) error {
	inputPath, _ := opts.String("--app")
	outputPath, _ := opts.String("--output")
	password, _ := opts.String("--password")
	appleID, _ := opts.Bool("--apple-id")
	adhoc, _ := opts.Bool("--adhoc")
	refresh, _ := opts.Bool("--refresh")

	if password == "" {
		password = env.String("SIDELOAD_P12_PASSWORD", "")
	}
	if outputPath == "" {
		ext := filepath.Ext(inputPath)
		outputPath = strings.TrimSuffix(inputPath, ext) + "-signed.ipa"
	}

	pkg, err := bundle.OpenPackage(inputPath)
	if err != nil {
		return err
	}
	if env.Bool("SIDELOAD_KEEP_STAGE", false) {
		log.Infof(ctx, "Keeping staging directory %s", pkg.StageDir())
	} else {
		defer pkg.Close()
	}
	b, err := pkg.Bundle()
	if err != nil {
		return err
	}

	app := signer.DetectPackageApp(pkg, b)
	o := signer.NewOptionsForApp(app)
	o.Refresh = refresh
	o.CustomName, _ = opts.String("--custom-name")
	o.CustomIdentifier, _ = opts.String("--custom-identifier")
	o.CustomVersion, _ = opts.String("--custom-version")
	o.CustomIcon, _ = opts.String("--icon")
	o.CustomEntitlements, _ = opts.String("--entitlements")
	o.Tweaks = stringList(opts, "--tweak")
	o.EllekitDeb, _ = opts.String("--ellekit")
	if single, _ := opts.Bool("--single-profile"); single {
		o.Embedding.SingleProfile = true
	}
	o.Features.SupportMinimumOSVersion, _ = opts.Bool("--minimum-os")
	o.Features.SupportFileSharing, _ = opts.Bool("--file-sharing")
	o.Features.SupportIPadFullscreen, _ = opts.Bool("--ipad-fullscreen")
	o.Features.SupportGameMode, _ = opts.Bool("--game-mode")
	o.Features.SupportProMotion, _ = opts.Bool("--promotion")
	o.Features.SupportLiquidGlass, _ = opts.Bool("--liquid-glass")
	o.Features.RemoveURLSchemes, _ = opts.Bool("--remove-url-schemes")
	o.Features.SupportEllekit = o.EllekitDeb != ""
	o.InstallMode = signer.Export
	if adhoc {
		o.Mode = signer.ModeAdhoc
	}

	fmt.Printf("Signing IPA: %s\n", inputPath)
	fmt.Printf("App:         %s (%s)\n", b.Name(), app)
	fmt.Printf("Mode:        %s\n", o.Mode)
	fmt.Printf("Output:      %s\n", outputPath)
	fmt.Println()

	var (
		id      = new(identity.Identity)
		session developer.Session
		teamID  string
	)
	switch {
	case adhoc:
	case appleID:
		teamID, _ = opts.String("--team")
		client := &developer.Client{}
		client.Credentials.DSID, _ = opts.String("--dsid")
		client.Credentials.Token, _ = opts.String("--token")
		anisetteURL, _ := opts.String("--anisette")
		if anisetteURL == "" {
			anisetteURL = env.String("SIDELOAD_ANISETTE_URL", "")
		}
		if anisetteURL != "" {
			client.Anisette = &developer.AnisetteServer{URL: anisetteURL}
		}
		session = client
		if udid, _ := opts.String("--udid"); udid != "" {
			if err := session.EnsureDevice(ctx, teamID, "go-sideload device", udid); err != nil {
				return fmt.Errorf("failed to register device: %w", err)
			}
		}
		id, err = identity.NewFromSession(ctx, session, identity.Config{
			ConfigDir: configDir(),
			TeamID:    teamID,
		})
		if err != nil {
			return err
		}
	default:
		paths := stringList(opts, "--pem")
		if len(paths) == 0 {
			return errors.New("one of --pem, --apple-id or --adhoc is required")
		}
		id, err = identity.NewFromPaths(ctx, password, paths...)
		if err != nil {
			return err
		}
		log.Debugf(ctx, "Loaded certificate for team %s", id.TeamID())
	}

	e := signer.New(id, o)
	for _, path := range stringList(opts, "--mobileprovision") {
		p, err := codesign.LoadMobileProvisionFile(path)
		if err != nil {
			return err
		}
		if info, err := p.Info(); err == nil && id.Certificate != nil && !info.Includes(id.Certificate) {
			log.Warnf(ctx, "%s does not include the signing certificate", filepath.Base(path))
		}
		e.Profiles = append(e.Profiles, p)
	}

	if err := e.ModifyBundle(ctx, b, teamID); err != nil {
		return fmt.Errorf("failed to modify bundle: %w", err)
	}
	if session != nil {
		if err := e.RegisterBundle(ctx, b, session, teamID, refresh); err != nil {
			return fmt.Errorf("failed to register bundle: %w", err)
		}
	}
	if err := e.SignBundle(ctx, b); err != nil {
		return fmt.Errorf("failed to sign bundle: %w", err)
	}
	if err := e.Export(ctx, pkg, outputPath); err != nil {
		return err
	}
	fmt.Printf("Successfully signed IPA: %s\n", outputPath)
	return nil
}

func runInfo(ctx context.Context, opts docopt.Opts) error {
	inputPath, _ := opts.String("--app")
	profilePath, _ := opts.String("--profile")
	showSignature, _ := opts.Bool("--signature")
	recursive, _ := opts.Bool("--recursive")

	if inputPath != "" {
		return showAppInfo(inputPath, showSignature, recursive)
	} else if profilePath != "" {
		udid, _ := opts.String("--udid")
		return showProfileInfo(profilePath, udid)
	}
	return fmt.Errorf("either --app or --profile is required")
}

func showAppInfo(inputPath string, showSignature, recursive bool) error {
	var b *bundle.Bundle
	isIPA := strings.HasSuffix(strings.ToLower(inputPath), ".ipa")
	if isIPA {
		pkg, err := bundle.OpenPackage(inputPath)
		if err != nil {
			return err
		}
		defer pkg.Close()
		if b, err = pkg.Bundle(); err != nil {
			return err
		}
		fmt.Println("IPA Information")
		fmt.Println("===============")
		fmt.Printf("File:        %s\n", inputPath)
		fmt.Printf("Detected:    %s\n", signer.DetectPackageApp(pkg, b))
	} else {
		var err error
		if b, err = bundle.New(inputPath); err != nil {
			return err
		}
		fmt.Println("App Bundle Information")
		fmt.Println("======================")
		fmt.Printf("Path:        %s\n", inputPath)
		fmt.Printf("Detected:    %s\n", signer.DetectApp(b.Identifier(), b.Name()))
	}
	fmt.Printf("App Name:    %s\n", b.Name())
	fmt.Printf("Bundle ID:   %s\n", b.Identifier())
	fmt.Printf("Version:     %s (%s)\n", b.Version(), b.BuildVersion())
	fmt.Printf("Executable:  %s\n", b.Executable())

	if data, err := os.ReadFile(filepath.Join(b.Dir(), "embedded.mobileprovision")); err == nil {
		if profile, err := codesign.ParseProfileInfo(data); err == nil {
			fmt.Println()
			fmt.Println("Embedded Provisioning Profile")
			fmt.Println("-----------------------------")
			fmt.Printf("Team ID:        %s\n", profile.Team())
			fmt.Printf("App ID:         %s\n", profile.AppID())
			fmt.Printf("Expired:        %v\n", profile.ExpiredAt(time.Now()))
			fmt.Printf("Expiration:     %s\n", profile.Expires.Format("2006-01-02"))
		}
	}

	if !showSignature {
		return nil
	}
	fmt.Println()
	fmt.Println("Code Signature Details")
	fmt.Println("======================")
	bundles := []*bundle.Bundle{b}
	if recursive {
		var err error
		if bundles, err = b.CollectBundlesSorted(); err != nil {
			return err
		}
	}
	for _, sb := range bundles {
		exec, err := sb.ExecutablePath()
		if err != nil {
			continue
		}
		data, err := os.ReadFile(exec)
		if err != nil {
			continue
		}
		rel, _ := filepath.Rel(b.Dir(), exec)
		fmt.Printf("\n%s (%s)\n", rel, sb.Type())
		info, err := codesign.ParseSignature(data)
		if err != nil {
			fmt.Printf("  %v\n", err)
			continue
		}
		codesign.PrintSignatureInfo(os.Stdout, info)
	}
	return nil
}

func showProfileInfo(profilePath, udid string) error {
	data, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("failed to read profile: %w", err)
	}
	profile, err := codesign.ParseProfileInfo(data)
	if err != nil {
		return fmt.Errorf("failed to parse profile: %w", err)
	}

	fmt.Println("Provisioning Profile Information")
	fmt.Println("================================")
	fmt.Printf("File:           %s\n", profilePath)
	fmt.Printf("Name:           %s\n", profile.Name)
	fmt.Printf("Team ID:        %s\n", profile.Team())
	fmt.Printf("App ID:         %s\n", profile.AppID())
	fmt.Printf("UUID:           %s\n", profile.UUID)
	fmt.Printf("Created:        %s\n", profile.Created.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expiration:     %s\n", profile.Expires.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expired:        %v\n", profile.ExpiredAt(time.Now()))
	if certs, err := profile.Certificates(); err == nil {
		fmt.Printf("Certificates:   %d\n", len(certs))
		for i, cert := range certs {
			fmt.Printf("  [%d] %s (expires %s)\n", i+1, cert.Subject.CommonName, cert.NotAfter.Format("2006-01-02"))
		}
	}
	if profile.AllDevices {
		fmt.Printf("Devices:        all\n")
	} else if len(profile.Devices) > 0 {
		fmt.Printf("Devices:        %d\n", len(profile.Devices))
		for _, d := range profile.Devices {
			fmt.Printf("  - %s\n", d)
		}
	}
	if udid != "" {
		fmt.Printf("Allows %s: %v\n", udid, profile.AllowsDevice(udid))
	}
	if len(profile.Entitlements) > 0 {
		keys := make([]string, 0, len(profile.Entitlements))
		for k := range profile.Entitlements {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Println()
		fmt.Println("Entitlements:")
		for _, k := range keys {
			fmt.Printf("  %s: %v\n", k, profile.Entitlements[k])
		}
	}
	return nil
}

func runMachO(ctx context.Context, opts docopt.Opts) error {
	path, _ := opts.String("--binary")
	showEnts, _ := opts.Bool("--show-entitlements")
	add, _ := opts.String("--add-dylib")
	remove, _ := opts.String("--remove-dylib")
	replace, _ := opts.String("--replace-dylib")
	with, _ := opts.String("--with")
	sdk, _ := opts.String("--sdk")

	if (replace == "") != (with == "") {
		return errors.New("--replace-dylib and --with must be given together")
	}

	img, err := macho.Open(path)
	if err != nil {
		return err
	}

	edits := []struct {
		what string
		arg  string
		fn   func() error
	}{
		{"add", add, func() error { return img.AddDylibLoadPath(add) }},
		{"remove", remove, func() error { return img.RemoveDylibLoadPath(remove) }},
		{"replace", replace, func() error { return img.ReplaceDylibLoadPath(replace, with) }},
		{"sdk", sdk, func() error { return img.ReplaceSDKVersion(sdk) }},
	}
	changed := false
	for _, ed := range edits {
		if ed.arg == "" {
			continue
		}
		if err := ed.fn(); err != nil {
			return fmt.Errorf("%s %s: %w", ed.what, ed.arg, err)
		}
		changed = true
	}
	if changed {
		if err := img.Commit(); err != nil {
			return err
		}
		log.Infof(ctx, "Updated %s", path)
	}

	fmt.Printf("File:        %s\n", path)
	fmt.Printf("Universal:   %v (%d slices)\n", img.IsUniversal(), len(img.Slices()))
	if versions := img.SDKVersions(); len(versions) > 0 {
		fmt.Printf("SDK:         %s\n", strings.Join(versions, ", "))
	}
	fmt.Println("Dylibs:")
	for _, p := range img.DylibLoadPaths() {
		fmt.Printf("  %s\n", p)
	}
	if showEnts {
		fmt.Println()
		if xml := img.EntitlementsXML(); len(xml) > 0 {
			os.Stdout.Write(xml)
			fmt.Println()
		} else {
			fmt.Println("No entitlements")
		}
	}
	return nil
}
