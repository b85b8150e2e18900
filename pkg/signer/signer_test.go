package signer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aluedeke/go-sideload/internal/machotest"
	"github.com/aluedeke/go-sideload/internal/testcert"
	"github.com/aluedeke/go-sideload/pkg/bundle"
	"github.com/aluedeke/go-sideload/pkg/codesign"
	"github.com/aluedeke/go-sideload/pkg/developer"
	"github.com/aluedeke/go-sideload/pkg/identity"
	"github.com/aluedeke/go-sideload/pkg/macho"
	"github.com/google/go-cmp/cmp"
	"howett.net/plist"
)

const teamID = "TEAM123456"

const groupEntitlements = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>com.apple.security.application-groups</key>
	<array>
		<string>group.com.example.demo</string>
	</array>
</dict>
</plist>
`

func profileData(appID string) []byte {
	return []byte("\x30\x80cms-header" + `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0">
<dict>
	<key>Entitlements</key>
	<dict>
		<key>application-identifier</key>
		<string>` + teamID + `.` + appID + `</string>
		<key>com.apple.developer.team-identifier</key>
		<string>` + teamID + `</string>
		<key>get-task-allow</key>
		<true/>
	</dict>
</dict>
</plist>` + "cms-trailer")
}

func mustProfile(t *testing.T, appID string) *codesign.MobileProvision {
	t.Helper()
	p, err := codesign.LoadMobileProvision(profileData(appID))
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func writeBundle(t *testing.T, dir string, info map[string]interface{}, exec []byte) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	data, err := plist.Marshal(info, plist.XMLFormat)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Info.plist"), data, 0644); err != nil {
		t.Fatal(err)
	}
	if name, ok := info["CFBundleExecutable"].(string); ok {
		if err := os.WriteFile(filepath.Join(dir, name), exec, 0755); err != nil {
			t.Fatal(err)
		}
	}
}

// makeApp lays out Demo.app with a share extension and a framework. The
// main executable carries rootEnts when set.
func makeApp(t *testing.T, rootEnts []byte) *bundle.Bundle {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "Demo.app")
	writeBundle(t, dir, map[string]interface{}{
		"CFBundleIdentifier": "com.example.demo",
		"CFBundleExecutable": "Demo",
		"CFBundleName":       "Demo",
		"CFBundleURLTypes":   []interface{}{map[string]interface{}{"CFBundleURLSchemes": []interface{}{"demo"}}},
	}, machotest.Build(machotest.Options{Entitlements: rootEnts, SDK: 0x100000}))
	writeBundle(t, filepath.Join(dir, "PlugIns", "Share.appex"), map[string]interface{}{
		"CFBundleIdentifier": "com.example.demo.share",
		"CFBundleExecutable": "Share",
	}, machotest.Build(machotest.Options{}))
	writeBundle(t, filepath.Join(dir, "Frameworks", "Kit.framework"), map[string]interface{}{
		"CFBundleIdentifier": "com.example.kit",
		"CFBundleExecutable": "Kit",
	}, machotest.Build(machotest.Options{}))
	b, err := bundle.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func reopen(t *testing.T, dir string) *bundle.Bundle {
	t.Helper()
	b, err := bundle.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func readSignature(t *testing.T, path string) *codesign.SignatureInfo {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	info, err := codesign.ParseSignature(data)
	if err != nil {
		t.Fatalf("ParseSignature(%s) failed: %v", filepath.Base(path), err)
	}
	return info
}

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	cert, key := testcert.New(t, "Signer Test", teamID)
	sk, err := identity.NewSigningKey(key)
	if err != nil {
		t.Fatal(err)
	}
	return &identity.Identity{Certificate: cert, Key: sk, MachineID: "MACHINE-1", SerialNumber: "5A3C"}
}

type fakeSession struct {
	mu          sync.Mutex
	calls       int
	appIDs      []string
	groups      []string
	assigned    map[string][]string
	caps        []string
	failProfile string
}

func (f *fakeSession) record() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeSession) ListCertificates(ctx context.Context, teamID string) ([]developer.Certificate, error) {
	f.record()
	return nil, errors.New("not implemented")
}

func (f *fakeSession) SubmitCSR(ctx context.Context, teamID string, csr []byte, machineName, machineID string) (*developer.CertRequest, error) {
	f.record()
	return nil, errors.New("not implemented")
}

func (f *fakeSession) RevokeCertificate(ctx context.Context, teamID, serialNumber string) error {
	f.record()
	return errors.New("not implemented")
}

func (f *fakeSession) EnsureAppID(ctx context.Context, teamID, name, bundleID string) (*developer.AppID, error) {
	f.record()
	f.mu.Lock()
	f.appIDs = append(f.appIDs, name+"|"+bundleID)
	f.mu.Unlock()
	return &developer.AppID{ID: "ID-" + bundleID, Name: name, Identifier: bundleID}, nil
}

func (f *fakeSession) GetAppID(ctx context.Context, teamID, bundleID string) (*developer.AppID, error) {
	f.record()
	return &developer.AppID{ID: "ID-" + bundleID, Identifier: bundleID}, nil
}

func (f *fakeSession) RequestCapabilitiesForEntitlements(ctx context.Context, teamID string, appID *developer.AppID, entitlements map[string]interface{}) error {
	f.record()
	f.mu.Lock()
	f.caps = append(f.caps, appID.Identifier)
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) EnsureAppGroup(ctx context.Context, teamID, name, groupID string) (*developer.AppGroup, error) {
	f.record()
	f.mu.Lock()
	f.groups = append(f.groups, groupID)
	f.mu.Unlock()
	return &developer.AppGroup{ID: "G-" + groupID, Name: name, Identifier: groupID}, nil
}

func (f *fakeSession) AssignAppGroups(ctx context.Context, teamID string, appID *developer.AppID, groups []*developer.AppGroup) error {
	f.record()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assigned == nil {
		f.assigned = make(map[string][]string)
	}
	for _, g := range groups {
		f.assigned[appID.Identifier] = append(f.assigned[appID.Identifier], g.ID)
	}
	return nil
}

func (f *fakeSession) GetProvisioningProfile(ctx context.Context, teamID string, appID *developer.AppID) ([]byte, error) {
	f.record()
	if appID.Identifier == f.failProfile {
		return nil, &developer.APIError{ResultCode: 35, Message: "no profile"}
	}
	return profileData(appID.Identifier), nil
}

func (f *fakeSession) EnsureDevice(ctx context.Context, teamID, name, udid string) error {
	f.record()
	return nil
}

func TestAdhocSign(t *testing.T) {
	ctx := context.Background()
	b := makeApp(t, nil)
	session := &fakeSession{}
	e := New(nil, Options{Mode: ModeAdhoc})

	if err := e.ModifyBundle(ctx, b, teamID); err != nil {
		t.Fatalf("ModifyBundle failed: %v", err)
	}
	if got := reopen(t, b.Dir()).Identifier(); got != "com.example.demo" {
		t.Errorf("ad-hoc identifier rewritten to %s", got)
	}
	if err := e.RegisterBundle(ctx, b, session, teamID, false); err != nil {
		t.Fatalf("RegisterBundle failed: %v", err)
	}
	if session.calls != 0 {
		t.Errorf("ad-hoc registration made %d session calls", session.calls)
	}
	if err := e.SignBundle(ctx, b); err != nil {
		t.Fatalf("SignBundle failed: %v", err)
	}

	for _, dir := range []string{b.Dir(), filepath.Join(b.Dir(), "PlugIns", "Share.appex")} {
		if _, err := os.Stat(filepath.Join(dir, "embedded.mobileprovision")); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s: embedded.mobileprovision written in ad-hoc mode", filepath.Base(dir))
		}
	}
	for _, exec := range []string{
		filepath.Join(b.Dir(), "Demo"),
		filepath.Join(b.Dir(), "PlugIns", "Share.appex", "Share"),
		filepath.Join(b.Dir(), "Frameworks", "Kit.framework", "Kit"),
	} {
		info := readSignature(t, exec)
		if !info.IsAdhoc() {
			t.Errorf("%s: signature is not ad-hoc", filepath.Base(exec))
		}
		if len(info.Entitlements) != 0 {
			t.Errorf("%s: entitlements = %v, want none", filepath.Base(exec), info.Entitlements)
		}
	}
	if _, err := os.Stat(filepath.Join(b.Dir(), "_CodeSignature", "CodeResources")); err != nil {
		t.Errorf("app CodeResources missing: %v", err)
	}
}

func TestModeNone(t *testing.T) {
	ctx := context.Background()
	b := makeApp(t, nil)
	before, err := os.ReadFile(filepath.Join(b.Dir(), "Info.plist"))
	if err != nil {
		t.Fatal(err)
	}
	e := New(nil, Options{Mode: ModeNone, CustomName: "Other", Features: Features{SupportFileSharing: true}})
	if err := e.ModifyBundle(ctx, b, teamID); err != nil {
		t.Fatal(err)
	}
	if err := e.RegisterBundle(ctx, b, &fakeSession{}, teamID, false); err != nil {
		t.Fatal(err)
	}
	if err := e.SignBundle(ctx, b); err != nil {
		t.Fatal(err)
	}
	after, err := os.ReadFile(filepath.Join(b.Dir(), "Info.plist"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("Info.plist modified in ModeNone")
	}
	if _, err := os.Stat(filepath.Join(b.Dir(), "_CodeSignature")); !errors.Is(err, os.ErrNotExist) {
		t.Error("bundle signed in ModeNone")
	}
}

func TestModifyBundle(t *testing.T) {
	ctx := context.Background()
	b := makeApp(t, nil)
	e := New(testIdentity(t), Options{
		CustomName:    "Renamed",
		CustomVersion: "3.1",
		Features: Features{
			SupportMinimumOSVersion: true,
			SupportFileSharing:      true,
			SupportIPadFullscreen:   true,
			SupportGameMode:         true,
			SupportProMotion:        true,
			SupportLiquidGlass:      true,
			RemoveURLSchemes:        true,
		},
	})
	if err := e.ModifyBundle(ctx, b, teamID); err != nil {
		t.Fatalf("ModifyBundle failed: %v", err)
	}
	if e.Options.CustomIdentifier != "com.example.demo."+teamID {
		t.Errorf("CustomIdentifier = %q", e.Options.CustomIdentifier)
	}

	root := reopen(t, b.Dir())
	got := map[string]interface{}{}
	for _, key := range []string{
		"CFBundleIdentifier", "CFBundleDisplayName", "CFBundleName",
		"CFBundleShortVersionString", "CFBundleVersion", "MinimumOSVersion",
		"UIFileSharingEnabled", "UISupportsDocumentBrowser", "UIRequiresFullScreen",
		"GCSupportsGameMode", "CADisableMinimumFrameDurationOnPhone",
		"UIDesignRequiresCompatibility", "CFBundleURLTypes",
	} {
		if v, ok := root.InfoValue(key); ok {
			got[key] = v
		}
	}
	want := map[string]interface{}{
		"CFBundleIdentifier":                   "com.example.demo." + teamID,
		"CFBundleDisplayName":                  "Renamed",
		"CFBundleName":                         "Renamed",
		"CFBundleShortVersionString":           "3.1",
		"CFBundleVersion":                      "3.1",
		"MinimumOSVersion":                     "7.0",
		"UIFileSharingEnabled":                 true,
		"UISupportsDocumentBrowser":            true,
		"UIRequiresFullScreen":                 true,
		"GCSupportsGameMode":                   true,
		"CADisableMinimumFrameDurationOnPhone": true,
		"UIDesignRequiresCompatibility":        false,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("root Info.plist mismatch (-want +got):\n%s", diff)
	}

	share := reopen(t, filepath.Join(b.Dir(), "PlugIns", "Share.appex"))
	if share.Identifier() != "com.example.demo."+teamID+".share" {
		t.Errorf("extension identifier = %s", share.Identifier())
	}
	kit := reopen(t, filepath.Join(b.Dir(), "Frameworks", "Kit.framework"))
	if kit.Identifier() != "com.example.kit" {
		t.Errorf("framework identifier rewritten to %s", kit.Identifier())
	}

	img, err := macho.Open(filepath.Join(b.Dir(), "Demo"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"26.0.0"}, img.SDKVersions()); diff != "" {
		t.Errorf("sdk versions mismatch (-want +got):\n%s", diff)
	}
}

func TestModifyBundle_EmbedCertificate(t *testing.T) {
	ctx := context.Background()
	b := makeApp(t, nil)
	id := testIdentity(t)
	e := New(id, NewOptionsForApp(AppAltStore))
	if err := e.ModifyBundle(ctx, b, ""); err != nil {
		t.Fatalf("ModifyBundle failed: %v", err)
	}
	if got := reopen(t, b.Dir()).InfoString("ALTCertificateID"); got != "5A3C" {
		t.Errorf("ALTCertificateID = %q", got)
	}
	p12, err := os.ReadFile(filepath.Join(b.Dir(), "ALTCertificate.p12"))
	if err != nil {
		t.Fatal(err)
	}
	if len(p12) == 0 || !bytes.Equal(p12, id.P12) {
		t.Error("ALTCertificate.p12 does not hold the exported identity")
	}
}

func TestModifyBundle_EllekitMissing(t *testing.T) {
	b := makeApp(t, nil)
	e := New(nil, Options{Mode: ModeAdhoc, Features: Features{SupportEllekit: true}})
	if err := e.ModifyBundle(context.Background(), b, ""); !errors.Is(err, ErrEllekitMissing) {
		t.Errorf("err = %v, want ErrEllekitMissing", err)
	}
}

func TestModifyBundle_Tweak(t *testing.T) {
	b := makeApp(t, nil)
	dylib := filepath.Join(t.TempDir(), "Hook.dylib")
	if err := os.WriteFile(dylib, machotest.Build(machotest.Options{}), 0644); err != nil {
		t.Fatal(err)
	}
	e := New(nil, Options{Mode: ModeAdhoc, Tweaks: []string{dylib}})
	if err := e.ModifyBundle(context.Background(), b, ""); err != nil {
		t.Fatalf("ModifyBundle failed: %v", err)
	}
	img, err := macho.Open(filepath.Join(b.Dir(), "Demo"))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"@rpath/Hook.dylib"}, img.DylibLoadPaths()); diff != "" {
		t.Errorf("load paths mismatch (-want +got):\n%s", diff)
	}
	if bundle.Classify(filepath.Join(b.Dir(), "Frameworks", "Hook.dylib")) != bundle.Dylib {
		t.Error("Hook.dylib not copied into Frameworks")
	}
}

func TestRegisterBundle(t *testing.T) {
	for _, refresh := range []bool{false, true} {
		t.Run(fmt.Sprintf("refresh=%v", refresh), func(t *testing.T) {
			ctx := context.Background()
			b := makeApp(t, []byte(groupEntitlements))
			session := &fakeSession{}
			e := New(testIdentity(t), Options{Mode: ModePem, App: AppSideStore})

			if err := e.RegisterBundle(ctx, b, session, teamID, refresh); err != nil {
				t.Fatalf("RegisterBundle failed: %v", err)
			}

			sort.Strings(session.appIDs)
			if diff := cmp.Diff([]string{"Demo|com.example.demo", "com.example.demo.share|com.example.demo.share"}, session.appIDs); diff != "" {
				t.Errorf("app ids mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff([]string{"com.example.demo"}, session.caps); diff != "" {
				t.Errorf("capability requests mismatch (-want +got):\n%s", diff)
			}
			group := "group.com.example.demo." + teamID
			if refresh {
				group = "group.com.example.demo"
			}
			if diff := cmp.Diff([]string{group}, session.groups); diff != "" {
				t.Errorf("app groups mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(map[string][]string{"com.example.demo": {"G-" + group}}, session.assigned); diff != "" {
				t.Errorf("group assignment mismatch (-want +got):\n%s", diff)
			}

			var ids []string
			for _, p := range e.Profiles {
				id, _ := p.BundleID()
				ids = append(ids, id)
			}
			if diff := cmp.Diff([]string{"com.example.demo.share", "com.example.demo"}, ids); diff != "" {
				t.Errorf("profiles mismatch (-want +got):\n%s", diff)
			}
			for _, dir := range []string{b.Dir(), filepath.Join(b.Dir(), "PlugIns", "Share.appex")} {
				if _, err := os.Stat(filepath.Join(dir, "embedded.mobileprovision")); err != nil {
					t.Errorf("%s: %v", filepath.Base(dir), err)
				}
			}

			alt, ok := reopen(t, b.Dir()).InfoValue("ALTAppGroups")
			if refresh {
				if ok {
					t.Errorf("ALTAppGroups set on refresh: %v", alt)
				}
			} else if diff := cmp.Diff([]interface{}{"group.com.example.demo." + teamID}, alt); diff != "" {
				t.Errorf("ALTAppGroups mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRegisterBundle_SingleProfile(t *testing.T) {
	b := makeApp(t, nil)
	session := &fakeSession{}
	e := New(testIdentity(t), NewOptionsForApp(AppLiveContainer))
	if err := e.RegisterBundle(context.Background(), b, session, teamID, false); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Demo|com.example.demo"}, session.appIDs); diff != "" {
		t.Errorf("app ids mismatch (-want +got):\n%s", diff)
	}
	if len(e.Profiles) != 1 {
		t.Errorf("got %d profiles, want 1", len(e.Profiles))
	}
}

func TestRegisterBundle_Failure(t *testing.T) {
	b := makeApp(t, nil)
	prev := []*codesign.MobileProvision{mustProfile(t, "com.example.prev")}
	e := New(testIdentity(t), Options{Mode: ModePem})
	e.Profiles = prev
	err := e.RegisterBundle(context.Background(), b, &fakeSession{failProfile: "com.example.demo.share"}, teamID, false)
	var apiErr *developer.APIError
	if !errors.As(err, &apiErr) || apiErr.ResultCode != 35 {
		t.Fatalf("err = %v, want APIError 35", err)
	}
	if len(e.Profiles) != 1 || e.Profiles[0] != prev[0] {
		t.Error("profiles replaced after a failed registration")
	}
}

func TestSignBundle_ProfileSelection(t *testing.T) {
	ctx := context.Background()
	b := makeApp(t, nil)
	share := filepath.Join(b.Dir(), "PlugIns", "Share.appex")
	e := New(testIdentity(t), Options{Mode: ModePem})
	e.Profiles = []*codesign.MobileProvision{
		mustProfile(t, "com.example.other"),
		mustProfile(t, "com.example.demo.share"),
	}
	if err := e.SignBundle(ctx, b); err != nil {
		t.Fatalf("SignBundle failed: %v", err)
	}

	checks := []struct {
		dir, exec, appID string
	}{
		{b.Dir(), "Demo", "com.example.other"},
		{share, "Share", "com.example.demo.share"},
	}
	for _, c := range checks {
		data, err := os.ReadFile(filepath.Join(c.dir, "embedded.mobileprovision"))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(data, profileData(c.appID)) {
			t.Errorf("%s: embedded profile is not the %s profile", filepath.Base(c.dir), c.appID)
		}
		info := readSignature(t, filepath.Join(c.dir, c.exec))
		if info.IsAdhoc() {
			t.Errorf("%s: signed ad-hoc", c.exec)
		}
		if got := info.Entitlements["application-identifier"]; got != teamID+"."+c.appID {
			t.Errorf("%s: application-identifier = %v", c.exec, got)
		}
	}

	kit := filepath.Join(b.Dir(), "Frameworks", "Kit.framework")
	if _, err := os.Stat(filepath.Join(kit, "embedded.mobileprovision")); !errors.Is(err, os.ErrNotExist) {
		t.Error("framework received a provisioning profile")
	}
	if info := readSignature(t, filepath.Join(kit, "Kit")); len(info.Entitlements) != 0 {
		t.Errorf("framework signed with entitlements %v", info.Entitlements)
	}
}

func TestSignBundle_NoCertificate(t *testing.T) {
	b := makeApp(t, nil)
	e := New(nil, Options{Mode: ModePem})
	if err := e.SignBundle(context.Background(), b); !errors.Is(err, ErrCertificateUnavailable) {
		t.Errorf("err = %v, want ErrCertificateUnavailable", err)
	}
}

func TestSignBundle_EntitlementsEncodeFailure(t *testing.T) {
	b := makeApp(t, nil)
	p := mustProfile(t, "com.example.demo")
	p.Entitlements()["unencodable"] = make(chan int)
	e := New(testIdentity(t), Options{Mode: ModePem})
	e.Profiles = []*codesign.MobileProvision{p}

	err := e.SignBundle(context.Background(), b)
	if err == nil {
		t.Fatal("expected an error when entitlements cannot be encoded")
	}
	if !strings.Contains(err.Error(), "failed to encode entitlements") {
		t.Errorf("err = %v", err)
	}
	img, err := macho.Open(filepath.Join(b.Dir(), "Demo"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, signed := img.Slices()[0].CodeSignature(); signed {
		t.Error("main executable signed although its entitlements failed to encode")
	}
}

func TestSignBundle_CodelessBundles(t *testing.T) {
	b := makeApp(t, nil)
	res := filepath.Join(b.Dir(), "Frameworks", "Resources.framework")
	writeBundle(t, res, map[string]interface{}{
		"CFBundleIdentifier": "com.example.resources",
	}, nil)
	if err := os.WriteFile(filepath.Join(res, "strings.json"), []byte(`{"a":"b"}`), 0644); err != nil {
		t.Fatal(err)
	}
	stub := filepath.Join(b.Dir(), "Frameworks", "libstub.dylib")
	stubData := []byte("--- !tapi-tbd\n")
	if err := os.WriteFile(stub, stubData, 0644); err != nil {
		t.Fatal(err)
	}

	e := New(nil, Options{Mode: ModeAdhoc})
	if err := e.SignBundle(context.Background(), b); err != nil {
		t.Fatalf("SignBundle failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(res, "_CodeSignature", "CodeResources")); err != nil {
		t.Errorf("executable-less framework not sealed: %v", err)
	}
	got, err := os.ReadFile(stub)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stubData, got) {
		t.Error("non Mach-O dylib was rewritten")
	}
	if info := readSignature(t, filepath.Join(b.Dir(), "Demo")); !info.IsAdhoc() {
		t.Error("main executable not signed ad-hoc")
	}
}
