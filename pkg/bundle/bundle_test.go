package bundle

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"howett.net/plist"
)

func writeInfo(t *testing.T, dir string, info map[string]interface{}, format int) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	data, err := plist.Marshal(info, format)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "Info.plist"), data, 0644); err != nil {
		t.Fatal(err)
	}
}

func readInfo(t *testing.T, dir string) (map[string]interface{}, int) {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "Info.plist"))
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]interface{}
	format, err := plist.Unmarshal(data, &info)
	if err != nil {
		t.Fatal(err)
	}
	return info, format
}

// makeApp lays out Demo.app with a framework, a dylib, an extension and a
// directory that is not a bundle.
func makeApp(t *testing.T) string {
	t.Helper()
	app := filepath.Join(t.TempDir(), "Demo.app")
	writeInfo(t, app, map[string]interface{}{
		"CFBundleIdentifier": "com.example.demo",
		"CFBundleExecutable": "Demo",
		"CFBundleName":       "Demo",
	}, plist.XMLFormat)
	writeInfo(t, filepath.Join(app, "PlugIns", "Share.appex"), map[string]interface{}{
		"CFBundleIdentifier": "com.example.demo.share",
		"CFBundleExecutable": "Share",
	}, plist.BinaryFormat)
	writeInfo(t, filepath.Join(app, "Frameworks", "Kit.framework"), map[string]interface{}{
		"CFBundleIdentifier": "com.example.kit",
		"CFBundleExecutable": "Kit",
	}, plist.XMLFormat)
	writeInfo(t, filepath.Join(app, "PlugIns", "Share.appex", "Frameworks", "Inner.framework"), map[string]interface{}{
		"CFBundleIdentifier": "com.example.inner",
		"CFBundleExecutable": "Inner",
	}, plist.XMLFormat)
	if err := os.WriteFile(filepath.Join(app, "Frameworks", "libhook.dylib"), []byte("dylib"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(app, "Frameworks", "Bare.framework"), 0755); err != nil {
		t.Fatal(err)
	}
	return app
}

func TestClassify(t *testing.T) {
	app := makeApp(t)
	tests := map[string]Type{
		app: App,
		filepath.Join(app, "PlugIns", "Share.appex"):       AppExtension,
		filepath.Join(app, "Frameworks", "Kit.framework"):  Framework,
		filepath.Join(app, "Frameworks", "libhook.dylib"):  Dylib,
		filepath.Join(app, "Frameworks", "Bare.framework"): Unknown,
		filepath.Join(app, "Missing.app"):                  Unknown,
	}
	for path, want := range tests {
		if got := Classify(path); got != want {
			t.Errorf("Classify(%s) = %v, want %v", filepath.Base(path), got, want)
		}
	}

	other := filepath.Join(t.TempDir(), "Settings.bundle")
	writeInfo(t, other, map[string]interface{}{}, plist.XMLFormat)
	if got := Classify(other); got != Other {
		t.Errorf("Classify(Settings.bundle) = %v, want %v", got, Other)
	}
}

func TestCollectBundlesSorted(t *testing.T) {
	app := makeApp(t)
	b, err := New(app)
	if err != nil {
		t.Fatal(err)
	}
	bundles, err := b.CollectBundlesSorted()
	if err != nil {
		t.Fatalf("CollectBundlesSorted failed: %v", err)
	}

	var got []string
	for _, sub := range bundles {
		rel, err := filepath.Rel(filepath.Dir(app), sub.Dir())
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, filepath.ToSlash(rel)+":"+sub.Type().String())
	}
	want := []string{
		"Demo.app/Frameworks/Bare.framework:unknown",
		"Demo.app/Frameworks/Kit.framework:framework",
		"Demo.app/Frameworks/libhook.dylib:dylib",
		"Demo.app/PlugIns/Share.appex/Frameworks/Inner.framework:framework",
		"Demo.app/PlugIns/Share.appex:appex",
		"Demo.app:app",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bundle order mismatch (-want +got):\n%s", diff)
	}

	var entitled []string
	for _, sub := range bundles {
		if sub.ShouldHaveEntitlements() {
			entitled = append(entitled, sub.Identifier())
		}
	}
	if diff := cmp.Diff([]string{"com.example.demo.share", "com.example.demo"}, entitled); diff != "" {
		t.Errorf("entitled bundles mismatch (-want +got):\n%s", diff)
	}
}

func TestInfoAccessors(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "A.app")
	writeInfo(t, dir, map[string]interface{}{
		"CFBundleIdentifier":         "com.example.a",
		"CFBundleExecutable":         "A",
		"CFBundleName":               "A Name",
		"CFBundleShortVersionString": "1.2",
		"CFBundleVersion":            "42",
	}, plist.XMLFormat)
	b, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if b.Name() != "A Name" || b.BundleName() != "A Name" || b.Version() != "1.2" || b.BuildVersion() != "42" {
		t.Errorf("accessors: name %q version %q build %q", b.Name(), b.Version(), b.BuildVersion())
	}
	if p, err := b.ExecutablePath(); err != nil || p != filepath.Join(dir, "A") {
		t.Errorf("ExecutablePath() = %q, %v", p, err)
	}

	noExec := filepath.Join(t.TempDir(), "B.app")
	writeInfo(t, noExec, map[string]interface{}{"CFBundleIdentifier": "com.example.b"}, plist.XMLFormat)
	b, err = New(noExec)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.ExecutablePath(); !errors.Is(err, ErrInfoPlistMissing) {
		t.Errorf("ExecutablePath without executable: err = %v", err)
	}
}

func TestMutatorsKeepFormat(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Bin.app")
	writeInfo(t, dir, map[string]interface{}{
		"CFBundleIdentifier": "com.example.bin",
		"CFBundleURLTypes":   []interface{}{map[string]interface{}{"CFBundleURLSchemes": []interface{}{"bin"}}},
	}, plist.BinaryFormat)
	b, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := b.SetName("Renamed"); err != nil {
		t.Fatal(err)
	}
	if err := b.SetVersion("2.0"); err != nil {
		t.Fatal(err)
	}
	if err := b.SetInfoPlistKey("UIFileSharingEnabled", true); err != nil {
		t.Fatal(err)
	}
	if err := b.RemoveURLSchemes(); err != nil {
		t.Fatal(err)
	}

	info, format := readInfo(t, dir)
	if format != plist.BinaryFormat {
		t.Errorf("format = %d, want binary", format)
	}
	want := map[string]interface{}{
		"CFBundleIdentifier":         "com.example.bin",
		"CFBundleDisplayName":        "Renamed",
		"CFBundleName":               "Renamed",
		"CFBundleShortVersionString": "2.0",
		"CFBundleVersion":            "2.0",
		"UIFileSharingEnabled":       true,
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("Info.plist mismatch (-want +got):\n%s", diff)
	}
}

func TestSetNameNoop(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Same.app")
	writeInfo(t, dir, map[string]interface{}{
		"CFBundleDisplayName": "Same",
		"CFBundleName":        "Same",
	}, plist.XMLFormat)
	b, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "Info.plist")
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.SetName("Same"); err != nil {
		t.Errorf("SetName with unchanged value: %v", err)
	}
	// writeInfo indents, so any write changes the bytes
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Error("Info.plist rewritten for an unchanged name")
	}
}

func TestSetMatchingIdentifier(t *testing.T) {
	root := t.TempDir()
	watch := filepath.Join(root, "Watch.app")
	writeInfo(t, watch, map[string]interface{}{
		"CFBundleIdentifier":             "com.example.app.watchkitapp",
		"WKCompanionAppBundleIdentifier": "com.example.app",
		"NSExtension": map[string]interface{}{
			"NSExtensionAttributes": map[string]interface{}{"WKAppBundleIdentifier": "com.example.app.watchkitapp"},
		},
	}, plist.XMLFormat)
	unrelated := filepath.Join(root, "Other.app")
	writeInfo(t, unrelated, map[string]interface{}{"CFBundleIdentifier": "com.example.application"}, plist.XMLFormat)

	for _, dir := range []string{watch, unrelated} {
		b, err := New(dir)
		if err != nil {
			t.Fatal(err)
		}
		if err := b.SetMatchingIdentifier("com.example.app", "com.example.app.TEAM123456"); err != nil {
			t.Fatal(err)
		}
	}

	info, _ := readInfo(t, watch)
	want := map[string]interface{}{
		"CFBundleIdentifier":             "com.example.app.TEAM123456.watchkitapp",
		"WKCompanionAppBundleIdentifier": "com.example.app.TEAM123456",
		"NSExtension": map[string]interface{}{
			"NSExtensionAttributes": map[string]interface{}{"WKAppBundleIdentifier": "com.example.app.TEAM123456.watchkitapp"},
		},
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("watch Info.plist mismatch (-want +got):\n%s", diff)
	}
	if info, _ := readInfo(t, unrelated); info["CFBundleIdentifier"] != "com.example.application" {
		t.Errorf("prefix without dot was rewritten: %v", info["CFBundleIdentifier"])
	}
}

func TestMutatorsRequireInfo(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Empty.framework")
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	b, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	if b.Type() != Unknown {
		t.Fatalf("type = %v, want unknown", b.Type())
	}
	if err := b.SetInfoPlistKey("k", "v"); !errors.Is(err, ErrInfoPlistMissing) {
		t.Errorf("err = %v, want ErrInfoPlistMissing", err)
	}
}
