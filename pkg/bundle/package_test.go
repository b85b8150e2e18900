package bundle

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zip"
	"howett.net/plist"
)

func writeZip(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := io.WriteString(f, files[name]); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "app.ipa")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func infoXML(t *testing.T, info map[string]interface{}) string {
	t.Helper()
	data, err := plist.Marshal(info, plist.XMLFormat)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestPackage(t *testing.T) {
	ipa := writeZip(t, map[string]string{
		"Payload/Demo.app/Info.plist": infoXML(t, map[string]interface{}{
			"CFBundleIdentifier": "com.example.demo",
			"CFBundleExecutable": "Demo",
		}),
		"Payload/Demo.app/Demo":                                          "binary",
		"Payload/Demo.app/Frameworks/SideStoreApp.framework/SideStoreApp": "fw",
	})

	pkg, err := OpenPackage(ipa)
	if err != nil {
		t.Fatalf("OpenPackage failed: %v", err)
	}
	stage := pkg.StageDir()
	defer pkg.Close()

	if !pkg.HasEntry("SideStoreApp.framework") || pkg.HasEntry("LiveContainer") {
		t.Errorf("HasEntry misreports entries %v", pkg.Entries())
	}
	b, err := pkg.Bundle()
	if err != nil {
		t.Fatalf("Bundle failed: %v", err)
	}
	if b.Identifier() != "com.example.demo" || b.Type() != App {
		t.Errorf("bundle %s type %v", b.Identifier(), b.Type())
	}
	if err := b.SetName("Changed"); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "out.ipa")
	if err := pkg.Archive(out); err != nil {
		t.Fatalf("Archive failed: %v", err)
	}
	r, err := zip.OpenReader(out)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	var names []string
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	want := []string{
		"Payload/",
		"Payload/Demo.app/",
		"Payload/Demo.app/Demo",
		"Payload/Demo.app/Frameworks/",
		"Payload/Demo.app/Frameworks/SideStoreApp.framework/",
		"Payload/Demo.app/Frameworks/SideStoreApp.framework/SideStoreApp",
		"Payload/Demo.app/Info.plist",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("archive entries mismatch (-want +got):\n%s", diff)
	}

	if err := pkg.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(stage); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("staging directory survived Close: %v", err)
	}
}

func TestOpenPackage_ZipSlip(t *testing.T) {
	ipa := writeZip(t, map[string]string{
		"Payload/Demo.app/Info.plist": "x",
		"../../escape":                "boom",
	})
	before, _ := filepath.Glob(filepath.Join(os.TempDir(), "sideload-stage-*"))
	if _, err := OpenPackage(ipa); err == nil {
		t.Fatal("expected error for path traversal entry")
	}
	after, _ := filepath.Glob(filepath.Join(os.TempDir(), "sideload-stage-*"))
	if len(after) > len(before) {
		t.Errorf("staging directory left behind after failure")
	}
}

func TestPackage_NoApp(t *testing.T) {
	pkg, err := OpenPackage(writeZip(t, map[string]string{"Payload/readme.txt": "hi"}))
	if err != nil {
		t.Fatal(err)
	}
	defer pkg.Close()
	if _, err := pkg.Bundle(); !errors.Is(err, ErrInfoPlistMissing) {
		t.Errorf("err = %v, want ErrInfoPlistMissing", err)
	}
}
