package signer

import (
	"strings"

	"github.com/aluedeke/go-sideload/pkg/bundle"
)

// App is a sideloading-aware app that needs special handling.
type App int

const (
	AppDefault App = iota
	AppAntrag
	AppFeather
	AppProtokolle
	AppAltStore
	AppSideStore
	AppLiveContainer
	AppLiveContainerAndSideStore
	AppStikDebug
	AppSparseBox
	AppEnsWilde
	AppByeTunes
)

var appNames = map[App]string{
	AppDefault:                   "Default",
	AppAntrag:                    "Antrag",
	AppFeather:                   "Feather",
	AppProtokolle:                "Protokolle",
	AppAltStore:                  "AltStore",
	AppSideStore:                 "SideStore",
	AppLiveContainer:             "LiveContainer",
	AppLiveContainerAndSideStore: "LiveContainer",
	AppStikDebug:                 "StikDebug",
	AppSparseBox:                 "SparseBox",
	AppEnsWilde:                  "EnsWilde",
	AppByeTunes:                  "ByeTunes",
}

func (a App) String() string {
	if s, ok := appNames[a]; ok {
		return s
	}
	return "Default"
}

// Bundle identifier fragments, checked in order.
var knownIdentifiers = []struct {
	id  string
	app App
}{
	{"com.kdt.livecontainer", AppLiveContainer},
	{"thewonderofyou.syslog", AppProtokolle},
	{"thewonderofyou.antrag2", AppAntrag},
	{"thewonderofyou.Feather", AppFeather},
	{"com.SideStore.SideStore", AppSideStore},
	{"com.rileytestut.AltStore", AppAltStore},
	{"com.stik.sj", AppStikDebug},
	{"com.kdt.SparseBox", AppSparseBox},
	{"com.yangjiii.EnsWilde", AppEnsWilde},
	{"com.EduAlexxis.MusicManager", AppByeTunes},
}

// Normalized app name fragments, checked in order.
var knownNames = []struct {
	name string
	app  App
}{
	{"livecontainer", AppLiveContainer},
	{"sidestore", AppSideStore},
	{"altstore", AppAltStore},
	{"feather", AppFeather},
	{"antrag", AppAntrag},
	{"protokolle", AppProtokolle},
	{"stikdebug", AppStikDebug},
	{"sparsebox", AppSparseBox},
	{"enswilde", AppEnsWilde},
	{"byetunes", AppByeTunes},
}

// DetectApp identifies an app by bundle identifier, falling back to its
// name.
func DetectApp(bundleID, name string) App {
	for _, k := range knownIdentifiers {
		if bundleID != "" && strings.Contains(bundleID, k.id) {
			return k.app
		}
	}
	normalized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return -1
	}, name)
	if normalized == "" {
		return AppDefault
	}
	for _, k := range knownNames {
		if strings.Contains(normalized, k.name) {
			return k.app
		}
	}
	return AppDefault
}

// DetectPackageApp identifies the app inside pkg. A LiveContainer build
// that embeds SideStore is reported as AppLiveContainerAndSideStore.
func DetectPackageApp(pkg *bundle.Package, b *bundle.Bundle) App {
	if pkg.HasEntry("SideStoreApp.framework") {
		return AppLiveContainerAndSideStore
	}
	return DetectApp(b.Identifier(), b.Name())
}

// SupportsPairingFile reports whether the app accepts a pairing file.
func (a App) SupportsPairingFile() bool {
	switch a {
	case AppDefault, AppLiveContainer, AppAltStore:
		return false
	}
	return true
}

// SupportsPairingFileAlt reports whether the app accepts a pairing file
// placed through its alternate container.
func (a App) SupportsPairingFileAlt() bool {
	switch a {
	case AppDefault, AppAltStore:
		return false
	}
	return true
}

// PairingFilePath is where the app expects its pairing file, relative to
// its data container. Apps without pairing support return "".
func (a App) PairingFilePath() string {
	switch a {
	case AppAntrag, AppFeather, AppProtokolle, AppStikDebug, AppSparseBox, AppEnsWilde:
		return "/Documents/pairingFile.plist"
	case AppSideStore:
		return "/Documents/ALTPairingFile.mobiledevicepairing"
	case AppLiveContainer, AppLiveContainerAndSideStore:
		return "/Documents/SideStore/Documents/ALTPairingFile.mobiledevicepairing"
	case AppByeTunes:
		return "/Documents/pairing file/pairingFile.plist"
	}
	return ""
}
