package signer

// Mode selects how a bundle is signed.
type Mode int

const (
	// ModePem signs with a development certificate and provisioning
	// profiles from the developer portal or supplied files.
	ModePem Mode = iota
	ModeAdhoc
	// ModeNone leaves the bundle untouched.
	ModeNone
)

func (m Mode) String() string {
	switch m {
	case ModePem:
		return "Apple ID"
	case ModeAdhoc:
		return "Adhoc"
	case ModeNone:
		return "No Modify"
	}
	return "unknown"
}

// InstallMode is what happens to the signed bundle.
type InstallMode int

const (
	Install InstallMode = iota
	Export
)

func (m InstallMode) String() string {
	if m == Export {
		return "Export"
	}
	return "Install"
}

// Features are Info.plist and binary tweaks applied before signing.
type Features struct {
	SupportMinimumOSVersion bool
	SupportFileSharing      bool
	SupportIPadFullscreen   bool
	SupportGameMode         bool
	SupportProMotion        bool
	SupportLiquidGlass      bool
	SupportEllekit          bool
	RemoveURLSchemes        bool
}

// Embedding controls provisioning profile placement.
type Embedding struct {
	// SingleProfile registers and provisions only the root app.
	SingleProfile bool
}

// Options configure one signing operation.
type Options struct {
	CustomName       string
	CustomIdentifier string
	CustomVersion    string
	// CustomIcon is an image file scaled into the app's icon set.
	CustomIcon string
	// CustomEntitlements is a plist file used instead of the profile's
	// entitlements. Only honored with Embedding.SingleProfile.
	CustomEntitlements string

	Features    Features
	Embedding   Embedding
	Mode        Mode
	InstallMode InstallMode

	// Tweaks are .deb, .dylib, .framework, .bundle or .appex paths
	// injected into the app.
	Tweaks []string
	// EllekitDeb is the ElleKit package installed with tweaks.
	EllekitDeb string

	App     App
	Refresh bool
}

// NewOptionsForApp returns default options for a known app. LiveContainer
// variants get a single profile.
func NewOptionsForApp(app App) Options {
	o := Options{App: app}
	switch app {
	case AppLiveContainer, AppLiveContainerAndSideStore:
		o.Embedding.SingleProfile = true
	}
	return o
}
