package signer

import "testing"

func TestDetectApp(t *testing.T) {
	tests := []struct {
		id, name string
		want     App
	}{
		{"com.kdt.livecontainer", "", AppLiveContainer},
		{"com.SideStore.SideStore.ABCDE12345", "", AppSideStore},
		{"com.rileytestut.AltStore", "AltStore", AppAltStore},
		{"com.example.unknown", "Stik Debug", AppStikDebug},
		{"", "Bye-Tunes!", AppByeTunes},
		{"com.example.unknown", "Calculator", AppDefault},
		{"", "", AppDefault},
	}
	for _, tt := range tests {
		if got := DetectApp(tt.id, tt.name); got != tt.want {
			t.Errorf("DetectApp(%q, %q) = %v, want %v", tt.id, tt.name, got, tt.want)
		}
	}
}

func TestAppPairing(t *testing.T) {
	tests := []struct {
		app     App
		path    string
		pair    bool
		pairAlt bool
		display string
	}{
		{AppDefault, "", false, false, "Default"},
		{AppAltStore, "", false, false, "AltStore"},
		{AppLiveContainer, "/Documents/SideStore/Documents/ALTPairingFile.mobiledevicepairing", false, true, "LiveContainer"},
		{AppLiveContainerAndSideStore, "/Documents/SideStore/Documents/ALTPairingFile.mobiledevicepairing", true, true, "LiveContainer"},
		{AppSideStore, "/Documents/ALTPairingFile.mobiledevicepairing", true, true, "SideStore"},
		{AppFeather, "/Documents/pairingFile.plist", true, true, "Feather"},
		{AppByeTunes, "/Documents/pairing file/pairingFile.plist", true, true, "ByeTunes"},
	}
	for _, tt := range tests {
		if got := tt.app.PairingFilePath(); got != tt.path {
			t.Errorf("%v.PairingFilePath() = %q, want %q", tt.app, got, tt.path)
		}
		if got := tt.app.SupportsPairingFile(); got != tt.pair {
			t.Errorf("%v.SupportsPairingFile() = %v", tt.app, got)
		}
		if got := tt.app.SupportsPairingFileAlt(); got != tt.pairAlt {
			t.Errorf("%v.SupportsPairingFileAlt() = %v", tt.app, got)
		}
		if got := tt.app.String(); got != tt.display {
			t.Errorf("String() = %q, want %q", got, tt.display)
		}
	}
}

func TestNewOptionsForApp(t *testing.T) {
	if !NewOptionsForApp(AppLiveContainerAndSideStore).Embedding.SingleProfile {
		t.Error("LiveContainer+SideStore should use a single profile")
	}
	o := NewOptionsForApp(AppFeather)
	if o.Embedding.SingleProfile || o.Mode != ModePem || o.InstallMode != Install {
		t.Errorf("unexpected defaults %+v", o)
	}
	if ModePem.String() != "Apple ID" || ModeNone.String() != "No Modify" || Export.String() != "Export" {
		t.Error("mode names changed")
	}
}
