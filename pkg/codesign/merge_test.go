package codesign

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMergeEntitlements_SubstitutesEveryWildcard(t *testing.T) {
	base := map[string]interface{}{
		"application-identifier": "TEAM123456.*",
		"com.apple.developer.associated-domains": []interface{}{
			"applinks:*.example.com",
			[]interface{}{"nested-*"},
		},
		"nested": map[string]interface{}{
			"deeper": map[string]interface{}{"value": "a*b*c"},
			"flag":   true,
		},
	}

	MergeEntitlements(base, nil, "", "com.example.app")

	var walk func(v interface{})
	walk = func(v interface{}) {
		switch val := v.(type) {
		case string:
			if strings.Contains(val, "*") {
				t.Errorf("wildcard left in %q", val)
			}
		case []interface{}:
			for _, item := range val {
				walk(item)
			}
		case map[string]interface{}:
			for _, item := range val {
				walk(item)
			}
		}
	}
	walk(base)

	want := map[string]interface{}{
		"application-identifier": "TEAM123456.com.example.app",
		"com.apple.developer.associated-domains": []interface{}{
			"applinks:com.example.app.example.com",
			[]interface{}{"nested-com.example.app"},
		},
		"nested": map[string]interface{}{
			"deeper": map[string]interface{}{"value": "acom.example.appbcom.example.appc"},
			"flag":   true,
		},
	}
	if diff := cmp.Diff(want, base); diff != "" {
		t.Errorf("merged entitlements mismatch (-want +got):\n%s", diff)
	}
}

func TestMergeEntitlements_KeychainGroups(t *testing.T) {
	tests := []struct {
		name      string
		base      []interface{}
		additions map[string]interface{}
		teamID    string
		appID     string
		want      []interface{}
	}{
		{
			name:      "filter then retarget",
			base:      []interface{}{"OLDTEAM123.*"},
			additions: map[string]interface{}{keychainAccessGroups: []interface{}{"ABCDE12345.*", "com.apple.token"}},
			teamID:    "NEWTEAM999",
			want:      []interface{}{"NEWTEAM999.*"},
		},
		{
			name:      "filter without team",
			additions: map[string]interface{}{keychainAccessGroups: []interface{}{"ABCDE12345.com.example.shared", "com.apple.token"}},
			want:      []interface{}{"ABCDE12345.com.example.shared"},
		},
		{
			name:   "base groups substituted and retargeted",
			base:   []interface{}{"ABCDE12345.*", "lowercase1.group"},
			teamID: "NEWTEAM999",
			appID:  "com.example.app",
			want:   []interface{}{"NEWTEAM999.com.example.app"},
		},
		{
			name:      "additions replace rather than merge",
			base:      []interface{}{"ABCDE12345.first"},
			additions: map[string]interface{}{keychainAccessGroups: []interface{}{"ABCDE12345.second"}},
			want:      []interface{}{"ABCDE12345.second"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base := map[string]interface{}{}
			if tt.base != nil {
				base[keychainAccessGroups] = tt.base
			}
			MergeEntitlements(base, tt.additions, tt.teamID, tt.appID)
			if diff := cmp.Diff(tt.want, base[keychainAccessGroups]); diff != "" {
				t.Errorf("keychain-access-groups mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMergeEntitlements_NoGroups(t *testing.T) {
	base := map[string]interface{}{"get-task-allow": true}
	MergeEntitlements(base, map[string]interface{}{"other": "x"}, "NEWTEAM999", "")
	if _, ok := base[keychainAccessGroups]; ok {
		t.Error("keychain-access-groups should not be created")
	}
	if len(base) != 1 {
		t.Errorf("additions other than keychain groups leaked: %v", base)
	}
}

func TestStripTeamID(t *testing.T) {
	tests := map[string]string{
		"ABCDE12345.com.example.app": "com.example.app",
		"com.example.app":            "com.example.app",
		"abcde12345.com.example.app": "abcde12345.com.example.app",
		"ABCDE1234.com.example":      "ABCDE1234.com.example",
	}
	for in, want := range tests {
		if got := StripTeamID(in); got != want {
			t.Errorf("StripTeamID(%q) = %q, want %q", in, got, want)
		}
	}
}
