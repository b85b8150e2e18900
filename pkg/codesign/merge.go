package codesign

import (
	"regexp"
	"strings"
)

const keychainAccessGroups = "keychain-access-groups"

// teamIDPrefix matches the "ABCDE12345." prefix Apple puts on application
// identifiers and keychain groups.
var teamIDPrefix = regexp.MustCompile(`^[A-Z0-9]{10}\.`)

// MergeEntitlements folds additions into base in four ordered steps:
//
//  1. every "*" in every string of base becomes newAppID
//  2. keychain-access-groups from additions replace those of base
//  3. groups without a team prefix are dropped
//  4. the team prefix of the remaining groups becomes newTeamID
//
// Empty newTeamID or newAppID skip their step. base is modified in place.
func MergeEntitlements(base, additions map[string]interface{}, newTeamID, newAppID string) {
	if newAppID != "" {
		for k, v := range base {
			base[k] = substituteWildcards(v, newAppID)
		}
	}

	if groups, ok := additions[keychainAccessGroups].([]interface{}); ok {
		base[keychainAccessGroups] = append([]interface{}(nil), groups...)
	}

	groups, ok := base[keychainAccessGroups].([]interface{})
	if !ok {
		return
	}
	kept := make([]interface{}, 0, len(groups))
	for _, g := range groups {
		s, ok := g.(string)
		if !ok || !teamIDPrefix.MatchString(s) {
			continue
		}
		if newTeamID != "" {
			s = newTeamID + s[strings.IndexByte(s, '.'):]
		}
		kept = append(kept, s)
	}
	base[keychainAccessGroups] = kept
}

// substituteWildcards replaces "*" in v and everything nested in it.
func substituteWildcards(v interface{}, appID string) interface{} {
	switch val := v.(type) {
	case string:
		return strings.ReplaceAll(val, "*", appID)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = substituteWildcards(item, appID)
		}
		return out
	case map[string]interface{}:
		for k, item := range val {
			val[k] = substituteWildcards(item, appID)
		}
		return val
	}
	return v
}

// StripTeamID removes a leading team id from an application identifier.
func StripTeamID(appID string) string {
	return teamIDPrefix.ReplaceAllString(appID, "")
}
