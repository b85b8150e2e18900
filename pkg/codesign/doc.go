// Package codesign implements Apple's embedded code signature natively in
// Go, along with the provisioning profile and entitlement handling signing
// depends on.
//
// # Signing
//
// SignBundle seals a bundle's resources and signs its main executable:
//
//	id, err := codesign.LoadSigningIdentity(p12Data, password)
//	if err != nil {
//	    return err
//	}
//	err = codesign.SignBundle(appDir, id, entitlementsXML)
//
// Passing a nil identity produces an ad-hoc signature. Nested bundles are
// not descended into; sign them first.
//
// # Provisioning
//
// LoadMobileProvision extracts a profile's entitlements, and
// MobileProvision.MergeEntitlements folds a binary's own entitlements into
// them, substituting wildcards and retargeting keychain groups to the
// profile's team.
package codesign
