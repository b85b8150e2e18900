// Package macho edits the load commands of thin and universal Mach-O
// executables in memory.
//
// It covers what a resigning pipeline needs before the signature is
// rebuilt: listing, adding, removing and renaming dylib loads, rewriting the
// linked SDK version and reading the embedded entitlements. Edits apply to
// every architecture slice; an edit that cannot be applied to all of them
// is not applied to any.
//
//	img, err := macho.Open("Payload/App.app/App")
//	if err != nil {
//		return err
//	}
//	if err := img.AddDylibLoadPath("@rpath/Tweak.dylib"); err != nil {
//		return err
//	}
//	return img.Commit()
package macho
