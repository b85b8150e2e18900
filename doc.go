// Package main provides the go-sideload CLI tool for modifying, provisioning
// and signing iOS apps.
//
// For the library API, see the signer subpackage:
//
//	import "github.com/aluedeke/go-sideload/pkg/signer"
//
// # Installation
//
// Install the CLI:
//
//	go install github.com/aluedeke/go-sideload@latest
package main
