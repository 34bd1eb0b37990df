// Package setup holds the preflight checks run before an upgrade touches the
// system: privileges and the presence of the external tools the configured run
// will invoke.
//
// This package is a collection of checks and constants, and is therefore the
// only package that is allowed to call a package-level logger.
package setup
