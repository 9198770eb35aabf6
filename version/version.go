// Package version provides the kochi version strings.
package version

import (
	_ "embed"
	"strings"
)

// buildVersion can be overridden at compile time with:
//
//	go build -ldflags "-X github.com/kochi-hpc/kochi/version.buildVersion=abc" .

//go:embed VERSION
var baseVersion string
var buildVersion string

func Version() string {
	return strings.TrimSpace(baseVersion)
}

func BuildVersion() string {
	if buildVersion == "" {
		return "x"
	}
	return buildVersion
}

func FullVersion() string {
	return Version() + "." + BuildVersion()
}
