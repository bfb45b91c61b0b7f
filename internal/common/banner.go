package common

import (
	"github.com/ternarybob/banner"
)

// PrintBanner writes the startup banner with the build version to stdout.
func PrintBanner() {
	banner.PrintSimple("Relay", LoadVersionFromFile())
}
