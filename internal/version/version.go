// Package version holds the product identity reported by the daemon.
package version

// Product is the server product name used in the Server header.
const Product = "Icinga"

// Version is the release version. Overridden at build time via
// -ldflags "-X github.com/infraknit/icinga2/internal/version.Version=...".
var Version = "dev"

// ServerHeader returns the value attached as the Server header on
// every management response.
func ServerHeader() string {
	return Product + "/" + Version
}
