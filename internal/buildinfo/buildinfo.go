// Package buildinfo exposes version metadata injected at link time.
package buildinfo

// Set via -ldflags "-X github.com/router-for-me/KimiProxyAPI/internal/buildinfo.Version=...".
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)
