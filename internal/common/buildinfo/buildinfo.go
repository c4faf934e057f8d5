// Package buildinfo exposes the compile-time identity stamped in via
// ldflags:
//
//	-X github.com/factoriod/factoriod/internal/common/buildinfo.Version=...
//	-X github.com/factoriod/factoriod/internal/common/buildinfo.Commit=...
//	-X github.com/factoriod/factoriod/internal/common/buildinfo.BuildDate=...
package buildinfo

import "github.com/factoriod/factoriod/pkg/schema"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Info returns the stamped build identity.
func Info() schema.BuildInfo {
	return schema.BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
	}
}
