// Package version carries build information injected with -ldflags:
//
//	go build -ldflags "-X sensornode-go/x/version.Version=1.2.1 -X sensornode-go/x/version.GitCommit=$(git rev-parse --short HEAD)"
package version

import (
	"fmt"
	"runtime"

	"sensornode-go/types"
)

var (
	Version   = "0.0.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Firmware is the running firmware version compared against the update
// manifest.
func Firmware() types.FirmwareVersion { return types.FirmwareVersion(Version) }

// Info is the --version line.
func Info(name string) string {
	return fmt.Sprintf("%s %s (%s, %s) %s %s/%s", name, Version, GitCommit, BuildTime,
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
