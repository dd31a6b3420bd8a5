package version

import (
	"fmt"
	"runtime"
)

// will be replaced with the release version when using goreleaser
var version = "development"

// ClientVersion returns the version of the updates client
func ClientVersion() string {
	return version
}

// UserAgent returns the User-Agent header value sent with every update request
func UserAgent() string {
	return fmt.Sprintf("ota-client/%s (%s; %s)", version, runtime.GOOS, runtime.GOARCH)
}
