// Package build contains version metadata set at link time, e.g.
//
//	go build -ldflags "-X go.sia.tech/pinsd/build.version=v0.1.0 -X go.sia.tech/pinsd/build.commit=$(git rev-parse HEAD) -X go.sia.tech/pinsd/build.buildTime=$(date +%s)"
package build

import (
	"strconv"
	"time"
)

var (
	version   = "devel"
	commit    = "?"
	buildTime = "0"
)

// Version returns the version of pinsd
func Version() string {
	return version
}

// Commit returns the commit hash pinsd was built from
func Commit() string {
	return commit
}

// Time returns the time pinsd was built
func Time() time.Time {
	sec, err := strconv.ParseInt(buildTime, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
