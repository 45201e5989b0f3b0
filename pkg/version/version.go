// Package version reports the build's identity for status surfaces and
// log banners.
package version

import (
	"runtime/debug"
	"sync"
)

// app is the short name prefixed to every version string.
const app = "htm"

var (
	resolveOnce sync.Once
	resolved    string
)

// String returns "htm/<revision>", where revision is the VCS hash the Go
// toolchain embedded at build time, truncated to 12 characters and
// suffixed with "-dirty" when the tree had local modifications. Builds
// without VCS stamping (go test, source archives) report "htm/unknown".
func String() string {
	resolveOnce.Do(func() {
		resolved = app + "/" + revision()
	})
	return resolved
}

func revision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	var rev string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev == "" {
		return "unknown"
	}
	if len(rev) > 12 {
		rev = rev[:12]
	}
	if dirty {
		rev += "-dirty"
	}
	return rev
}
