package tracing

import (
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/austindbirch/agentgate/internal/tracing.Version=...".
var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

// BuildInfo describes the running binary. The same values are attached to
// exported spans as service.version and vcs.revision.
type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"gitCommit"`
	BuildTime string `json:"buildTime"`
	Modified  bool   `json:"modified,omitempty"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

// Build returns the ldflags values, falling back to the VCS stamp the Go
// toolchain embeds.
func Build() BuildInfo {
	b := BuildInfo{
		Version:   getVersion(),
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		b = b.withModuleInfo(info)
	}
	if b.GitCommit == "" {
		b.GitCommit = "unknown"
	}
	if b.BuildTime == "" {
		b.BuildTime = "unknown"
	}
	return b
}

func (b BuildInfo) withModuleInfo(info *debug.BuildInfo) BuildInfo {
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.GitCommit == "" {
				b.GitCommit = s.Value
			}
		case "vcs.time":
			if b.BuildTime == "" {
				b.BuildTime = s.Value
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	if b.Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		b.Version = info.Main.Version
	}
	return b
}
