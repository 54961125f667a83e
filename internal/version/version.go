// Package version is set at build time:
//
//	go build -ldflags "-X github.com/wapuda/vastreel/internal/version.gitVersion=v1.2.0 -X github.com/wapuda/vastreel/internal/version.gitCommit=abc123"
package version

import (
	"fmt"
	"runtime"
)

var (
	gitVersion = "dev"
	gitCommit  = "unknown"
)

type Info struct {
	GitVersion string `json:"gitVersion"`
	GitCommit  string `json:"gitCommit"`
	GoVersion  string `json:"goVersion"`
}

func Get() Info {
	return Info{
		GitVersion: gitVersion,
		GitCommit:  gitCommit,
		GoVersion:  runtime.Version(),
	}
}

func (i Info) String() string {
	return fmt.Sprintf("%s (%s, %s)", i.GitVersion, i.GitCommit, i.GoVersion)
}
