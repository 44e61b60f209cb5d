package version

import (
	"runtime"
	"runtime/debug"
)

// Set at link time; Commit and Date fall back to embedded VCS info.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	commit, date := Commit, Date
	if commit == "none" {
		commit, date = vcsInfo(commit, date)
	}
	return "kiaanvoice " + Version + " (commit=" + commit + ", date=" + date + ", go=" + runtime.Version() + ")"
}

func vcsInfo(commit, date string) (string, string) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return commit, date
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			commit = s.Value
		case "vcs.time":
			date = s.Value
		}
	}
	return commit, date
}
