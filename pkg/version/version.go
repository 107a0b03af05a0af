package version

// Version is the release version, injected at build time via ldflags.
var Version string

// GitCommit is the git commit sha the binary was built from, injected via ldflags.
var GitCommit string

// GetVersion returns the version string reported in logs and pod records.
// Falls back to v0.1.0 when no ldflags were provided, and appends a short
// commit hash when one is known.
func GetVersion() string {
	version := Version
	commit := GitCommit

	if version == "" {
		version = "v0.1.0"
	}

	if commit != "" {
		if len(commit) > 7 {
			commit = commit[:7]
		}
		return version + "-" + commit
	}

	return version
}
