// Package version holds build information injected with -ldflags -X.
package version

var (
	// Version is the release tag.
	Version = "v0.0.0-dev"

	// GitCommit is the commit the binary was built from.
	GitCommit = "unknown"

	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// Info returns "version (commit) built at time".
func Info() string {
	return Version + " (" + GitCommit + ") built at " + BuildTime
}

// UserAgent identifies Kiroku to the homeserver.
func UserAgent() string {
	return "Kiroku/" + Version
}
