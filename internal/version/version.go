// Package version holds the release version reported by the CLI and /health.
package version

// Current is the semver of this build, without a leading "v".
const Current = "0.4.0"
