package version

import "fmt"

var (
	CLIName    = "platform-explorer"
	CLIVersion = "0.1.0"
	Commit     = "unknown"
	BuildDate  = "unknown"
)

func Long() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", CLIVersion, Commit, BuildDate)
}

// UserAgent identifies the CLI to DAPI and Insight nodes.
func UserAgent() string {
	return CLIName + "/" + CLIVersion
}
