package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

var rootCmd = &cobra.Command{
	Use:   "edusync-rtc",
	Short: "EduSync's real-time signaling and call relay for voice/video channels",
	Long: `edusync-rtc hosts the WebSocket signaling relay, the room registry and
the REST surface (ICE servers, call status, health) that EduSync study-group
clients use to negotiate peer-to-peer calls and keep a shared whiteboard in
sync. All configuration is read from EDUSYNC_RTC_* environment variables.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
		fmt.Fprintf(cmd.OutOrStdout(), "edusync-rtc commit=%s built=%s\n", orUnknown(commit), orUnknown(builtAt))
	},
}

func Execute() {
	rootCmd.AddCommand(versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// resolveBuildInfo prefers ldflags-injected values (production builds) but
// falls back to the Go build info when available, which covers go run and dev
// builds.
func resolveBuildInfo(commit, builtAt string) (string, string) {
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if builtAt == "" {
					builtAt = s.Value
				}
			}
		}
	}
	return commit, builtAt
}
