package commands

import (
	"fmt"

	"github.com/forgesyte/forgesyte/logger"
	"github.com/forgesyte/forgesyte/version"
)

// printStartupBanner prints the user-friendly startup message.
func printStartupBanner(verbosity, port int, dbPath string, pluginCount, pipelineCount int) {
	cyan := "\033[36m"
	green := "\033[32m"
	yellow := "\033[33m"
	blue := "\033[34m"
	bold := "\033[1m"
	reset := "\033[0m"

	info := version.Get()

	fmt.Printf("\n%s%s", cyan, bold)
	fmt.Printf("   ███████  ██████  ██████   ██████  ███████\n")
	fmt.Printf("   ██      ██    ██ ██   ██ ██       ██\n")
	fmt.Printf("   █████   ██    ██ ██████  ██  ███  █████\n")
	fmt.Printf("   ██      ██    ██ ██   ██ ██   ██  ██\n")
	fmt.Printf("   ██       ██████  ██   ██  ██████  ███████\n")
	fmt.Printf("                                      s y t e%s\n\n", reset)

	fmt.Printf("%s%s┌─ ForgeSyte ────────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:   %s (commit %s)\n", green, reset, info.Version, info.Short())
	fmt.Printf("%s│%s Port:      %d\n", green, reset, port)
	fmt.Printf("%s│%s Database:  %s\n", green, reset, dbPath)
	fmt.Printf("%s│%s Plugins:   %d\n", green, reset, pluginCount)
	fmt.Printf("%s│%s Pipelines: %d\n", green, reset, pipelineCount)
	fmt.Printf("%s│%s Verbosity: %s\n", green, reset, logger.LevelName(verbosity))
	fmt.Printf("%s└────────────────────────────────────────────────────┘%s\n", green, reset)

	fmt.Printf("\n%s%s✨ POST frames, upload videos, or open a stream%s\n", yellow, bold, reset)
	fmt.Printf("%s💡 Press Ctrl+C to stop%s\n\n", blue, reset)
}
