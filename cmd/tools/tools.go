package tools

import (
	"github.com/spf13/cobra"
)

// ToolsCmd represents the tools command
var ToolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "stubdbg miscellaneous tools",
}
