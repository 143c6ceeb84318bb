// Command pipeline drives the dataset lifecycle: migrate, ingest sources,
// freeze bundles, run builds, verify, and publish.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// isUsageError reports whether err is cobra's own argument validation
// rather than a command failure. Flag parse errors go through the flag
// error func, but required-flag and unknown-command errors are returned
// from ExecuteC directly and have to be recognised by message.
func isUsageError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "required flag(s)") ||
		strings.Contains(msg, "unknown command") ||
		strings.Contains(msg, "unknown flag")
}

func main() {
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		fmt.Fprintln(os.Stderr, err)
		_ = cmd.Usage()
		os.Exit(2)
		return nil
	})

	cmd, err := rootCmd.ExecuteC()
	if err == nil {
		return
	}
	if isUsageError(err) {
		fmt.Fprintln(os.Stderr, err)
		_ = cmd.Usage()
		os.Exit(2)
	}

	payload, marshalErr := json.Marshal(map[string]string{
		"status": "error",
		"error":  err.Error(),
	})
	if marshalErr != nil {
		fmt.Fprintln(os.Stderr, err)
	} else {
		fmt.Fprintln(os.Stderr, string(payload))
	}
	os.Exit(1)
}
