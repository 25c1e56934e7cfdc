// SPDX-FileCopyrightText: © 2026 Katzenpost dev team
// SPDX-License-Identifier: AGPL-3.0-only

// Package common provides shared utilities for the relaynet CLI tools.
package common

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// usageErrors are fragments of the errors cobra and the relaynet commands
// return when invoked wrongly.
var usageErrors = []string{
	"flag needs an argument:",
	"unknown flag:",
	"unknown shorthand flag:",
	"unknown command",
	"invalid argument",
	"required flag",
	"arg(s), received",
	"failed to load config file",
	"invalid peer address",
}

// ExecuteWithFang runs cmd through fang with the version and error handler
// every relaynet binary uses, and exits non-zero on failure.
func ExecuteWithFang(ctx context.Context, cmd *cobra.Command) {
	if err := fang.Execute(
		ctx,
		cmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(ErrorHandlerWithUsage(cmd)),
	); err != nil {
		os.Exit(1)
	}
}

// ErrorHandlerWithUsage returns a fang error handler that prints the error
// and, for usage errors, the command usage.  Other errors get a --help hint.
// Output is downsampled to what the terminal supports.
func ErrorHandlerWithUsage(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		cw := colorprofile.NewWriter(w, os.Environ())
		fmt.Fprintln(cw, styles.ErrorHeader.String())
		fmt.Fprintln(cw, styles.ErrorText.Render(err.Error()+"."))
		fmt.Fprintln(cw)

		if IsUsageError(err) {
			cmd.SetOut(cw)
			cmd.Usage()
			return
		}
		fmt.Fprintln(cw, lipgloss.JoinHorizontal(
			lipgloss.Left,
			styles.ErrorText.UnsetWidth().Render("Try"),
			styles.Program.Flag.Render("--help"),
			styles.ErrorText.UnsetWidth().UnsetMargins().UnsetTransform().PaddingLeft(1).Render("for usage."),
		))
		fmt.Fprintln(cw)
	}
}

// IsUsageError returns true iff err is caused by how the command was
// invoked rather than by what it did.
func IsUsageError(err error) bool {
	s := err.Error()
	for _, frag := range usageErrors {
		if strings.Contains(s, frag) {
			return true
		}
	}
	return false
}

// TruncatePEM shortens a PEM blob to its first two lines plus "...", for
// concise display of keys.
func TruncatePEM(pemStr string) string {
	lines := strings.Split(strings.TrimSpace(pemStr), "\n")
	if len(lines) <= 2 {
		return pemStr
	}
	return strings.Join(lines[:2], "\n") + "\n..."
}
