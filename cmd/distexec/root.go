// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// Output formats.
const (
	formatText  = "text"
	formatTable = "table"
)

var validFormats = []string{formatText, formatTable}

// rootOptions holds the flags shared by all commands.
type rootOptions struct {
	Format string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "distexec",
		Short: "Inspect and exercise the distributed execution runtime",
		Long: `distexec builds chain graphs from task graphs, boxes tensors between distributed
layouts and checks replicated data across ranks.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return errors.Errorf("invalid --format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", formatText, "output format (text|table)")

	cmd.AddCommand(newChainsCommand(opts))
	cmd.AddCommand(newBoxCommand(opts))
	cmd.AddCommand(newCheckCommand(opts))
	cmd.AddCommand(newServeCommand(opts))
	return cmd
}

// parseInts parses a comma-separated list of integers, e.g.: "4,2".
func parseInts(desc string) ([]int64, error) {
	var values []int64
	for _, part := range strings.Split(desc, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid integer %q in %q", part, desc)
		}
		values = append(values, v)
	}
	if len(values) == 0 {
		return nil, errors.Errorf("no values given in %q", desc)
	}
	return values, nil
}
