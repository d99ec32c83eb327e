// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// distexec is a command-line tool to inspect and exercise the distributed execution runtime:
//
//   - chains: partitions a task graph (YAML) into chains and prints them.
//   - box: converts a tensor between two layouts, over in-process ranks.
//   - check: runs the replicated-data consistency check over in-process ranks.
//   - serve: runs one rank of the consistency check over gRPC, configured by a cluster YAML file.
//
// Logging uses klog: its flags (e.g. -v=2) are accepted by every command.
package main

import (
	"flag"
	"os"

	"github.com/gomlx/distexec/internal/must"
	"k8s.io/klog/v2"
)

func main() {
	klog.InitFlags(nil)
	must.M = func(err error) {
		if err != nil {
			klog.Errorf("%+v", err)
			klog.Flush()
			os.Exit(1)
		}
	}
	root := newRootCommand()
	root.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	must.M(root.Execute())
	klog.Flush()
}
