// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package must provides functions that check for errors and fail on error.
//
// Convenient in command-line tools that just give up on error.
package must

import (
	"k8s.io/klog/v2"
)

// M logs and panics if err is not nil.
//
// Reassign it to change the failure behavior, e.g. to exit the program instead of panicking.
var M = func(err error) {
	if err != nil {
		klog.Errorf("Must not error: %+v\nPanicking ...\n\n", err)
		panic(err)
	}
}
