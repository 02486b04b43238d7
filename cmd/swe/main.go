// Copyright (C) 2025 Small Magellanic Cloud AI Ltd.
// Licensed under the BSD 3-Clause License. See the LICENSE file for details.

// swe drives the automatic program-repair pipeline: explore a
// repository, sample candidate patches, and choose the best one, for a
// single problem instance or a whole benchmark batch.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
