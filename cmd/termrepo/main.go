// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command termrepo runs the terminology repository branching service.
//
// # Usage
//
//	termrepo serve --config /etc/termrepo/termrepo.yaml
//	termrepo validate-config --config termrepo.yaml
//	termrepo version
//
// # Environment Variables
//
//   - TERMREPO_PORT: HTTP port, overrides server.port
//   - TERMREPO_STORAGE_PATH: BadgerDB directory, overrides storage.path
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP collector for traces
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
