// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command relay runs the Aleutian real-time event relay.
//
// Configuration comes from a YAML or JSON file (--config, or RELAY_CONFIG)
// overlaid with RELAY_* environment variables.
//
// # Usage
//
//	# Build
//	go build -o relay ./cmd/relay
//
//	# Run
//	./relay serve --config relay.yaml
//
//	# Print the effective configuration and exit
//	./relay config check --config relay.yaml
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
