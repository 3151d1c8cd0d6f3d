// SPDX-License-Identifier: MPL-2.0

// Soldeer is a package manager for Solidity projects.
package main

import (
	cmd "github.com/mario-eth/soldeer/cmd/soldeer"
)

func main() {
	cmd.Execute()
}
