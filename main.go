// Package main provides the entry point for the ml-orchestrator CLI.
package main

import "yqhp/ml-orchestrator/cmd"

func main() {
	cmd.Execute()
}
