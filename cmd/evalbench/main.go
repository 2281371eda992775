// Package main provides the entry point for the retrieval evaluation tool.
package main

import (
	"fmt"
	"os"
	"strings"
)

// version is set at build time via -ldflags.
var version = "dev"

func loadEnvFile() {
	loadEnvFileAt(".env")
}

// loadEnvFileAt sets KEY=VALUE pairs from path. Variables already present in
// the environment are left alone.
func loadEnvFileAt(path string) {
	// #nosec G304 - fixed or test-supplied path
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if _, set := os.LookupEnv(key); set {
			continue
		}
		_ = os.Setenv(key, value)
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
