package main

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
)

const modulePrefix = "chatsync/"

// layerRule forbids importers under one prefix from importing another prefix.
type layerRule struct {
	importer string
	imported string
	reason   string
}

var layerRules = []layerRule{
	{importer: "pkg/chatsync", imported: "internal/", reason: "pkg/chatsync must not import internal/*"},
	{importer: "internal/derived", imported: "internal/recordstore", reason: "internal/derived must stay backend agnostic"},
	{importer: "internal/derived", imported: "internal/hosting", reason: "internal/derived must not import internal/hosting"},
	{importer: "internal/recordstore", imported: "internal/derived", reason: "record stores must not import internal/derived"},
	{importer: "internal/recordstore", imported: "internal/hosting", reason: "record stores must not import internal/hosting"},
	{importer: "internal/hosting", imported: "internal/derived", reason: "internal/hosting must not import internal/derived"},
	{
		importer: "internal/recordstore/memory",
		imported: "internal/recordstore/remote",
		reason:   "internal/recordstore/memory must not import the remote transport",
	},
}

// listFormat prints one line per package: its import path followed by every
// import of the package and its tests.
const listFormat = `{{.ImportPath}} {{join .Imports " "}} {{join .TestImports " "}} {{join .XTestImports " "}}`

func main() {
	var stdout bytes.Buffer
	cmd := exec.Command("go", "list", "-test", "-f", listFormat, "./...")
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: go list: %v\n", err)
		os.Exit(1)
	}

	violations, err := collectViolations(&stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "arch-check: %v\n", err)
		os.Exit(1)
	}
	if len(violations) == 0 {
		fmt.Println("arch-check: passed")
		return
	}

	fmt.Println("arch-check: architecture violations:")
	for _, violation := range violations {
		fmt.Printf("  - %s\n", violation)
	}
	os.Exit(1)
}

// collectViolations reads listFormat lines and returns each broken rule once.
func collectViolations(listing io.Reader) ([]string, error) {
	found := make(map[string]struct{})
	scanner := bufio.NewScanner(listing)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		importer := fields[0]
		for _, imported := range fields[1:] {
			if reason := violationReason(importer, imported); reason != "" {
				found[fmt.Sprintf("%s -> %s (%s)", importer, imported, reason)] = struct{}{}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read go list output: %w", err)
	}

	return slices.Sorted(maps.Keys(found)), nil
}

func violationReason(importer, imported string) string {
	for _, rule := range layerRules {
		if strings.HasPrefix(importer, modulePrefix+rule.importer) &&
			strings.HasPrefix(imported, modulePrefix+rule.imported) {
			return rule.reason
		}
	}

	return ""
}
