// Package main provides a CLI tool for validating LogWarden YAML signature files.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"logwarden/internal/detection"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		runValidateCmd(os.Args[2:])
	case "list":
		runListCmd(os.Args[2:])
	case "builtin":
		runBuiltin()
	case "-version", "--version", "-v":
		fmt.Printf("logwarden-rules %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: logwarden-rules <command> [flags] [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  validate  Validate YAML signature files or directories\n")
	fmt.Fprintf(os.Stderr, "  list      List signature categories found in files or directories\n")
	fmt.Fprintf(os.Stderr, "  builtin   Show the built-in signature categories\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  -version  Show version and exit\n")
}

func runValidateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "Show detailed signature information")
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one path is required\n")
		fmt.Fprintf(os.Stderr, "Usage: logwarden-rules validate [--verbose] <path> [<path>...]\n")
		os.Exit(1)
	}

	os.Exit(runValidate(paths, *verbose))
}

func runListCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		paths = []string{"configs/signatures.d"}
	}

	os.Exit(runList(paths))
}

func runValidate(paths []string, verbose bool) int {
	var totalFiles, validFiles, invalidFiles int

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %s: %v\n", path, err)
			invalidFiles++
			continue
		}

		if info.IsDir() {
			files, err := collectYAMLFiles(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading directory %s: %v\n", path, err)
				invalidFiles++
				continue
			}
			for _, f := range files {
				totalFiles++
				if validateFile(f, verbose) {
					validFiles++
				} else {
					invalidFiles++
				}
			}
		} else {
			totalFiles++
			if validateFile(path, verbose) {
				validFiles++
			} else {
				invalidFiles++
			}
		}
	}

	fmt.Printf("\nResults: %d files checked, %d valid, %d invalid\n", totalFiles, validFiles, invalidFiles)

	if invalidFiles > 0 {
		return 1
	}
	return 0
}

func validateFile(path string, verbose bool) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("  FAIL  %s: %v\n", path, err)
		return false
	}

	defs, err := detection.ParseSignatures(data)
	if err != nil {
		fmt.Printf("  FAIL  %s: %v\n", path, err)
		return false
	}

	// Confirm the definitions merge against the built-in table, so a
	// duplicate category without replace is caught here and not at startup
	if _, err := detection.ExtendTable(detection.BuiltinSignatures(), defs); err != nil {
		fmt.Printf("  FAIL  %s: %v\n", path, err)
		return false
	}

	fmt.Printf("  OK    %s (%d categor%s)\n", path, len(defs), plural(len(defs), "y", "ies"))

	if verbose {
		for _, def := range defs {
			score := def.Score
			if score == 0 {
				score = detection.DefaultCategoryScore
			}
			mode := "append"
			if def.Replace {
				mode = "replace"
			}
			fmt.Printf("        - %s (score=%.2f, patterns=%d, %s)\n",
				def.Category, score, len(def.Patterns), mode)
		}
	}

	return true
}

func runList(paths []string) int {
	for _, path := range paths {
		files, err := collectYAMLFiles(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", path, err)
			continue
		}

		for _, f := range files {
			data, err := os.ReadFile(f)
			if err != nil {
				continue
			}
			defs, err := detection.ParseSignatures(data)
			if err != nil {
				continue
			}
			for _, def := range defs {
				score := def.Score
				if score == 0 {
					score = detection.DefaultCategoryScore
				}
				fmt.Printf("%-30s  score=%.2f  patterns=%-3d  %s\n",
					def.Category, score, len(def.Patterns), f)
			}
		}
	}
	return 0
}

func runBuiltin() {
	for _, set := range detection.BuiltinSignatures() {
		fmt.Printf("%-30s  score=%.2f  patterns=%d\n",
			set.Category, set.Score, len(set.Patterns))
	}
}

func plural(n int, singular, pluralForm string) string {
	if n == 1 {
		return singular
	}
	return pluralForm
}

func collectYAMLFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
