package detection

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SignatureDef is one attack-category definition as it appears in a YAML
// signature file.
type SignatureDef struct {
	Category string   `yaml:"category"`
	Score    float64  `yaml:"score,omitempty"`
	Replace  bool     `yaml:"replace,omitempty"`
	Patterns []string `yaml:"patterns"`
}

// Validate checks a definition without compiling its patterns.
func (d *SignatureDef) Validate() error {
	if d.Category == "" {
		return fmt.Errorf("signature category is required")
	}
	if strings.ContainsAny(d.Category, " \t\n") {
		return fmt.Errorf("signature category %q must not contain whitespace", d.Category)
	}
	if len(d.Patterns) == 0 {
		return fmt.Errorf("signature %q: at least one pattern is required", d.Category)
	}
	if d.Score < 0 || d.Score > 1 {
		return fmt.Errorf("signature %q: score %v out of range [0,1]", d.Category, d.Score)
	}
	return nil
}

// ParseSignatures parses signature definitions from YAML bytes and compiles
// every pattern, so a bad file is rejected as a whole.
func ParseSignatures(data []byte) ([]SignatureDef, error) {
	var defs []SignatureDef
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse signatures: %w", err)
	}

	for i := range defs {
		if err := defs[i].Validate(); err != nil {
			return nil, fmt.Errorf("signature %d: %w", i, err)
		}
		for _, p := range defs[i].Patterns {
			if _, err := CompilePattern(p); err != nil {
				return nil, fmt.Errorf("signature %q: %w", defs[i].Category, err)
			}
		}
	}
	return defs, nil
}

// LoadSignatureDir parses every .yaml/.yml file under dir. A missing
// directory is not an error; signature files are optional.
func LoadSignatureDir(dir string) ([]SignatureDef, error) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	var defs []SignatureDef
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		fileDefs, err := ParseSignatures(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		defs = append(defs, fileDefs...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return defs, nil
}

// ExtendTable merges loaded definitions into a base table. New categories
// append in definition order; an existing category is an error unless the
// definition sets replace, in which case it substitutes in place. A zero
// score means DefaultCategoryScore.
func ExtendTable(base []SignatureSet, defs []SignatureDef) ([]SignatureSet, error) {
	table := make([]SignatureSet, len(base))
	copy(table, base)

	index := make(map[string]int, len(table))
	for i, set := range table {
		index[set.Category] = i
	}

	for _, def := range defs {
		set := SignatureSet{
			Category: def.Category,
			Score:    def.Score,
		}
		if set.Score == 0 {
			set.Score = DefaultCategoryScore
		}
		for _, p := range def.Patterns {
			re, err := CompilePattern(p)
			if err != nil {
				return nil, fmt.Errorf("signature %q: %w", def.Category, err)
			}
			set.Patterns = append(set.Patterns, re)
		}

		if existing, ok := index[def.Category]; ok {
			if !def.Replace {
				return nil, fmt.Errorf("signature %q already defined; set replace to override", def.Category)
			}
			table[existing] = set
			continue
		}

		index[def.Category] = len(table)
		table = append(table, set)
	}

	return table, nil
}
