package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Partition is one upstream instance.
type Partition struct {
	Name     string `yaml:"name"`
	Endpoint string `yaml:"endpoint"`
	Token    string `yaml:"token,omitempty"`
}

type partitionsFile struct {
	Partitions []Partition `yaml:"partitions"`
}

// LoadPartitions reads and parses a partitions YAML file from the given path.
func LoadPartitions(filePath string) ([]Partition, error) {
	bytes, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read partitions file '%s': %w", filePath, err)
	}

	var file partitionsFile
	if err := yaml.Unmarshal(bytes, &file); err != nil {
		return nil, fmt.Errorf("failed to parse partitions file '%s': %w", filePath, err)
	}

	seen := make(map[string]bool, len(file.Partitions))
	for i, p := range file.Partitions {
		if p.Name == "" {
			return nil, fmt.Errorf("partitions file '%s': entry %d has no name", filePath, i)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("partitions file '%s': duplicate partition %q", filePath, p.Name)
		}
		seen[p.Name] = true
	}
	return file.Partitions, nil
}

// loadPartitions merges the partitions file with SYNC_PARTITIONS. Per-partition
// environment variables override values from the file.
func loadPartitions(v *viper.Viper) ([]Partition, error) {
	var partitions []Partition
	if path := v.GetString("partitions_file"); path != "" {
		loaded, err := LoadPartitions(path)
		if err != nil {
			return nil, err
		}
		partitions = loaded
	}

	index := make(map[string]int, len(partitions))
	for i, p := range partitions {
		index[p.Name] = i
	}
	for _, name := range splitList(v.GetString("partitions")) {
		if _, ok := index[name]; !ok {
			index[name] = len(partitions)
			partitions = append(partitions, Partition{Name: name})
		}
	}

	for i := range partitions {
		suffix := envSuffix(partitions[i].Name)
		if url := os.Getenv(envPrefix + "_UPSTREAM_URL_" + suffix); url != "" {
			partitions[i].Endpoint = url
		}
		if token := os.Getenv(envPrefix + "_UPSTREAM_TOKEN_" + suffix); token != "" {
			partitions[i].Token = token
		}
	}
	return partitions, nil
}

func envSuffix(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
