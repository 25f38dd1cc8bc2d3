// Package main refreshes the bundled bledb tables from Nordic Semiconductor's
// bluetooth-numbers-database.
//
// Each source file is downloaded once into a local cache, filtered down to the
// fields bledb reads, de-duplicated, sorted and written under internal/bledb/data.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	cacheDir = "../../.tmp/bledb-cache"
	dataDir  = "data"
	baseURL  = "https://raw.githubusercontent.com/NordicSemiconductor/bluetooth-numbers-database/master/v1/"
)

// source describes one upstream table.
type source struct {
	File    string
	Company bool
}

var sources = []source{
	{File: "service_uuids.json"},
	{File: "characteristic_uuids.json"},
	{File: "descriptor_uuids.json"},
	{File: "company_ids.json", Company: true},
}

type uuidEntry struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier,omitempty"`
	UUID       string `json:"uuid"`
	Source     string `json:"source,omitempty"`
}

type companyEntry struct {
	Code int    `json:"code"`
	Name string `json:"name"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fmt.Println("Refreshing BLE database...")

	for _, src := range sources {
		path, err := ensureCached(src.File, baseURL+src.File)
		if err != nil {
			return err
		}
		var out any
		if src.Company {
			out, err = parseCompanies(path)
		} else {
			out, err = parseUUIDs(path)
		}
		if err != nil {
			return err
		}
		if err := writeJSON(filepath.Join(dataDir, src.File), out); err != nil {
			return err
		}
		fmt.Println("Wrote", src.File)
	}
	return nil
}

// ensureCached downloads a file from the given URL if it doesn't exist in the cache.
func ensureCached(filename, url string) (string, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create cache dir: %w", err)
	}

	path := filepath.Join(cacheDir, filename)
	if _, err := os.Stat(path); err == nil {
		fmt.Println("Using cached file", filename)
		return path, nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to check cache file %s: %w", filename, err)
	}

	fmt.Println("Downloading", filename)
	resp, err := http.Get(url)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download %s: status %d", filename, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body for %s: %w", filename, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write cache file %s: %w", filename, err)
	}
	return path, nil
}

func parseUUIDs(path string) ([]uuidEntry, error) {
	var entries []uuidEntry
	if err := readJSON(path, &entries); err != nil {
		return nil, err
	}

	seen := make(map[string]string, len(entries))
	out := make([]uuidEntry, 0, len(entries))
	for _, e := range entries {
		if e.UUID == "" || e.Name == "" {
			continue
		}
		key := strings.ToUpper(e.UUID)
		if existing, dup := seen[key]; dup {
			if existing != e.Name {
				fmt.Fprintf(os.Stderr, "WARNING: Duplicate UUID %q (keeping %q, skipping %q)\n", key, existing, e.Name)
			}
			continue
		}
		seen[key] = e.Name
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToUpper(out[i].UUID) < strings.ToUpper(out[j].UUID) })
	return out, nil
}

func parseCompanies(path string) ([]companyEntry, error) {
	var entries []companyEntry
	if err := readJSON(path, &entries); err != nil {
		return nil, err
	}

	seen := make(map[int]bool, len(entries))
	out := make([]companyEntry, 0, len(entries))
	for _, e := range entries {
		if e.Name == "" || e.Code < 0 || e.Code > 0xFFFF || seen[e.Code] {
			continue
		}
		seen[e.Code] = true
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read cached file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse JSON array %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
