//go:generate go run ./gen

// Package bledb resolves Bluetooth SIG assigned numbers (services, characteristics,
// descriptors and company identifiers) to human-readable names.
//
// The tables are bundled as JSON in the Nordic Semiconductor bluetooth-numbers-database
// layout and loaded once on first use. Run `go generate` to refresh them.
package bledb

import (
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

const sigBaseSuffix = "00001000800000805f9b34fb"

//go:embed data/*.json
var dataFS embed.FS

type uuidEntry struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

type companyEntry struct {
	Code uint16 `json:"code"`
	Name string `json:"name"`
}

type tables struct {
	services        map[string]string
	characteristics map[string]string
	descriptors     map[string]string
	companies       map[uint16]string
}

var (
	loadOnce sync.Once
	loaded   *tables
	loadErr  error
)

func db() *tables {
	loadOnce.Do(func() {
		loaded, loadErr = load()
	})
	if loadErr != nil {
		// embedded data is validated by tests, an error here means a broken build
		panic(fmt.Sprintf("bledb: %v", loadErr))
	}
	return loaded
}

func load() (*tables, error) {
	t := &tables{}
	var err error
	if t.services, err = loadUUIDTable("data/service_uuids.json"); err != nil {
		return nil, err
	}
	if t.characteristics, err = loadUUIDTable("data/characteristic_uuids.json"); err != nil {
		return nil, err
	}
	if t.descriptors, err = loadUUIDTable("data/descriptor_uuids.json"); err != nil {
		return nil, err
	}

	raw, err := dataFS.ReadFile("data/company_ids.json")
	if err != nil {
		return nil, fmt.Errorf("failed to read company table: %w", err)
	}
	var companies []companyEntry
	if err := json.Unmarshal(raw, &companies); err != nil {
		return nil, fmt.Errorf("failed to parse company table: %w", err)
	}
	t.companies = make(map[uint16]string, len(companies))
	for _, c := range companies {
		if _, dup := t.companies[c.Code]; !dup {
			t.companies[c.Code] = c.Name
		}
	}
	return t, nil
}

func loadUUIDTable(path string) (map[string]string, error) {
	raw, err := dataFS.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var entries []uuidEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		key := NormalizeUUID(e.UUID)
		if key == "" || e.Name == "" {
			continue
		}
		// first entry wins on duplicates
		if _, dup := out[key]; !dup {
			out[key] = e.Name
		}
	}
	return out, nil
}

// NormalizeUUID converts a UUID string to the internal format: lowercase, no dashes,
// no braces, no 0x prefix. 128-bit UUIDs built on the Bluetooth SIG base
// (0000xxxx-0000-1000-8000-00805f9b34fb) are shortened to their 16-bit form.
func NormalizeUUID(uuid string) string {
	u := strings.ToLower(strings.TrimSpace(uuid))
	u = strings.TrimPrefix(u, "0x")
	u = strings.NewReplacer("-", "", "{", "", "}", "").Replace(u)

	if len(u) == 32 && strings.HasPrefix(u, "0000") && strings.HasSuffix(u, sigBaseSuffix) {
		return u[4:8]
	}
	if len(u) == 8 && strings.HasPrefix(u, "0000") {
		return u[4:]
	}
	return u
}

// ValidateUUIDs normalizes uuids and rejects anything that is not a 16, 32 or
// 128-bit hex UUID. No input is valid and yields nil.
func ValidateUUIDs(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, nil
	}
	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		normalized := NormalizeUUID(uuid)
		switch len(normalized) {
		case 4, 8, 32:
		default:
			return nil, fmt.Errorf("invalid UUID format at index %d: %q", i, uuid)
		}
		if _, err := hex.DecodeString(normalized); err != nil {
			return nil, fmt.Errorf("invalid UUID format at index %d: %q", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}

// NormalizeUUIDs normalizes a slice of UUID strings.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = NormalizeUUID(u)
	}
	return out
}

// LookupService returns the assigned name of a service, or "" when unknown.
func LookupService(uuid string) string {
	return db().services[NormalizeUUID(uuid)]
}

// LookupCharacteristic returns the assigned name of a characteristic, or "" when unknown.
func LookupCharacteristic(uuid string) string {
	return db().characteristics[NormalizeUUID(uuid)]
}

// LookupDescriptor returns the assigned name of a descriptor, or "" when unknown.
func LookupDescriptor(uuid string) string {
	return db().descriptors[NormalizeUUID(uuid)]
}

// LookupCompany returns the registered name of a company identifier, or "" when unknown.
func LookupCompany(id uint16) string {
	return db().companies[id]
}

// ServiceName is LookupService falling back to the normalized id.
func ServiceName(uuid string) string {
	if name := LookupService(uuid); name != "" {
		return name
	}
	return NormalizeUUID(uuid)
}

// CharacteristicName is LookupCharacteristic falling back to the normalized id.
func CharacteristicName(uuid string) string {
	if name := LookupCharacteristic(uuid); name != "" {
		return name
	}
	return NormalizeUUID(uuid)
}

// CompanyName is LookupCompany falling back to the hex id, e.g. "0x1234".
func CompanyName(id uint16) string {
	if name := LookupCompany(id); name != "" {
		return name
	}
	return fmt.Sprintf("0x%04X", id)
}
