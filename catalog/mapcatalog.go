package catalog

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

func secondsToDuration(s int) time.Duration { return time.Duration(s) * time.Second }

// MapCatalog is a minimal, in-memory Catalog keyed by (deviceType,
// firmware). It does not parse vendor accessory payloads (spec
// Non-goals) -- it's the plain lookup table a real device-description
// catalog sits behind.
type MapCatalog struct {
	byKey map[mapKey]*DeviceDescription
}

type mapKey struct {
	deviceType uint32
	firmware   uint16
}

// NewMapCatalog returns an empty MapCatalog; Add populates it.
func NewMapCatalog() *MapCatalog {
	return &MapCatalog{byKey: make(map[mapKey]*DeviceDescription)}
}

// Add registers desc under its DeviceType/Firmware key.
func (c *MapCatalog) Add(desc *DeviceDescription) {
	c.byKey[mapKey{desc.DeviceType, desc.Firmware}] = desc
}

// Lookup implements Catalog.
func (c *MapCatalog) Lookup(deviceType uint32, firmware uint16) (*DeviceDescription, bool) {
	d, ok := c.byKey[mapKey{deviceType, firmware}]
	return d, ok
}

// yamlDescription is the on-disk shape a catalog file loads from: the
// shape, not vendor payload semantics.
type yamlDescription struct {
	DeviceType uint32 `yaml:"deviceType"`
	Firmware   uint16 `yaml:"firmware"`
	NeedsTime  bool   `yaml:"needsTime"`
	TimeoutS   int    `yaml:"timeoutSeconds"`
}

type yamlCatalogFile struct {
	Devices []yamlDescription `yaml:"devices"`
}

// LoadMapCatalog reads a YAML file of device descriptions (deviceType,
// firmware, needsTime, timeoutSeconds) into a MapCatalog.
func LoadMapCatalog(path string) (*MapCatalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	var doc yamlCatalogFile
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	c := NewMapCatalog()
	for _, d := range doc.Devices {
		c.Add(&DeviceDescription{
			DeviceType: d.DeviceType,
			Firmware:   d.Firmware,
			NeedsTime:  d.NeedsTime,
			Timeout:    secondsToDuration(d.TimeoutS),
		})
	}
	return c, nil
}
