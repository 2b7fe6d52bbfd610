package tiers

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Spec describes the capacity limits of a single Atlas instance tier.
// CPU count is carried for reporting but takes no part in gating.
type Spec struct {
	Name        string  `json:"tier"`
	RAMGB       float64 `json:"ram"`
	CPUs        int     `json:"cpu"`
	Connections int     `json:"connection"`
	IOPS        int     `json:"iops"`
}

// Catalog is the tier name -> capacity lookup, loaded once per run.
type Catalog struct {
	specs map[string]Spec
}

// NewCatalog builds a catalog from a list of specs. Entries with an empty
// name are ignored; a later entry for the same name wins.
func NewCatalog(specs []Spec) *Catalog {
	c := &Catalog{specs: make(map[string]Spec, len(specs))}
	for _, s := range specs {
		if s.Name == "" {
			continue
		}
		c.specs[s.Name] = s
	}
	return c
}

// LoadCatalog reads tier specifications from a CSV file with a header row
// of at least: tier, ram, connection, iops. Unknown columns are ignored,
// rows with an empty tier name are skipped.
func LoadCatalog(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tier catalog %s: %w", path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.TrimLeadingSpace = true
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse tier catalog %s: %w", path, err)
	}
	if len(rows) == 0 {
		return NewCatalog(nil), nil
	}

	// Map header names to column indices so column order doesn't matter
	cols := make(map[string]int, len(rows[0]))
	for i, name := range rows[0] {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := cols["tier"]; !ok {
		return nil, fmt.Errorf("tier catalog %s has no 'tier' column", path)
	}

	specs := make([]Spec, 0, len(rows)-1)
	for _, row := range rows[1:] {
		name := strings.TrimSpace(field(row, cols, "tier"))
		if name == "" {
			continue
		}
		specs = append(specs, Spec{
			Name:        name,
			RAMGB:       parseFloat(field(row, cols, "ram")),
			CPUs:        parseInt(field(row, cols, "cpu")),
			Connections: parseInt(field(row, cols, "connection")),
			IOPS:        parseInt(field(row, cols, "iops")),
		})
	}
	return NewCatalog(specs), nil
}

// Lookup returns the spec for a tier name and whether it is known.
func (c *Catalog) Lookup(name string) (Spec, bool) {
	s, ok := c.specs[name]
	return s, ok
}

// Has reports whether the catalog knows the given tier name.
func (c *Catalog) Has(name string) bool {
	_, ok := c.specs[name]
	return ok
}

// Len returns the number of tiers in the catalog.
func (c *Catalog) Len() int {
	return len(c.specs)
}

func field(row []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(row) {
		return ""
	}
	return row[i]
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return v
}

// Ordinal converts a tier name such as "M30" or "R40" to its numeric rank
// for autoscale floor/ceiling comparisons. Plain numeric strings are
// accepted; anything unparsable ranks as 0 so range checks fail closed.
func Ordinal(tier string) int {
	t := strings.ToUpper(strings.TrimSpace(tier))
	if t == "" {
		return 0
	}
	if strings.HasPrefix(t, "M") || strings.HasPrefix(t, "R") {
		t = t[1:]
	}
	n, err := strconv.Atoi(t)
	if err != nil {
		return 0
	}
	return n
}
