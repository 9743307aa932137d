// Package catalog embeds the default units shipped with the binary. They
// seed an empty unit store on first start.
package catalog

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed units/*.hcl
var unitsFS embed.FS

// Entry is one default unit source.
type Entry struct {
	Name   string
	Source []byte
}

// Defaults returns the embedded units sorted by name.
func Defaults() ([]Entry, error) {
	entries, err := fs.ReadDir(unitsFS, "units")
	if err != nil {
		return nil, fmt.Errorf("reading embedded catalog: %w", err)
	}

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".hcl" {
			continue
		}
		src, err := fs.ReadFile(unitsFS, "units/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading embedded unit %s: %w", e.Name(), err)
		}
		out = append(out, Entry{
			Name:   strings.TrimSuffix(e.Name(), ".hcl"),
			Source: src,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Names lists the default unit names.
func Names() []string {
	entries, err := Defaults()
	if err != nil {
		return nil
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}
