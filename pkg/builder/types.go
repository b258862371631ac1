package builder

import (
	"strings"
)

// Status represents the operational state of a builder.
type Status string

const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusBroken  Status = "broken"
)

// Flavor classifies the toolchain layout reported by a builder.
type Flavor string

const (
	FlavorPure       Flavor = "pure"
	FlavorGCC2Hybrid Flavor = "gcc2hybrid"
	FlavorGCC4Hybrid Flavor = "gcc4hybrid"
	FlavorHybrid     Flavor = "hybrid"
	FlavorUnknown    Flavor = "unknown"
)

// IsHybrid reports whether the flavor carries a secondary architecture.
func (f Flavor) IsHybrid() bool {
	return f == FlavorGCC2Hybrid || f == FlavorGCC4Hybrid || f == FlavorHybrid
}

// Config is the persistent, operator-managed record for a builder as
// stored in builders.json.
type Config struct {
	Owner                  string   `json:"owner"`
	KeyHash                string   `json:"keyHash"`
	Architecture           string   `json:"architecture,omitempty"`
	SecondaryArchitectures []string `json:"secondaryArchitectures,omitempty"`
}

// Info is the runtime metadata learned from a live session. It is reset
// whenever the builder disconnects.
type Info struct {
	Cores                 int    `json:"cores,omitempty"`
	Hrev                  string `json:"hrev,omitempty"`
	Architecture          string `json:"architecture,omitempty"`
	SecondaryArchitecture string `json:"secondaryArchitecture,omitempty"`
	Flavor                Flavor `json:"flavor,omitempty"`
	MemoryBytes           int64  `json:"memory,omitempty"`
}

// MetadataReady reports whether cores, uname and archlist have all been
// received.
func (i Info) MetadataReady() bool {
	return i.Cores > 0 && i.Architecture != "" && i.Flavor != ""
}

// ParseUname extracts the hrev and architecture from `uname -a` output.
// Haiku prints the hrev as the fourth field and the machine architecture
// second to last.
func ParseUname(output string) (hrev, arch string) {
	fields := strings.Fields(output)
	for _, field := range fields {
		if strings.HasPrefix(field, "hrev") {
			hrev = strings.TrimPrefix(field, "hrev")
			break
		}
	}
	if len(fields) >= 2 {
		arch = fields[len(fields)-2]
	}
	return hrev, arch
}

// DeriveFlavor classifies the output of `setarch -l` relative to the
// builder's primary architecture.
func DeriveFlavor(archlist, primary string) (Flavor, string) {
	arches := strings.Fields(archlist)
	switch {
	case len(arches) == 1 && arches[0] == primary:
		return FlavorPure, ""
	case len(arches) == 2 && arches[0] == "x86_gcc2" && arches[1] == "x86":
		return FlavorGCC2Hybrid, "x86"
	case len(arches) == 2 && arches[0] == "x86" && arches[1] == "x86_gcc2":
		return FlavorGCC4Hybrid, "x86_gcc2"
	case len(arches) == 2 && arches[0] == primary:
		return FlavorHybrid, arches[1]
	default:
		return FlavorUnknown, ""
	}
}
