// Package endpoint decides which of the provider's two base endpoints the
// stream and history layers should talk to, and persists that choice so
// later process starts can skip the probe.
package endpoint

// Region identifies one of the two provider base endpoints.
type Region int

const (
	Primary Region = iota
	Secondary
)

func (r Region) String() string {
	if r == Secondary {
		return "secondary"
	}
	return "primary"
}

// Other returns the opposite region.
func (r Region) Other() Region {
	if r == Primary {
		return Secondary
	}
	return Primary
}

// ParseRegion maps a persisted string back to a Region.
// Unknown values fall back to Primary.
func ParseRegion(s string) Region {
	if s == "secondary" {
		return Secondary
	}
	return Primary
}

// Endpoints holds the REST and websocket base URLs for both regions.
type Endpoints struct {
	PrimaryREST   string
	SecondaryREST string
	PrimaryWS     string
	SecondaryWS   string
}

// REST returns the REST base URL for the given region.
func (e Endpoints) REST(r Region) string {
	if r == Secondary {
		return e.SecondaryREST
	}
	return e.PrimaryREST
}

// WS returns the websocket base URL for the given region.
func (e Endpoints) WS(r Region) string {
	if r == Secondary {
		return e.SecondaryWS
	}
	return e.PrimaryWS
}
