// Package manifest defines the document a plugin or in-process component
// advertises during the HELLO handshake: its identity plus the set of
// capabilities it serves.
package manifest

import (
	"encoding/json"
	"fmt"

	"github.com/ridgeport-io/capmesh/urn"
)

// IdentityCapURN is the well-known capability every component must serve so
// a host can probe it after a successful handshake.
const IdentityCapURN = "cap:in=media:;out=media:"

// Cap is one capability entry in a manifest: the URN a request must match,
// plus the display/CLI metadata the component associates with it.
type Cap struct {
	URN         string `json:"urn"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Command names this capability under CLI mode (SPEC_FULL §8); empty
	// means the capability is not directly CLI-addressable.
	Command string `json:"command,omitempty"`
}

// ParsedURN parses this cap's URN field.
func (c Cap) ParsedURN() (*urn.CapURN, error) {
	return urn.Parse(c.URN)
}

// Manifest is the document a component serializes into its HELLO reply (or,
// for an in-process component, returns directly) describing its identity
// and capability set.
type Manifest struct {
	Name        string  `json:"name"`
	Version     string  `json:"version"`
	Description string  `json:"description"`
	Caps        []Cap   `json:"caps"`
	Author      *string `json:"author,omitempty"`
	PageURL     *string `json:"page_url,omitempty"`
}

// New builds a manifest with the required fields set.
func New(name, version, description string, caps []Cap) *Manifest {
	return &Manifest{Name: name, Version: version, Description: description, Caps: caps}
}

// WithAuthor sets the author field and returns the manifest for chaining.
func (m *Manifest) WithAuthor(author string) *Manifest {
	m.Author = &author
	return m
}

// WithPageURL sets the page URL field and returns the manifest for chaining.
func (m *Manifest) WithPageURL(pageURL string) *Manifest {
	m.PageURL = &pageURL
	return m
}

// HasIdentity reports whether the manifest already declares a capability
// that matches IdentityCapURN.
func (m *Manifest) HasIdentity() bool {
	identity := urn.MustParse(IdentityCapURN)
	for _, c := range m.Caps {
		parsed, err := c.ParsedURN()
		if err != nil {
			continue
		}
		if parsed.Equals(identity) || identity.Accepts(parsed) {
			return true
		}
	}
	return false
}

// EnsureIdentity returns a manifest guaranteed to declare the identity
// capability, prepending one if it is missing. The receiver is never
// mutated; a fresh copy is returned when a cap is added.
func (m *Manifest) EnsureIdentity() *Manifest {
	if m.HasIdentity() {
		return m
	}

	caps := make([]Cap, 0, len(m.Caps)+1)
	caps = append(caps, Cap{URN: IdentityCapURN, Name: "Identity", Command: "identity"})
	caps = append(caps, m.Caps...)

	return &Manifest{
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
		Caps:        caps,
		Author:      m.Author,
		PageURL:     m.PageURL,
	}
}

// Marshal serializes the manifest to the JSON form carried inside a HELLO
// frame's manifest field.
func (m *Manifest) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Parse decodes a manifest from the JSON form Marshal produces.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

// Provider lets any component — a child-process plugin or an in-process
// handler set — describe itself uniformly, independent of how the host
// reaches it.
type Provider interface {
	ComponentManifest() *Manifest
}
