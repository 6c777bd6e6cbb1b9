package host

import (
	"encoding/json"
	"fmt"
)

// parseCapsFromManifest extracts the flat list of cap URNs a plugin's
// handshake manifest advertises. Only the "urn" field of each cap entry
// matters for routing; display metadata lives in manifest.Manifest for
// callers that want the full document.
func parseCapsFromManifest(manifestData []byte) ([]string, error) {
	if len(manifestData) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	var parsed struct {
		Caps []struct {
			URN string `json:"urn"`
		} `json:"caps"`
	}
	if err := json.Unmarshal(manifestData, &parsed); err != nil {
		return nil, fmt.Errorf("parsing manifest JSON: %w", err)
	}

	caps := make([]string, 0, len(parsed.Caps))
	for _, c := range parsed.Caps {
		if c.URN != "" {
			caps = append(caps, c.URN)
		}
	}
	return caps, nil
}
