package models

// TrackedReference is an externally registered cell or range address whose
// live values must be mirrored out of the room. Read-only from the engine's
// perspective.
type TrackedReference struct {
	Address string `json:"address"` // "B2" or "A1:B3"
}

// ReferenceValues carries the extracted 2D value grid for one reference.
type ReferenceValues struct {
	Address string     `json:"address"`
	Values  [][]string `json:"values"`
}
