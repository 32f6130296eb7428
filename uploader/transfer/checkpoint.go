package transfer

import "encoding/json"

// Checkpoint is an opaque resumption marker produced by a Transferrer.
// Everything above the transfer layer round-trips it byte for byte; only the
// implementation that wrote it may interpret Data. Version guards against
// records written by an incompatible implementation.
type Checkpoint struct {
	Version int             `json:"version"`
	Data    json.RawMessage `json:"data"`
}
