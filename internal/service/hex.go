package service

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HexBytes is a byte slice carried as a hex string in JSON, as item
// signatures are on the wire.
type HexBytes []byte

func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex signature: %w", err)
	}
	*h = decoded
	return nil
}
