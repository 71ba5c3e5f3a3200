package service

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/json"
	"fmt"

	"payment-service/internal/models"
)

// SignedItem is a proposed line item carrying an upstream-minted
// signature. Price arrives as decimal pounds from the wire and is only
// ever hashed after conversion to pence.
type SignedItem struct {
	ItemType  string          `json:"type"`
	ItemData  json.RawMessage `json:"data"`
	Title     string          `json:"title"`
	Quantity  int             `json:"quantity"`
	Price     float64         `json:"price"`
	Signature HexBytes        `json:"sig"`
}

// computeItemMAC computes the keyed MAC over the item's canonical
// serialization: item_type || item_data || title || quantity || pence.
func computeItemMAC(item *SignedItem, key []byte) []byte {
	pence := models.PenceFromPounds(item.Price)
	payload := fmt.Sprintf("%s%s%s%d%d", item.ItemType, string(item.ItemData), item.Title, item.Quantity, pence)

	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

// VerifySignedItems validates a batch of signed items against the set of
// currently valid signing tokens. An item is accepted if any token's MAC
// matches its signature (key rotation); comparison is constant-time. If
// any item fails against every token the whole batch is rejected.
func VerifySignedItems(items []SignedItem, tokens []models.SigningToken) error {
	for i := range items {
		validated := false
		for _, token := range tokens {
			expected := computeItemMAC(&items[i], token.Token)
			if hmac.Equal(expected, items[i].Signature) {
				validated = true
			}
		}
		if !validated {
			return ErrInvalidSignature
		}
	}
	return nil
}
