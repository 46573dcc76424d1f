package crypto

import (
	"encoding/base64"
	"testing"
)

func TestRandToken_Decodes(t *testing.T) {
	t.Parallel()

	tok, err := RandToken(32)
	if err != nil {
		t.Fatalf("RandToken: %v", err)
	}
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil || len(raw) != 32 {
		t.Fatalf("decode: len=%d err=%v", len(raw), err)
	}
	other, _ := RandToken(32)
	if other == tok {
		t.Fatalf("tokens repeat")
	}
}
