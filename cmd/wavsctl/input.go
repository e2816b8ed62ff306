package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// decodeInput turns a CLI-supplied --input value into raw bytes: "0x"-
// prefixed values are hex-decoded, "@path" reads the file at path, anything
// else is taken as a literal UTF-8 string.
func decodeInput(raw string) ([]byte, error) {
	switch {
	case strings.HasPrefix(raw, "0x"):
		b, err := hex.DecodeString(raw[2:])
		if err != nil {
			return nil, fmt.Errorf("decode hex input: %w", err)
		}
		return b, nil
	case strings.HasPrefix(raw, "@"):
		b, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, fmt.Errorf("read input file %q: %w", raw[1:], err)
		}
		return b, nil
	default:
		return []byte(raw), nil
	}
}
