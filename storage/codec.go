package storage

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/ruteri/mpc-vault/interfaces"
)

var (
	recordEncMode cbor.EncMode
	recordDecMode cbor.DecMode
)

func init() {
	encOpts := cbor.CoreDetEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano

	var err error
	recordEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder options: %v", err))
	}

	recordDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder options: %v", err))
	}
}

// EncodeVault serializes a vault record with deterministic CBOR.
func EncodeVault(v *interfaces.Vault) ([]byte, error) {
	data, err := recordEncMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding vault %s: %w", v.ID, err)
	}
	return data, nil
}

// DecodeVault parses a record produced by EncodeVault.
func DecodeVault(data []byte) (*interfaces.Vault, error) {
	var v interfaces.Vault
	if err := recordDecMode.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decoding vault record: %w", err)
	}
	return &v, nil
}
