package kms

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// MarshalShare encodes a share for encryption to its holder.
func MarshalShare(share Share) ([]byte, error) {
	data, err := cbor.Marshal(share)
	if err != nil {
		return nil, fmt.Errorf("encoding share: %w", err)
	}
	return data, nil
}

// UnmarshalShare decodes a share produced by MarshalShare.
func UnmarshalShare(data []byte) (Share, error) {
	var share Share
	if err := cbor.Unmarshal(data, &share); err != nil {
		return Share{}, fmt.Errorf("decoding share: %w", err)
	}
	if len(share.Value) < 2 || share.Threshold < 1 {
		return Share{}, fmt.Errorf("decoding share: malformed share")
	}
	return share, nil
}
