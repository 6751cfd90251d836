package keys

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// The covenant's mutable NFT stores an 8-byte record:
// lastClaimBlock(int32 LE) || authorizedSats(int32 LE).

const commitmentSize = 8

// BuildNftCommitment serializes the covenant state into its 8-byte hex form.
func BuildNftCommitment(lastClaimBlock, authorizedSats int32) string {
	buf := make([]byte, commitmentSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(lastClaimBlock))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(authorizedSats))
	return hex.EncodeToString(buf)
}

// DecodeCommitmentHex returns the raw bytes of a commitment after
// validating its length.
func DecodeCommitmentHex(commitment string) ([]byte, error) {
	raw, err := hex.DecodeString(commitment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommitment, err)
	}
	if len(raw) != commitmentSize {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidCommitment, commitmentSize, len(raw))
	}
	return raw, nil
}

// ParseNftCommitment decodes the 8-byte commitment hex.
func ParseNftCommitment(commitment string) (lastClaimBlock, authorizedSats int32, err error) {
	raw, err := hex.DecodeString(commitment)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrInvalidCommitment, err)
	}
	if len(raw) != commitmentSize {
		return 0, 0, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidCommitment, commitmentSize, len(raw))
	}
	lastClaimBlock = int32(binary.LittleEndian.Uint32(raw[0:4]))
	authorizedSats = int32(binary.LittleEndian.Uint32(raw[4:8]))
	return lastClaimBlock, authorizedSats, nil
}
