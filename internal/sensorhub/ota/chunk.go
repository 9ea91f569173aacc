package ota

import (
	"encoding/base64"
	"fmt"
	"hash/crc32"
)

// chunkCount returns how many chunks of chunkSize bytes cover size bytes.
func chunkCount(size, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}

// chunk returns the bytes of chunk index i.
func chunk(data []byte, chunkSize, i int) []byte {
	start := i * chunkSize
	if start >= len(data) {
		return nil
	}
	end := min(start+chunkSize, len(data))
	return data[start:end]
}

// chunkChecksum is the CRC-32 (IEEE) of b as 8 lowercase hex digits.
func chunkChecksum(b []byte) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE(b))
}

func encodeChunk(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
