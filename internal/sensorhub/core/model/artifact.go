package model

import (
	"crypto/sha256"
	"encoding/hex"
)

// Firmware is an immutable firmware image owned by the firmware catalog.
type Firmware struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	DeviceType string `json:"deviceType"`
	Data       []byte `json:"-"`
	Size       int    `json:"size"`
	Checksum   string `json:"checksum"`
}

// Configuration is an immutable configuration bundle delivered like firmware.
type Configuration struct {
	ID         string `json:"id"`
	Version    string `json:"version"`
	DeviceType string `json:"deviceType"`
	Data       []byte `json:"-"`
	Size       int    `json:"size"`
	Checksum   string `json:"checksum"`
}

// Checksum is the SHA-256 hex digest used for whole artifacts.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
