package core

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrActiveSession is returned when a device already has a non-terminal update session.
	ErrActiveSession = errors.New("device already has an active update session")

	// ErrIncompatible is returned when an artifact targets another device type.
	ErrIncompatible = errors.New("artifact is not compatible with the device")

	// ErrNotNewer is returned when a firmware does not upgrade the device and is not forced.
	ErrNotNewer = errors.New("firmware is not newer than the installed version")

	// ErrInvalidMessage is returned for messages missing a device id or type.
	ErrInvalidMessage = errors.New("invalid message format")

	// ErrNoChannels is returned when no registered channel can serve a device.
	ErrNoChannels = errors.New("no communication channels available")

	// ErrAllChannelsFailed is returned when every candidate channel failed.
	ErrAllChannelsFailed = errors.New("all channels failed")

	// ErrTimeout is returned when a device does not answer within its bound.
	ErrTimeout = errors.New("timed out waiting for device")
)
