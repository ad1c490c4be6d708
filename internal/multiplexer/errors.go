package multiplexer

import "errors"

var (
	errNotConnected    = errors.New("multiplexer: upstream driver not connected")
	errGenericUpstream = errors.New("multiplexer: upstream chart error")
)
