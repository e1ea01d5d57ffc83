package network

import "errors"

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrInvalidTLSConfig = errors.New("invalid TLS configuration")
	ErrListenerClosed   = errors.New("listener closed")
)
