//go:build !linux
// +build !linux

// File: reactor/reactor_stub.go
//
// Stub backend for unsupported platforms. Epoll is Linux-only and the
// target deployment for this client is Linux server/container hosts; see
// DESIGN.md for why no IOCP/kqueue backend was added.

package reactor

import "errors"

// ErrNotSupported is returned by newBackend on platforms without a backend.
var ErrNotSupported = errors.New("reactor: this platform is not supported")

func newBackend() (backend, error) {
	return nil, ErrNotSupported
}
