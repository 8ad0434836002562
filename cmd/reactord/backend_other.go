//go:build !linux

package main

import "github.com/ruaan-deysel/reactor/fdregistry"

// newDefaultBackend picks the portable select backend on platforms
// without an epoll implementation wired up.
func newDefaultBackend() (fdregistry.Backend, error) {
	return fdregistry.NewSelectBackend(), nil
}
