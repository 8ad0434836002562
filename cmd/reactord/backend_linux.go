//go:build linux

package main

import "github.com/ruaan-deysel/reactor/fdregistry"

// newDefaultBackend picks the Linux epoll backend: kernel-maintained
// interest set instead of the select backend's per-call fd_set rebuild.
func newDefaultBackend() (fdregistry.Backend, error) {
	return fdregistry.NewEpollBackend()
}
