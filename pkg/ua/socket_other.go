//go:build !linux && !darwin

package ua

import "syscall"

// reuseControl на остальных платформах сокет не настраивается.
func reuseControl(network, address string, c syscall.RawConn) error {
	return nil
}
