//go:build !windows

package config

import "golang.org/x/sys/unix"

func hostPageSize() int { return unix.Getpagesize() }
