//go:build windows

package config

import "golang.org/x/sys/windows"

func hostPageSize() int {
	var info windows.SystemInfo
	windows.GetSystemInfo(&info)
	return int(info.PageSize)
}
