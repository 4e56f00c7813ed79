package usbdev

import (
	"fmt"
	"strings"
)

// hwidMatches reports whether any Windows hardware id, or the device
// interface path, names vendor and product ("VID_0403&PID_6001").
func hwidMatches(ids []string, path string, vendor, product uint16) bool {
	vid := fmt.Sprintf("VID_%04X", vendor)
	pid := fmt.Sprintf("PID_%04X", product)
	for _, s := range append(ids, path) {
		u := strings.ToUpper(s)
		if strings.Contains(u, vid) && (product == 0 || strings.Contains(u, pid)) {
			return true
		}
	}
	return false
}

// serialFromPath extracts the serial number segment of a Windows device
// interface path such as \\?\usb#vid_0403&pid_6001#A50285BI#{guid}.
func serialFromPath(path string) string {
	parts := strings.Split(path, "#")
	if len(parts) < 3 {
		return ""
	}
	s := parts[2]
	if strings.ContainsAny(s, "&{") {
		return ""
	}
	return s
}
