package collect

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/host"
)

// OSInfo returns a human-readable operating system description, e.g.
// "ubuntu 22.04" or "Microsoft Windows 11 Pro 10.0.22631". Sent once at
// registration so admins can review what they are admitting.
func OSInfo() string {
	info, err := host.Info()
	if err != nil {
		return fmt.Sprintf("%s %s", runtime.GOOS, runtime.GOARCH)
	}

	parts := []string{info.Platform}
	if info.PlatformVersion != "" {
		parts = append(parts, info.PlatformVersion)
	}
	desc := strings.TrimSpace(strings.Join(parts, " "))
	if desc == "" {
		return fmt.Sprintf("%s %s", runtime.GOOS, runtime.GOARCH)
	}
	return desc
}
