package util

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Platform represents the current operating system.
type Platform string

const (
	PlatformWindows Platform = "windows"
	PlatformLinux   Platform = "linux"
	PlatformDarwin  Platform = "darwin"
	PlatformUnknown Platform = "unknown"
)

// GetPlatform returns the current platform.
func GetPlatform() Platform {
	switch runtime.GOOS {
	case "windows":
		return PlatformWindows
	case "linux":
		return PlatformLinux
	case "darwin":
		return PlatformDarwin
	default:
		return PlatformUnknown
	}
}

// SystemInfo holds information about the host system. OSName, OSBuild and
// OSVersion feed the osn/osb/osv members of the agent host report.
type SystemInfo struct {
	Platform      Platform `json:"platform"`
	Hostname      string   `json:"hostname"`
	OSName        string   `json:"os_name"`
	OSBuild       string   `json:"os_build"`
	OSVersion     string   `json:"os_version"`
	KernelVersion string   `json:"kernel_version"`
	Architecture  string   `json:"architecture"`
	CPUModel      string   `json:"cpu_model"`
	CPUCores      int      `json:"cpu_cores"`
	TotalMemory   uint64   `json:"total_memory_mb"`
}

// GetSystemInfo gathers system information. Fields gopsutil cannot read on
// this host are left at their runtime defaults.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		Platform:     GetPlatform(),
		OSName:       runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	if hostInfo, err := host.Info(); err == nil {
		if hostInfo.Platform != "" {
			info.OSName = hostInfo.Platform
		}
		info.OSVersion = hostInfo.PlatformVersion
		info.OSBuild = hostInfo.KernelVersion
		info.KernelVersion = fmt.Sprintf("%s %s", hostInfo.KernelArch, hostInfo.KernelVersion)
	}

	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / (1024 * 1024)
	}

	return info
}

// ResourceUsage is a point-in-time view of host load.
type ResourceUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// GetResourceUsage samples current CPU and memory usage.
func GetResourceUsage() (*ResourceUsage, error) {
	usage := &ResourceUsage{}

	percentages, err := cpu.Percent(0, false)
	if err != nil {
		return nil, fmt.Errorf("failed to read cpu usage: %w", err)
	}
	if len(percentages) > 0 {
		usage.CPUPercent = percentages[0]
	}

	memInfo, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to read memory usage: %w", err)
	}
	usage.MemoryUsedMB = memInfo.Used / (1024 * 1024)
	usage.MemoryPercent = memInfo.UsedPercent

	return usage, nil
}

// DiskUsage is the usage of the filesystem holding a path.
type DiskUsage struct {
	TotalMB     uint64  `json:"total_mb"`
	FreeMB      uint64  `json:"free_mb"`
	UsedPercent float64 `json:"used_percent"`
}

// GetDiskUsage reports usage for the filesystem that holds path. A path
// that does not exist yet is resolved to its nearest existing parent.
func GetDiskUsage(path string) (*DiskUsage, error) {
	for path != "" && !FileExists(path) {
		parent := filepath.Dir(path)
		if parent == path {
			break
		}
		path = parent
	}
	if path == "" {
		path = "."
	}

	usage, err := disk.Usage(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read disk usage of %s: %w", path, err)
	}
	return &DiskUsage{
		TotalMB:     usage.Total / (1024 * 1024),
		FreeMB:      usage.Free / (1024 * 1024),
		UsedPercent: usage.UsedPercent,
	}, nil
}

// FileExists checks if a file or directory exists at the given path.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// EnsureDir creates a directory and all parent directories if they don't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
