package identity

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const sectorSize = 512

// SysfsReader reads block-device hardware information from /sys/block.
// Node paths are device paths like /dev/sda; the matching sysfs entry is
// /sys/block/sda.
type SysfsReader struct {
	// Root overrides /sys/block for tests.
	Root string
}

// ReadInfo implements NodeReader against sysfs.
func (r *SysfsReader) ReadInfo(ctx context.Context, path string) (NodeInfo, error) {
	if err := ctx.Err(); err != nil {
		return NodeInfo{}, err
	}
	name := filepath.Base(strings.TrimSpace(path))
	if name == "" || name == "." {
		return NodeInfo{}, errors.Errorf("identity: invalid node path %q", path)
	}
	root := r.Root
	if root == "" {
		root = "/sys/block"
	}
	base := filepath.Join(root, name)
	if _, err := os.Stat(base); err != nil {
		return NodeInfo{}, errors.Wrapf(err, "identity: sysfs entry for %s missing", name)
	}

	info := NodeInfo{Path: path}
	info.Serial = readSysfsFile(filepath.Join(base, "device", "serial"))
	info.Model = readSysfsFile(filepath.Join(base, "device", "model"))

	if raw := readSysfsFile(filepath.Join(base, "size")); raw != "" {
		if sectors, err := strconv.ParseInt(raw, 10, 64); err == nil {
			info.CapacityBytes = sectors * sectorSize
		}
	}

	info.Bus, info.BusAddress = readBusPosition(base)
	return info, nil
}

// readBusPosition classifies the bus from the resolved sysfs device symlink.
// USB-attached disks have "/usb" in their device path.
func readBusPosition(base string) (BusType, string) {
	target, err := filepath.EvalSymlinks(base)
	if err != nil {
		// Fall back to the symlink text itself when resolution fails.
		if raw, linkErr := os.Readlink(base); linkErr == nil {
			target = raw
		} else {
			return BusInternal, ""
		}
	}
	if strings.Contains(target, "/usb") {
		return BusUSB, target
	}
	return BusInternal, target
}

func readSysfsFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
