package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// NodeProvider returns the raw device node paths currently visible in the
// OS device namespace.
type NodeProvider interface {
	ListNodes(ctx context.Context) ([]string, error)
}

// virtualPrefixes are block entries that are not physical disks. The
// namespace scan only reports whole disks; partitions never appear in
// /sys/block.
var virtualPrefixes = []string{"loop", "ram", "zram", "dm-", "md", "sr", "fd", "nbd"}

// SysfsNodeProvider lists whole-disk block nodes from /sys/block.
type SysfsNodeProvider struct {
	// Root overrides /sys/block for tests.
	Root string
	// DevRoot overrides /dev for tests.
	DevRoot string
}

// ListNodes implements NodeProvider.
func (p *SysfsNodeProvider) ListNodes(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	root := p.Root
	if root == "" {
		root = "/sys/block"
	}
	devRoot := p.DevRoot
	if devRoot == "" {
		devRoot = "/dev"
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrap(err, "watcher: read block namespace failed")
	}
	nodes := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if isVirtual(name) {
			continue
		}
		nodes = append(nodes, filepath.Join(devRoot, name))
	}
	sort.Strings(nodes)
	return nodes, nil
}

func isVirtual(name string) bool {
	for _, prefix := range virtualPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
