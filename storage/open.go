package storage

import (
	"go.uber.org/zap"

	"github.com/outofforest/extmem/blocks"
	"github.com/outofforest/extmem/pkg/filedev"
	"github.com/outofforest/extmem/pkg/memdev"
	"github.com/outofforest/extmem/stats"
)

// DiskConfig describes the disk to open.
type DiskConfig struct {
	// Path is the path of the device file. For autogrowing disks it is the directory where scratch file is created.
	Path string `json:"path"`

	// Size is the size of the disk in bytes. Zero means the disk is an autogrowing scratch space.
	Size int64 `json:"size"`

	// Direct bypasses the page cache of the OS.
	Direct bool `json:"direct"`

	// Memory keeps the disk in memory. Path is ignored then.
	Memory bool `json:"memory"`
}

// Autogrow returns true if disk is extended on demand.
func (c DiskConfig) Autogrow() bool {
	return c.Size == 0
}

// Open opens the disk described by the config.
func Open(id blocks.DiskID, config DiskConfig, workers int, st *stats.Stats, log *zap.Logger) (*Disk, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var dev Dev
	switch {
	case config.Memory:
		dev = memdev.New(config.Size)
	case config.Autogrow():
		fd, err := filedev.OpenScratch(config.Path, config.Direct)
		if err != nil {
			return nil, err
		}
		dev = fd
	default:
		fd, err := filedev.Open(config.Path, config.Size, config.Direct)
		if err != nil {
			return nil, err
		}
		dev = fd
	}

	log.Debug("Disk opened",
		zap.Uint32("disk", uint32(id)),
		zap.String("path", config.Path),
		zap.Int64("size", config.Size),
		zap.Bool("direct", config.Direct),
		zap.Bool("memory", config.Memory))

	return NewDisk(id, dev, config.Autogrow(), workers, st, log), nil
}
