package extmem

import (
	"os"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/extmem/blockmgr"
	"github.com/outofforest/extmem/blocks"
	"github.com/outofforest/extmem/scheduler"
	"github.com/outofforest/extmem/stats"
	"github.com/outofforest/extmem/storage"
)

// Config is the configuration of the engine.
type Config struct {
	// BlockSize is the raw size of swappable blocks in bytes.
	BlockSize int64 `json:"block_size"`

	// Budget is the maximum number of blocks kept in memory by the scheduler.
	Budget int `json:"budget"`

	// PrefetchBlocks is the number of buffers used to read blocks ahead.
	PrefetchBlocks int `json:"prefetch_blocks"`

	// WriteBlocks is the number of buffers used to write blocks back.
	WriteBlocks int `json:"write_blocks"`

	// Disks is the list of disks blocks are stored on.
	Disks []storage.DiskConfig `json:"disks"`

	// Strategy is the name of the placement strategy.
	Strategy string `json:"strategy"`

	// Seed initializes random placement strategies.
	Seed uint64 `json:"seed"`

	// Algorithm is the name of the initial scheduling algorithm.
	Algorithm string `json:"algorithm"`

	// Workers is the number of I/O workers per disk.
	Workers int `json:"workers"`

	// GrowBlocks is the minimal number of blocks autogrowing disk is extended by.
	GrowBlocks int64 `json:"grow_blocks"`

	Log *zap.Logger `json:"-"`
}

// DefaultConfig returns configuration using one autogrowing scratch disk in the temporary directory.
func DefaultConfig() Config {
	return Config{
		BlockSize:      blocks.DefaultBlockSize,
		Budget:         64,
		PrefetchBlocks: 8,
		WriteBlocks:    8,
		Disks: []storage.DiskConfig{
			{Path: os.TempDir()},
		},
		Strategy:   blockmgr.StripingStrategy,
		Algorithm:  scheduler.OnlineLRUName,
		Workers:    1,
		GrowBlocks: blockmgr.DefaultGrowBlocks,
	}
}

// LoadConfig reads configuration stored in JSON file. Missing fields take default values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.WithStack(err)
	}

	config := DefaultConfig()
	config.Disks = nil
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, errors.Wrapf(err, "parsing config file %s failed", path)
	}
	if len(config.Disks) == 0 {
		config.Disks = DefaultConfig().Disks
	}
	return config, nil
}

// Save stores configuration in JSON file.
func (c Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.WriteFile(path, data, 0o600))
}

// Stats contains statistics of the engine.
type Stats struct {
	Scheduler scheduler.Stats `json:"scheduler"`
	Blocks    blockmgr.Stats  `json:"blocks"`
	IO        stats.Snapshot  `json:"io"`
}

// Engine wires disks, block manager and scheduler together.
type Engine struct {
	log       *zap.Logger
	stats     *stats.Stats
	disks     []*storage.Disk
	manager   *blockmgr.Manager
	scheduler *scheduler.Scheduler
}

// New opens disks and creates the engine.
func New(config Config) (*Engine, error) {
	if config.Log == nil {
		config.Log = zap.NewNop()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if len(config.Disks) == 0 {
		return nil, errors.New("there are no disks")
	}

	algorithm, err := scheduler.NewAlgorithm(config.Algorithm, nil)
	if err != nil {
		return nil, err
	}
	if name := algorithm.Name(); name == scheduler.OfflineLFDName || name == scheduler.OfflineLRUPrefetchName {
		return nil, errors.Errorf("algorithm %s requires prediction sequence, switch to it after engine is created", name)
	}

	e := &Engine{
		log:   config.Log,
		stats: stats.New(),
	}

	for i, dc := range config.Disks {
		d, err := storage.Open(blocks.DiskID(i+1), dc, config.Workers, e.stats, config.Log)
		if err != nil {
			return nil, multierror.Append(err, e.closeDisks())
		}
		e.disks = append(e.disks, d)
	}

	e.manager, err = blockmgr.New(e.disks, config.BlockSize, blockmgr.Config{
		GrowBlocks: config.GrowBlocks,
		Log:        config.Log,
	})
	if err != nil {
		return nil, multierror.Append(err, e.closeDisks())
	}

	strategy, err := blockmgr.StrategyByName(config.Strategy, len(e.disks), config.Seed)
	if err != nil {
		return nil, multierror.Append(err, e.closeDisks())
	}

	e.scheduler, err = scheduler.New(scheduler.Config{
		Manager:        e.manager,
		Strategy:       strategy,
		Budget:         config.Budget,
		PrefetchBlocks: config.PrefetchBlocks,
		WriteBlocks:    config.WriteBlocks,
		Algorithm:      algorithm,
		Log:            config.Log,
	})
	if err != nil {
		return nil, multierror.Append(err, e.closeDisks())
	}

	config.Log.Info("Engine started",
		zap.Int("disks", len(e.disks)),
		zap.Int64("blockSize", config.BlockSize),
		zap.Int("budget", config.Budget),
		zap.String("algorithm", algorithm.Name()))

	return e, nil
}

// Scheduler returns the block scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler {
	return e.scheduler
}

// Manager returns the block manager.
func (e *Engine) Manager() *blockmgr.Manager {
	return e.manager
}

// Stats returns current statistics.
func (e *Engine) Stats() Stats {
	return Stats{
		Scheduler: e.scheduler.Stats(),
		Blocks:    e.manager.Stats(),
		IO:        e.stats.Snapshot(),
	}
}

// Close flushes modified blocks, releases all the blocks and closes disks.
func (e *Engine) Close() error {
	var errs error
	if !e.scheduler.IsSimulating() {
		if err := e.scheduler.Flush(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := e.scheduler.Close(); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := e.closeDisks(); err != nil {
		errs = multierror.Append(errs, err)
	}

	e.log.Info("Engine closed", zap.Stringer("io", e.stats.Snapshot()))
	return errs
}

func (e *Engine) closeDisks() error {
	var errs error
	for _, d := range e.disks {
		if err := d.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	e.disks = nil
	return errs
}
