package engine

import (
	"fmt"
	"runtime"

	"github.com/notargets/matfree/lanes"
	"github.com/notargets/matfree/taskgraph"
)

// Config is the setup-time configuration surface of the engine.
type Config struct {
	// Strategy selects the thread-parallelization scheme of the batch
	// loop; the zero value taskgraph.None runs single-threaded. Most
	// callers want taskgraph.PartitionPartition.
	Strategy taskgraph.Strategy

	// TaskBlockSize is the number of batches per scheduled task; zero
	// picks one automatically
	TaskBlockSize int

	// Width is the SIMD lane count per batch; zero uses
	// lanes.DefaultWidth
	Width int

	// Concurrency hints at worker parallelism; zero uses GOMAXPROCS
	Concurrency int

	// StorePlainIndices keeps an unresolved copy of the index tables
	// for callers reading through constraints themselves
	StorePlainIndices bool

	// OverlapCommunicationComputation defers the ghost-import finish
	// until the first partition that reads off-rank data
	OverlapCommunicationComputation bool

	// CellVectorizationCategoriesStrict forbids merging cells of
	// different categories into one batch
	CellVectorizationCategoriesStrict bool

	// CellCategories optionally tags every cell; nil means one
	// category
	CellCategories []int

	// CategorySizes maps categories to local DoF layout sizes, used to
	// decide merge compatibility in non-strict mode
	CategorySizes map[int]int
}

func (c *Config) normalize(nCells int) error {
	if c.Width == 0 {
		c.Width = lanes.DefaultWidth
	}
	if c.Width < 0 {
		return fmt.Errorf("invalid lane width %d", c.Width)
	}
	if c.Concurrency == 0 {
		c.Concurrency = runtime.GOMAXPROCS(0)
	}
	if c.TaskBlockSize < 0 {
		return fmt.Errorf("negative task block size %d", c.TaskBlockSize)
	}
	if c.CellCategories != nil && len(c.CellCategories) != nCells {
		return fmt.Errorf("category array covers %d cells, mesh has %d",
			len(c.CellCategories), nCells)
	}
	return nil
}
