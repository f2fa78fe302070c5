package collection

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/knirvcorp/spectrallda/internal/types"
)

var ErrDuplicateDocument = errors.New("collection: duplicate document id")

// Collection is a partitioned, read-only set of documents. Partitions are
// disjoint and may be scanned concurrently.
type Collection interface {
	NumPartitions() int
	Scan(ctx context.Context, partition int, fn func(*types.Document) error) error
}

// PassStats describes one completed map/reduce pass.
type PassStats struct {
	Partitions int
	Documents  int
	Duration   time.Duration
}

// Options controls how a pass is executed.
type Options struct {
	// Workers bounds the number of partitions scanned at once. Zero or
	// negative means one worker per partition.
	Workers int
	// Observer, if set, is called after every successful pass.
	Observer func(PassStats)
}

// Aggregate folds every document of c into an accumulator. Each partition
// gets its own accumulator from zero and is folded with seq on its own
// goroutine; partials are then merged with comb in partition order so the
// result does not depend on scheduling.
func Aggregate[A any](
	ctx context.Context,
	c Collection,
	opts Options,
	zero func() A,
	seq func(acc A, doc *types.Document) (A, error),
	comb func(a, b A) A,
) (A, error) {
	start := time.Now()
	n := c.NumPartitions()
	partials := make([]A, n)
	counts := make([]int, n)
	errs := make([]error, n)

	workers := opts.Workers
	if workers <= 0 || workers > n {
		workers = n
	}
	sem := make(chan struct{}, max(workers, 1))

	var wg sync.WaitGroup
	for p := 0; p < n; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			acc := zero()
			err := c.Scan(ctx, p, func(doc *types.Document) error {
				var err error
				acc, err = seq(acc, doc)
				counts[p]++
				return err
			})
			partials[p] = acc
			errs[p] = err
		}(p)
	}
	wg.Wait()

	result := zero()
	docs := 0
	for p := 0; p < n; p++ {
		if errs[p] != nil {
			var empty A
			return empty, fmt.Errorf("partition %d: %w", p, errs[p])
		}
		result = comb(result, partials[p])
		docs += counts[p]
	}

	if opts.Observer != nil {
		opts.Observer(PassStats{Partitions: n, Documents: docs, Duration: time.Since(start)})
	}
	return result, nil
}

// LocalCollection keeps documents in memory, sharded by a hash of their id.
type LocalCollection struct {
	mu         sync.RWMutex
	partitions [][]*types.Document
	ids        map[string]struct{}
}

func NewLocalCollection(partitions int) *LocalCollection {
	if partitions <= 0 {
		partitions = 1
	}
	return &LocalCollection{
		partitions: make([][]*types.Document, partitions),
		ids:        make(map[string]struct{}),
	}
}

// FromDocuments builds a LocalCollection holding docs.
func FromDocuments(partitions int, docs []*types.Document) (*LocalCollection, error) {
	c := NewLocalCollection(partitions)
	for _, d := range docs {
		if err := c.Insert(d); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *LocalCollection) Insert(doc *types.Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.ids[doc.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateDocument, doc.ID)
	}
	c.ids[doc.ID] = struct{}{}
	p := PartitionFor(doc.ID, len(c.partitions))
	c.partitions[p] = append(c.partitions[p], doc)
	return nil
}

// Len returns the number of stored documents.
func (c *LocalCollection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

func (c *LocalCollection) NumPartitions() int {
	return len(c.partitions)
}

func (c *LocalCollection) Scan(ctx context.Context, partition int, fn func(*types.Document) error) error {
	if partition < 0 || partition >= len(c.partitions) {
		return fmt.Errorf("collection: partition %d out of range", partition)
	}
	c.mu.RLock()
	docs := c.partitions[partition]
	c.mu.RUnlock()

	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

// PartitionFor maps a document id onto one of n partitions.
func PartitionFor(id string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(id))
	return int(h.Sum32() % uint32(n))
}
