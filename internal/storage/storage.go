// Package storage persists corpora on disk and reads them back as
// partitioned collections.
package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/knirvcorp/spectrallda/internal/collection"
	"github.com/knirvcorp/spectrallda/internal/types"
)

var (
	ErrCorpusExists   = errors.New("storage: corpus already exists")
	ErrCorpusNotFound = errors.New("storage: corpus not found")
	ErrInvalidName    = errors.New("storage: invalid corpus name")
)

const manifestName = "manifest.json"

// Manifest describes a stored corpus.
type Manifest struct {
	Name       string    `json:"name"`
	VocabSize  int       `json:"vocabSize"`
	Partitions int       `json:"partitions"`
	Documents  int       `json:"documents"`
	Created    time.Time `json:"created"`
}

// record is the on-disk form of a document, one JSON object per line.
type record struct {
	ID    string       `json:"id"`
	Terms []types.Term `json:"terms"`
}

// FileStorage keeps each corpus in its own directory: a manifest plus one
// JSON-lines file per partition.
type FileStorage struct {
	baseDir string
	mu      sync.RWMutex
	// ids caches the document ids of each corpus, loaded on first insert.
	ids map[string]map[string]struct{}
}

func NewFileStorage(baseDir string) (*FileStorage, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}
	return &FileStorage{baseDir: baseDir, ids: make(map[string]map[string]struct{})}, nil
}

// corpusDir resolves a corpus name to its directory. Names must be a single
// path element.
func (fs *FileStorage) corpusDir(name string) (string, error) {
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(fs.baseDir, name), nil
}

func partitionPath(dir string, p int) string {
	return filepath.Join(dir, fmt.Sprintf("part-%05d.jsonl", p))
}

// Create registers an empty corpus.
func (fs *FileStorage) Create(name string, vocabSize, partitions int) error {
	if vocabSize <= 0 || partitions <= 0 {
		return fmt.Errorf("storage: corpus %s needs positive vocabulary and partitions", name)
	}
	dir, err := fs.corpusDir(name)
	if err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, err := os.Stat(filepath.Join(dir, manifestName)); err == nil {
		return fmt.Errorf("%w: %s", ErrCorpusExists, name)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := writeManifest(dir, Manifest{
		Name:       name,
		VocabSize:  vocabSize,
		Partitions: partitions,
		Created:    time.Now().UTC(),
	}); err != nil {
		return err
	}
	fs.ids[name] = make(map[string]struct{})
	return nil
}

// Insert appends documents to a corpus, routing each by its id. Ids already
// in the corpus, or repeated within docs, are rejected and nothing is
// written. A failed write leaves the corpus as it was.
func (fs *FileStorage) Insert(name string, docs ...*types.Document) error {
	dir, err := fs.corpusDir(name)
	if err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	m, err := readManifest(dir)
	if err != nil {
		return err
	}
	ids, err := fs.corpusIDs(name, dir, m)
	if err != nil {
		return err
	}

	batch := make(map[string]struct{}, len(docs))
	byPartition := make(map[int][]*types.Document)
	for _, d := range docs {
		if d.VocabSize() != m.VocabSize {
			return fmt.Errorf("storage: document %s has vocabulary %d, corpus %s has %d", d.ID, d.VocabSize(), name, m.VocabSize)
		}
		if _, ok := ids[d.ID]; ok {
			return fmt.Errorf("%w: %s", collection.ErrDuplicateDocument, d.ID)
		}
		if _, ok := batch[d.ID]; ok {
			return fmt.Errorf("%w: %s", collection.ErrDuplicateDocument, d.ID)
		}
		batch[d.ID] = struct{}{}
		p := collection.PartitionFor(d.ID, m.Partitions)
		byPartition[p] = append(byPartition[p], d)
	}

	sizes := make(map[int]int64, len(byPartition))
	rollback := func() {
		for p, size := range sizes {
			path := partitionPath(dir, p)
			if size < 0 {
				os.Remove(path)
			} else {
				os.Truncate(path, size)
			}
		}
	}
	for p, group := range byPartition {
		path := partitionPath(dir, p)
		sizes[p] = -1
		if st, err := os.Stat(path); err == nil {
			sizes[p] = st.Size()
		}
		if err := appendRecords(path, group); err != nil {
			rollback()
			return fmt.Errorf("storage: partition %d: %w", p, err)
		}
	}
	m.Documents += len(docs)
	if err := writeManifest(dir, m); err != nil {
		rollback()
		return err
	}
	for id := range batch {
		ids[id] = struct{}{}
	}
	return nil
}

// corpusIDs returns the cached id set of a corpus, reading it from the
// partition files the first time. Callers hold fs.mu.
func (fs *FileStorage) corpusIDs(name, dir string, m Manifest) (map[string]struct{}, error) {
	if ids, ok := fs.ids[name]; ok {
		return ids, nil
	}
	ids := make(map[string]struct{}, m.Documents)
	for p := 0; p < m.Partitions; p++ {
		f, err := os.Open(partitionPath(dir, p))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		dec := json.NewDecoder(bufio.NewReader(f))
		for dec.More() {
			var r struct {
				ID string `json:"id"`
			}
			if err := dec.Decode(&r); err != nil {
				f.Close()
				return nil, fmt.Errorf("storage: partition %d: %w", p, err)
			}
			ids[r.ID] = struct{}{}
		}
		f.Close()
	}
	fs.ids[name] = ids
	return ids, nil
}

func appendRecords(path string, docs []*types.Document) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, d := range docs {
		if err := enc.Encode(record{ID: d.ID, Terms: d.Terms()}); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Manifest returns the manifest of a stored corpus.
func (fs *FileStorage) Manifest(name string) (Manifest, error) {
	dir, err := fs.corpusDir(name)
	if err != nil {
		return Manifest{}, err
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return readManifest(dir)
}

// List returns the names of all stored corpora.
func (fs *FileStorage) List() ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	entries, err := os.ReadDir(fs.baseDir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(fs.baseDir, e.Name(), manifestName)); err == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (fs *FileStorage) Delete(name string) error {
	dir, err := fs.corpusDir(name)
	if err != nil {
		return err
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, err := readManifest(dir); err != nil {
		return err
	}
	delete(fs.ids, name)
	return os.RemoveAll(dir)
}

// Open returns a read-only view of a corpus for distributed passes.
func (fs *FileStorage) Open(name string) (*StoredCollection, error) {
	dir, err := fs.corpusDir(name)
	if err != nil {
		return nil, err
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	m, err := readManifest(dir)
	if err != nil {
		return nil, err
	}
	return &StoredCollection{fs: fs, dir: dir, manifest: m}, nil
}

func readManifest(dir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return m, fmt.Errorf("%w: %s", ErrCorpusNotFound, filepath.Base(dir))
		}
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("storage: manifest %s: %w", dir, err)
	}
	return m, nil
}

func writeManifest(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, manifestName+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, manifestName))
}

// StoredCollection streams a corpus partition by partition from disk.
type StoredCollection struct {
	fs       *FileStorage
	dir      string
	manifest Manifest
}

var _ collection.Collection = (*StoredCollection)(nil)

func (c *StoredCollection) Manifest() Manifest { return c.manifest }

func (c *StoredCollection) NumPartitions() int { return c.manifest.Partitions }

func (c *StoredCollection) Scan(ctx context.Context, partition int, fn func(*types.Document) error) error {
	if partition < 0 || partition >= c.manifest.Partitions {
		return fmt.Errorf("storage: partition %d out of range", partition)
	}
	c.fs.mu.RLock()
	defer c.fs.mu.RUnlock()

	f, err := os.Open(partitionPath(c.dir, partition))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var r record
		if err := dec.Decode(&r); err != nil {
			return fmt.Errorf("storage: partition %d: %w", partition, err)
		}
		doc, err := types.NewDocument(r.ID, c.manifest.VocabSize, r.Terms)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}
