package vector

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/themisdb/themis/pkg/errs"
)

// SaveToFiles writes the index's full state into dir as meta.txt,
// labels.txt and index.bin (spec.md §4.3: "persisted as meta.txt +
// labels.txt + index.bin"). Intended to run on clean shutdown; dir is
// created if absent.
func (ix *Index) SaveToFiles(dir string) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.New("vector.SaveToFiles", errs.StorageUnavailable, dir, err)
	}

	if err := ix.writeMeta(filepath.Join(dir, "meta.txt")); err != nil {
		return err
	}
	if err := ix.writeLabels(filepath.Join(dir, "labels.txt")); err != nil {
		return err
	}
	if err := ix.writeGraph(filepath.Join(dir, "index.bin")); err != nil {
		return err
	}
	return nil
}

func (ix *Index) writeMeta(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.New("vector.writeMeta", errs.StorageUnavailable, path, err)
	}
	defer f.Close()

	entry := 0
	if ix.hasEntry {
		entry = 1
	}
	fmt.Fprintf(f, "dimension=%d\n", ix.opts.Dimension)
	fmt.Fprintf(f, "metric=%s\n", ix.opts.Metric)
	fmt.Fprintf(f, "m=%d\n", ix.opts.m())
	fmt.Fprintf(f, "ef_construction=%d\n", ix.opts.efConstruction())
	fmt.Fprintf(f, "ef_search=%d\n", ix.opts.efSearch())
	fmt.Fprintf(f, "max_level=%d\n", ix.maxLevel)
	fmt.Fprintf(f, "entry_point=%d\n", ix.entryPoint)
	fmt.Fprintf(f, "has_entry=%d\n", entry)
	fmt.Fprintf(f, "next_label=%d\n", ix.nextLabel)
	return nil
}

// writeLabels records label -> pk, one per line, so LoadFromFiles can
// rebuild pkToLabel without touching index.bin.
func (ix *Index) writeLabels(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.New("vector.writeLabels", errs.StorageUnavailable, path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for label, n := range ix.nodes {
		fmt.Fprintf(w, "%d\t%s\n", label, n.pk)
	}
	return w.Flush()
}

// writeGraph encodes each node's vector and per-layer neighbor lists in
// a flat binary format: label, level, dimension floats, then per layer
// a neighbor count and the neighbor labels.
func (ix *Index) writeGraph(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.New("vector.writeGraph", errs.StorageUnavailable, path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(ix.nodes)))
	if _, err := w.Write(hdr[:]); err != nil {
		return errs.New("vector.writeGraph", errs.StorageUnavailable, path, err)
	}

	for label, n := range ix.nodes {
		if err := writeUint32(w, label); err != nil {
			return err
		}
		if err := writeUint32(w, uint32(n.level)); err != nil {
			return err
		}
		for _, x := range n.vector {
			if err := binary.Write(w, binary.BigEndian, x); err != nil {
				return errs.New("vector.writeGraph", errs.StorageUnavailable, path, err)
			}
		}
		for l := 0; l <= n.level; l++ {
			neighbors := n.neighbors[l]
			if err := writeUint32(w, uint32(len(neighbors))); err != nil {
				return err
			}
			for _, nb := range neighbors {
				if err := writeUint32(w, nb); err != nil {
					return err
				}
			}
		}
	}
	return w.Flush()
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	if err != nil {
		return errs.New("vector.writeUint32", errs.StorageUnavailable, "", err)
	}
	return nil
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// LoadFromFiles replaces ix's in-memory graph with the contents of
// dir's meta.txt/labels.txt/index.bin. pkg/themisdb calls it when the
// index is registered (CreateIndex, or Open replaying the catalog),
// not on the first search. A dimension or metric mismatch
// between the on-disk meta and ix's configured Options is refused.
func (ix *Index) LoadFromFiles(dir string) error {
	meta, err := readMeta(filepath.Join(dir, "meta.txt"))
	if err != nil {
		return err
	}
	if meta.dimension != ix.opts.Dimension {
		return errs.New("vector.LoadFromFiles", errs.DimensionMismatch, dir, nil)
	}
	if Metric(meta.metric) != ix.opts.Metric {
		return errs.New("vector.LoadFromFiles", errs.SchemaViolation, dir, fmt.Errorf("metric mismatch: on-disk %s, configured %s", meta.metric, ix.opts.Metric))
	}

	labels, err := readLabels(filepath.Join(dir, "labels.txt"))
	if err != nil {
		return err
	}

	nodes, err := ix.readGraph(filepath.Join(dir, "index.bin"), labels)
	if err != nil {
		return err
	}

	pkToLabel := make(map[string]uint32, len(labels))
	for label, pk := range labels {
		pkToLabel[pk] = label
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.nodes = nodes
	ix.pkToLabel = pkToLabel
	ix.maxLevel = meta.maxLevel
	ix.entryPoint = meta.entryPoint
	ix.hasEntry = meta.hasEntry
	ix.nextLabel = meta.nextLabel
	ix.brokenGraph = false
	return nil
}

type metaInfo struct {
	dimension         int
	metric            string
	m, efConstruction int
	efSearch          int
	maxLevel          int
	entryPoint        uint32
	hasEntry          bool
	nextLabel         uint32
}

func readMeta(path string) (metaInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return metaInfo{}, errs.New("vector.readMeta", errs.StorageUnavailable, path, err)
	}
	defer f.Close()

	values := map[string]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		for i := 0; i < len(line); i++ {
			if line[i] == '=' {
				values[line[:i]] = line[i+1:]
				break
			}
		}
	}

	var m metaInfo
	m.dimension = atoi(values["dimension"])
	m.metric = values["metric"]
	m.m = atoi(values["m"])
	m.efConstruction = atoi(values["ef_construction"])
	m.efSearch = atoi(values["ef_search"])
	m.maxLevel = atoi(values["max_level"])
	m.entryPoint = uint32(atoi(values["entry_point"]))
	m.hasEntry = values["has_entry"] == "1"
	m.nextLabel = uint32(atoi(values["next_label"]))
	return m, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func readLabels(path string) (map[uint32]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.New("vector.readLabels", errs.StorageUnavailable, path, err)
	}
	defer f.Close()

	out := map[uint32]string{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		for i := 0; i < len(line); i++ {
			if line[i] == '\t' {
				label := uint32(atoi(line[:i]))
				out[label] = line[i+1:]
				break
			}
		}
	}
	return out, nil
}

func (ix *Index) readGraph(path string, labels map[uint32]string) (map[uint32]*node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.New("vector.readGraph", errs.StorageUnavailable, path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	count, err := readUint32(r)
	if err != nil {
		return nil, errs.New("vector.readGraph", errs.StorageUnavailable, path, err)
	}

	nodes := make(map[uint32]*node, count)
	for i := uint32(0); i < count; i++ {
		label, err := readUint32(r)
		if err != nil {
			return nil, errs.New("vector.readGraph", errs.StorageUnavailable, path, err)
		}
		level32, err := readUint32(r)
		if err != nil {
			return nil, errs.New("vector.readGraph", errs.StorageUnavailable, path, err)
		}
		level := int(level32)

		vec := make([]float32, ix.opts.Dimension)
		for j := range vec {
			if err := binary.Read(r, binary.BigEndian, &vec[j]); err != nil {
				return nil, errs.New("vector.readGraph", errs.StorageUnavailable, path, err)
			}
		}

		n := &node{label: label, pk: labels[label], vector: vec, level: level, neighbors: make([][]uint32, level+1)}
		for l := 0; l <= level; l++ {
			nc, err := readUint32(r)
			if err != nil {
				return nil, errs.New("vector.readGraph", errs.StorageUnavailable, path, err)
			}
			neighbors := make([]uint32, nc)
			for k := range neighbors {
				nb, err := readUint32(r)
				if err != nil {
					return nil, errs.New("vector.readGraph", errs.StorageUnavailable, path, err)
				}
				neighbors[k] = nb
			}
			n.neighbors[l] = neighbors
		}
		nodes[label] = n
	}
	return nodes, nil
}
