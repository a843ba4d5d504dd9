package hnsw

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/draco28/PulseDB/distance"
)

// fileMagic and fileVersion frame the persisted graph. A version bump means
// old files are rebuilt, not migrated; the store remains the source of
// truth.
const (
	fileMagic   = "PHNW"
	fileVersion = 1
)

// Meta is the JSON sidecar written next to the graph file. It lets open-time
// validation decide between load, incremental replay and full rebuild
// without decompressing the graph.
type Meta struct {
	Dimension      int    `json:"dimension"`
	M              int    `json:"m"`
	EFConstruction int    `json:"ef_construction"`
	EFSearch       int    `json:"ef_search"`
	Count          int    `json:"count"`
	BuiltAtCSN     uint64 `json:"built_at_csn"`
}

// MetaPath returns the sidecar path for a graph file.
func MetaPath(path string) string { return path + ".meta" }

// LoadMeta reads a sidecar. A missing or unreadable sidecar returns
// ErrRebuildRequired.
func LoadMeta(path string) (*Meta, error) {
	raw, err := os.ReadFile(MetaPath(path))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRebuildRequired, err)
	}
	var m Meta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: meta sidecar: %v", ErrRebuildRequired, err)
	}
	return &m, nil
}

// Save atomically writes the graph and its sidecar. The graph body is
// zstd-compressed; the write goes through a temp file and rename so a crash
// never leaves a torn index (a torn temp file is simply ignored on load).
func (x *Index) Save(path string) error {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	zw, err := zstd.NewWriter(bw)
	if err != nil {
		_ = f.Close()
		return err
	}

	if err := x.encodeGraph(zw); err != nil {
		_ = zw.Close()
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	meta := Meta{
		Dimension:      x.opts.Dimension,
		M:              x.opts.M,
		EFConstruction: x.opts.EFConstruction,
		EFSearch:       x.opts.EFSearch,
		Count:          x.liveCount,
		BuiltAtCSN:     x.builtAtCSN,
	}
	raw, err := json.Marshal(&meta)
	if err != nil {
		return err
	}
	metaTmp := MetaPath(path) + ".tmp"
	if err := os.WriteFile(metaTmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(metaTmp, MetaPath(path))
}

func (x *Index) encodeGraph(w io.Writer) error {
	var scratch [8]byte
	writeU32 := func(v uint32) error {
		binary.LittleEndian.PutUint32(scratch[:4], v)
		_, err := w.Write(scratch[:4])
		return err
	}
	writeU64 := func(v uint64) error {
		binary.LittleEndian.PutUint64(scratch[:], v)
		_, err := w.Write(scratch[:])
		return err
	}

	if _, err := io.WriteString(w, fileMagic); err != nil {
		return err
	}
	if _, err := w.Write([]byte{fileVersion, byte(x.opts.Metric)}); err != nil {
		return err
	}
	for _, v := range []uint32{
		uint32(x.opts.Dimension), uint32(x.opts.M),
		uint32(x.opts.EFConstruction), uint32(x.opts.EFSearch),
		uint32(len(x.keys)), x.entryPoint, uint32(int32(x.maxLevel)),
	} {
		if err := writeU32(v); err != nil {
			return err
		}
	}
	if err := writeU64(x.builtAtCSN); err != nil {
		return err
	}

	for id := range x.keys {
		if _, err := w.Write(x.keys[id][:]); err != nil {
			return err
		}
		if err := writeU32(uint32(x.levels[id])); err != nil {
			return err
		}
		for layer := 0; layer <= int(x.levels[id]); layer++ {
			conns := x.connsAt(uint32(id), layer)
			if err := writeU32(uint32(len(conns))); err != nil {
				return err
			}
			for _, c := range conns {
				if err := writeU32(c); err != nil {
					return err
				}
			}
		}
		for _, f := range x.vectors[id] {
			if err := writeU32(math.Float32bits(f)); err != nil {
				return err
			}
		}
	}

	tomb, err := x.tombstones.ToBytes()
	if err != nil {
		return err
	}
	if err := writeU32(uint32(len(tomb))); err != nil {
		return err
	}
	_, err = w.Write(tomb)
	return err
}

// Load reads a persisted graph. dim guards against sidecar drift; a mismatch
// returns ErrRebuildRequired rather than serving wrong-dimension vectors.
func Load(path string, dim int, optFns ...func(o *Options)) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRebuildRequired, err)
	}
	defer f.Close()

	zr, err := zstd.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
	}
	defer zr.Close()

	x, err := decodeGraph(zr, dim, optFns...)
	if err != nil {
		return nil, err
	}
	return x, nil
}

func decodeGraph(r io.Reader, dim int, optFns ...func(o *Options)) (*Index, error) {
	br := bufio.NewReader(r)
	var scratch [8]byte
	readU32 := func() (uint32, error) {
		if _, err := io.ReadFull(br, scratch[:4]); err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(scratch[:4]), nil
	}

	header := make([]byte, 6)
	if _, err := io.ReadFull(br, header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrIndexCorrupt, err)
	}
	if string(header[:4]) != fileMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrIndexCorrupt)
	}
	if header[4] != fileVersion {
		return nil, fmt.Errorf("%w: file version %d", ErrRebuildRequired, header[4])
	}
	metric := distance.Metric(header[5])

	var fields [7]uint32
	for i := range fields {
		v, err := readU32()
		if err != nil {
			return nil, fmt.Errorf("%w: header fields: %v", ErrIndexCorrupt, err)
		}
		fields[i] = v
	}
	if _, err := io.ReadFull(br, scratch[:]); err != nil {
		return nil, fmt.Errorf("%w: header csn: %v", ErrIndexCorrupt, err)
	}
	builtAtCSN := binary.LittleEndian.Uint64(scratch[:])

	storedDim := int(fields[0])
	if dim > 0 && storedDim != dim {
		return nil, fmt.Errorf("%w: stored dimension %d, want %d", ErrRebuildRequired, storedDim, dim)
	}

	x, err := New(func(o *Options) {
		o.Dimension = storedDim
		o.M = int(fields[1])
		o.EFConstruction = int(fields[2])
		o.EFSearch = int(fields[3])
		o.Metric = metric
		for _, fn := range optFns {
			fn(o)
		}
		o.Dimension = storedDim
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
	}

	count := int(fields[4])
	x.entryPoint = fields[5]
	x.maxLevel = int(int32(fields[6]))
	x.builtAtCSN = builtAtCSN

	const maxNodes = 1 << 28
	if count < 0 || count > maxNodes {
		return nil, fmt.Errorf("%w: node count %d", ErrIndexCorrupt, count)
	}

	x.keys = make([]Key, count)
	x.levels = make([]int32, count)
	x.conns = make([][][]uint32, count)
	x.vectors = make([][]float32, count)

	for id := 0; id < count; id++ {
		if _, err := io.ReadFull(br, x.keys[id][:]); err != nil {
			return nil, fmt.Errorf("%w: node key: %v", ErrIndexCorrupt, err)
		}
		level, err := readU32()
		if err != nil {
			return nil, fmt.Errorf("%w: node level: %v", ErrIndexCorrupt, err)
		}
		x.levels[id] = int32(level)
		node := make([][]uint32, level+1)
		for layer := 0; layer <= int(level); layer++ {
			n, err := readU32()
			if err != nil {
				return nil, fmt.Errorf("%w: connection count: %v", ErrIndexCorrupt, err)
			}
			if int(n) > x.maxConnsLayer0+1 {
				return nil, fmt.Errorf("%w: %d connections on layer %d", ErrIndexCorrupt, n, layer)
			}
			conns := make([]uint32, n)
			for i := range conns {
				c, err := readU32()
				if err != nil {
					return nil, fmt.Errorf("%w: connection: %v", ErrIndexCorrupt, err)
				}
				if int(c) >= count {
					return nil, fmt.Errorf("%w: connection id %d out of range", ErrIndexCorrupt, c)
				}
				conns[i] = c
			}
			node[layer] = conns
		}
		x.conns[id] = node

		vec := make([]float32, storedDim)
		for i := range vec {
			bits, err := readU32()
			if err != nil {
				return nil, fmt.Errorf("%w: vector: %v", ErrIndexCorrupt, err)
			}
			vec[i] = math.Float32frombits(bits)
		}
		x.vectors[id] = vec
		x.byKey[x.keys[id]] = uint32(id)
	}

	tombLen, err := readU32()
	if err != nil {
		return nil, fmt.Errorf("%w: tombstone length: %v", ErrIndexCorrupt, err)
	}
	tomb := make([]byte, tombLen)
	if _, err := io.ReadFull(br, tomb); err != nil {
		return nil, fmt.Errorf("%w: tombstones: %v", ErrIndexCorrupt, err)
	}
	if tombLen > 0 {
		bm := roaring.New()
		if err := bm.UnmarshalBinary(tomb); err != nil {
			return nil, fmt.Errorf("%w: tombstones: %v", ErrIndexCorrupt, err)
		}
		x.tombstones = bm
	}

	x.liveCount = count - int(x.tombstones.GetCardinality())
	if int(x.entryPoint) >= count && count > 0 {
		return nil, fmt.Errorf("%w: entry point %d out of range", ErrIndexCorrupt, x.entryPoint)
	}
	return x, nil
}

// RemoveFiles deletes the graph file and its sidecar, ignoring absence.
func RemoveFiles(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(MetaPath(path)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
