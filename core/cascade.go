package acf

import (
	"bytes"
	"encoding/binary"
	"image"
	"math"

	"github.com/pkg/errors"
)

// cascadeMagic identifies the packed cascade format.
const cascadeMagic = 0x31464341 // "ACF1" little endian

// Classifier is a boosted forest of shallow trees stored as parallel
// arrays. Each tree occupies NTreeNodes consecutive entries; a full tree of
// depth d has 2^(d+1)-1 nodes. TreeDepth 0 marks a variable depth encoding
// where Child holds the left child index of each node and 0 denotes a leaf.
type Classifier struct {
	TreeDepth  int
	NTrees     int
	NTreeNodes int

	Fids  []uint32
	Thrs  []float32
	Child []uint32
	Hs    []float32

	// ThrsU8 holds thresholds pre-scaled to the u8 channel range, built on
	// demand for integer channel stacks.
	ThrsU8 []uint8

	ModelDs    image.Point
	ModelDsPad image.Point
	CascThr    float64
}

// Validate checks the structural invariants of the model. Any violation is
// a configuration error, fatal at load time.
func (c *Classifier) Validate() error {
	if c.TreeDepth < 0 || c.TreeDepth > 8 {
		return errors.Errorf("unsupported tree depth %d", c.TreeDepth)
	}
	if c.TreeDepth > 0 {
		if want := 1<<(c.TreeDepth+1) - 1; c.NTreeNodes != want {
			return errors.Errorf("depth %d tree needs %d nodes, model has %d", c.TreeDepth, want, c.NTreeNodes)
		}
	} else if len(c.Child) != c.NTrees*c.NTreeNodes {
		return errors.Errorf("variable depth model misses child table")
	}
	n := c.NTrees * c.NTreeNodes
	if len(c.Fids) != n || len(c.Thrs) != n || len(c.Hs) != n {
		return errors.Errorf("tree arrays have inconsistent shape")
	}
	if c.TreeDepth == 0 {
		for i, ch := range c.Child {
			if ch != 0 && int(ch)+1 >= c.NTreeNodes {
				return errors.Errorf("child index %d out of range at node %d", ch, i)
			}
		}
	}
	if c.ModelDs.X <= 0 || c.ModelDs.Y <= 0 {
		return errors.Errorf("invalid model window %v", c.ModelDs)
	}
	return nil
}

// ScaledThresholds returns the u8 rendition of the thresholds, scaling by
// 255 and rounding to nearest with ties to even. The result is cached.
func (c *Classifier) ScaledThresholds() []uint8 {
	if c.ThrsU8 != nil {
		return c.ThrsU8
	}
	out := make([]uint8, len(c.Thrs))
	for i, t := range c.Thrs {
		v := math.RoundToEven(float64(t * 255))
		if v < 0 {
			v = 0
		} else if v > 255 {
			v = 255
		}
		out[i] = uint8(v)
	}
	c.ThrsU8 = out
	return out
}

// Calibrate shifts every leaf score by delta, offsetting the effective
// early reject threshold to trade precision for recall.
func (c *Classifier) Calibrate(delta float64) {
	if delta == 0 {
		return
	}
	d := float32(delta)
	for i := range c.Hs {
		c.Hs[i] += d
	}
}

// UnpackCascade unpacks a binary cascade model. The layout is little
// endian: a magic word, the tree geometry and model window, then the fid,
// threshold, child and leaf score arrays, and finally the reject threshold.
func UnpackCascade(packet []byte) (*Classifier, error) {
	r := bytes.NewReader(packet)
	var hdr struct {
		Magic      uint32
		TreeDepth  uint32
		NTrees     uint32
		NTreeNodes uint32
		ModelDsW   uint32
		ModelDsH   uint32
		ModelPadW  uint32
		ModelPadH  uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "cascade header")
	}
	if hdr.Magic != cascadeMagic {
		return nil, errors.Errorf("bad cascade magic %#x", hdr.Magic)
	}
	n := int(hdr.NTrees) * int(hdr.NTreeNodes)
	if n <= 0 || n > 1<<28 {
		return nil, errors.Errorf("implausible tree shape %dx%d", hdr.NTrees, hdr.NTreeNodes)
	}
	clf := &Classifier{
		TreeDepth:  int(hdr.TreeDepth),
		NTrees:     int(hdr.NTrees),
		NTreeNodes: int(hdr.NTreeNodes),
		Fids:       make([]uint32, n),
		Thrs:       make([]float32, n),
		Child:      make([]uint32, n),
		Hs:         make([]float32, n),
		ModelDs:    image.Point{X: int(hdr.ModelDsW), Y: int(hdr.ModelDsH)},
		ModelDsPad: image.Point{X: int(hdr.ModelPadW), Y: int(hdr.ModelPadH)},
	}
	for _, arr := range []interface{}{clf.Fids, clf.Thrs, clf.Child, clf.Hs} {
		if err := binary.Read(r, binary.LittleEndian, arr); err != nil {
			return nil, errors.Wrap(err, "cascade arrays")
		}
	}
	var cascThr float32
	if err := binary.Read(r, binary.LittleEndian, &cascThr); err != nil {
		return nil, errors.Wrap(err, "cascade threshold")
	}
	clf.CascThr = float64(cascThr)
	if err := clf.Validate(); err != nil {
		return nil, err
	}
	return clf, nil
}

// Pack serializes the model back into the binary in-memory format. A
// packed and re-unpacked model compares bit identical on all tables.
func (c *Classifier) Pack() []byte {
	var buf bytes.Buffer
	hdr := []uint32{
		cascadeMagic,
		uint32(c.TreeDepth), uint32(c.NTrees), uint32(c.NTreeNodes),
		uint32(c.ModelDs.X), uint32(c.ModelDs.Y),
		uint32(c.ModelDsPad.X), uint32(c.ModelDsPad.Y),
	}
	binary.Write(&buf, binary.LittleEndian, hdr)
	binary.Write(&buf, binary.LittleEndian, c.Fids)
	binary.Write(&buf, binary.LittleEndian, c.Thrs)
	binary.Write(&buf, binary.LittleEndian, c.Child)
	binary.Write(&buf, binary.LittleEndian, c.Hs)
	binary.Write(&buf, binary.LittleEndian, float32(c.CascThr))
	return buf.Bytes()
}
