package acf

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// NmsParams control non maximum suppression.
type NmsParams struct {
	Type     string     // "max", "maxg", "ms" or "none"
	Thr      float64    // discard detections below this score first; 0 disables it except for "ms"
	MaxN     int        // split and recurse above this count, 0 = never
	Radii    [4]float64 // suppression radii for "ms" (x, y, log2 w, log2 h)
	Overlap  float64
	OvrDnm   string // overlap denominator, "union" or "min"
	Separate bool   // suppress each class independently
}

// DefaultNmsParams returns greedy union overlap suppression at 0.5.
func DefaultNmsParams() NmsParams {
	return NmsParams{
		Type:    "maxg",
		Thr:     math.Inf(-1),
		Radii:   [4]float64{0.15, 0.15, 1, 1},
		Overlap: 0.5,
		OvrDnm:  "union",
	}
}

// Nms suppresses redundant detections. The result is ordered by descending
// score and the operation is idempotent.
func Nms(dets []Detection, p NmsParams) ([]Detection, error) {
	if p.Type == "" {
		p = DefaultNmsParams()
	}
	if p.Overlap == 0 {
		p.Overlap = 0.5
	}
	thr := p.Thr
	if thr == 0 && p.Type != "ms" {
		thr = math.Inf(-1)
	}

	union := true
	switch p.OvrDnm {
	case "", "union":
	case "min":
		union = false
	default:
		return nil, errors.Errorf("unknown overlap denominator %q", p.OvrDnm)
	}

	kept := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if d.Score >= thr {
			kept = append(kept, d)
		}
	}
	if len(kept) == 0 || p.Type == "none" {
		sort.SliceStable(kept, func(i, j int) bool { return kept[i].Score > kept[j].Score })
		return kept, nil
	}

	if p.Separate {
		byClass := map[int][]Detection{}
		var classes []int
		for _, d := range kept {
			if _, ok := byClass[d.Class]; !ok {
				classes = append(classes, d.Class)
			}
			byClass[d.Class] = append(byClass[d.Class], d)
		}
		sort.Ints(classes)
		var out []Detection
		sub := p
		sub.Separate = false
		for _, cl := range classes {
			r, err := Nms(byClass[cl], sub)
			if err != nil {
				return nil, err
			}
			out = append(out, r...)
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
		return out, nil
	}

	if p.MaxN > 1 && len(kept) > p.MaxN {
		return nmsSplit(kept, p, union)
	}

	switch p.Type {
	case "max":
		return nmsMax(kept, p.Overlap, false, union), nil
	case "maxg":
		return nmsMax(kept, p.Overlap, true, union), nil
	case "ms":
		return nmsMeanShift(kept, p.Radii), nil
	}
	return nil, errors.Errorf("unknown nms type %q", p.Type)
}

// nmsSplit halves the list along its wider spatial extent, suppresses each
// half, then suppresses the merged result. A heuristic for large n.
func nmsSplit(dets []Detection, p NmsParams, union bool) ([]Detection, error) {
	byX := true
	minX, maxX := math.Inf(1), math.Inf(-1)
	minY, maxY := math.Inf(1), math.Inf(-1)
	for _, d := range dets {
		minX, maxX = math.Min(minX, d.X), math.Max(maxX, d.X)
		minY, maxY = math.Min(minY, d.Y), math.Max(maxY, d.Y)
	}
	if maxY-minY > maxX-minX {
		byX = false
	}
	sorted := append([]Detection(nil), dets...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if byX {
			return sorted[i].X < sorted[j].X
		}
		return sorted[i].Y < sorted[j].Y
	})
	half := len(sorted) / 2
	sub := p
	sub.MaxN = 0
	lo, err := Nms(sorted[:half], sub)
	if err != nil {
		return nil, err
	}
	hi, err := Nms(sorted[half:], sub)
	if err != nil {
		return nil, err
	}
	return Nms(append(lo, hi...), sub)
}

func overlapRatio(a, b Detection, union bool) float64 {
	iw := math.Min(a.X+a.W, b.X+b.W) - math.Max(a.X, b.X)
	if iw <= 0 {
		return 0
	}
	ih := math.Min(a.Y+a.H, b.Y+b.H) - math.Max(a.Y, b.Y)
	if ih <= 0 {
		return 0
	}
	o := iw * ih
	var u float64
	if union {
		u = a.W*a.H + b.W*b.H - o
	} else {
		u = math.Min(a.W*a.H, b.W*b.H)
	}
	return o / u
}

// nmsMax suppresses every box overlapping a higher scoring one beyond the
// threshold. In greedy mode a suppressed box can no longer suppress others.
func nmsMax(dets []Detection, overlap float64, greedy, union bool) []Detection {
	bbs := append([]Detection(nil), dets...)
	sort.SliceStable(bbs, func(i, j int) bool { return bbs[i].Score > bbs[j].Score })
	kp := make([]bool, len(bbs))
	for i := range kp {
		kp[i] = true
	}
	for i := range bbs {
		if greedy && !kp[i] {
			continue
		}
		for j := i + 1; j < len(bbs); j++ {
			if !kp[j] {
				continue
			}
			if overlapRatio(bbs[i], bbs[j], union) > overlap {
				kp[j] = false
			}
		}
	}
	out := bbs[:0]
	for i, d := range bbs {
		if kp[i] {
			out = append(out, d)
		}
	}
	return out
}

// nmsMeanShift merges detections by mode seeking in (x, y, log2 w, log2 h)
// space with a fixed radius kernel. Width and height distances are measured
// in octaves so a box and its double count one unit apart.
func nmsMeanShift(dets []Detection, radii [4]float64) []Detection {
	type pt struct{ x, y, lw, lh, w float64 }
	pts := make([]pt, len(dets))
	for i, d := range dets {
		pts[i] = pt{
			x: d.X + d.W/2, y: d.Y + d.H/2,
			lw: math.Log2(d.W), lh: math.Log2(d.H),
			w: math.Max(d.Score, 1e-6),
		}
	}
	norm := func(p pt) [4]float64 {
		return [4]float64{p.x / (radii[0] * math.Exp2(p.lw)), p.y / (radii[1] * math.Exp2(p.lh)), p.lw / radii[2], p.lh / radii[3]}
	}

	modes := make([]pt, len(pts))
	copy(modes, pts)
	for iter := 0; iter < 20; iter++ {
		moved := false
		for i, m := range modes {
			var acc pt
			var ws float64
			mi := norm(m)
			for j, q := range pts {
				qj := norm(pts[j])
				d2 := 0.0
				for k := 0; k < 4; k++ {
					dd := mi[k] - qj[k]
					d2 += dd * dd
				}
				if d2 <= 1 {
					acc.x += q.x * q.w
					acc.y += q.y * q.w
					acc.lw += q.lw * q.w
					acc.lh += q.lh * q.w
					ws += q.w
				}
			}
			if ws == 0 {
				continue
			}
			next := pt{x: acc.x / ws, y: acc.y / ws, lw: acc.lw / ws, lh: acc.lh / ws, w: m.w}
			if math.Abs(next.x-m.x)+math.Abs(next.y-m.y)+math.Abs(next.lw-m.lw)+math.Abs(next.lh-m.lh) > 1e-5 {
				moved = true
			}
			modes[i] = next
		}
		if !moved {
			break
		}
	}

	// merge coincident modes, summing their scores
	var out []Detection
	used := make([]bool, len(modes))
	for i := range modes {
		if used[i] {
			continue
		}
		m := modes[i]
		score := dets[i].Score
		for j := i + 1; j < len(modes); j++ {
			if used[j] {
				continue
			}
			if math.Abs(modes[j].x-m.x) < 1e-3 && math.Abs(modes[j].y-m.y) < 1e-3 &&
				math.Abs(modes[j].lw-m.lw) < 1e-3 && math.Abs(modes[j].lh-m.lh) < 1e-3 {
				used[j] = true
				score += dets[j].Score
			}
		}
		w, h := math.Exp2(m.lw), math.Exp2(m.lh)
		out = append(out, Detection{X: m.x - w/2, Y: m.y - h/2, W: w, H: h, Score: score, Class: dets[i].Class})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}
