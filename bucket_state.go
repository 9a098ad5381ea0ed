package splatbucket

// The recursive bucketing works over an implicit dense octree: cells are
// (coords, level) computed on the fly, histograms live in per-level dense
// arrays, and no node objects are ever allocated. Level microShift is the
// microblock level; the coarsest level covers the full current extent.

// cell is a cube of grid cells with a power-of-two side length. base is in
// grid cells, level is the log2 of the side length.
type cell struct {
	base  [3]int64
	level uint
}

func (c cell) side() int64 {
	return int64(1) << c.level
}

type cellState struct {
	counter RangeCounter
	blockID int64 // index into picked, or noBlock until chosen
}

const noBlock = int64(-1)

// levelState is the dense histogram array for one octree level.
type levelState struct {
	shape [3]int64
	cells []cellState
}

type bucketer struct {
	store   Store
	cfg     *bucketConfig
	process Processor
	stats   *BucketStats
}

// bucketState holds one recursion level's working set: histograms for every
// octree level, the chosen-cell list and the reserved output offsets. It is
// released before recursing so peak memory is one level's working set.
type bucketState struct {
	dims        [3]int64
	microShift  uint
	macroLevels int
	levels      []levelState
	picked      []cell
	pickedNum   []uint64 // splat count per picked cell
	offsets     []uint64 // output offset per picked cell, plus sentinel
	nextOffset  uint64
	collectors  []RangeCollector
}

func newBucketState(dims [3]int64, microShift uint, macroLevels int) *bucketState {
	s := &bucketState{
		dims:        dims,
		microShift:  microShift,
		macroLevels: macroLevels,
		levels:      make([]levelState, macroLevels),
	}
	for level := range macroLevels {
		var shape [3]int64
		n := int64(1)
		for i := range 3 {
			shape[i] = divUp(dims[i], int64(1)<<(microShift+uint(level)))
			n *= shape[i]
		}
		s.levels[level] = levelState{shape: shape, cells: make([]cellState, n)}
		for j := range s.levels[level].cells {
			s.levels[level].cells[j].blockID = noBlock
		}
	}
	return s
}

func (s *bucketState) cellState(c cell) *cellState {
	ls := &s.levels[c.level-s.microShift]
	x := c.base[0] >> c.level
	y := c.base[1] >> c.level
	z := c.base[2] >> c.level
	return &ls.cells[(z*ls.shape[1]+y)*ls.shape[0]+x]
}

// forEachCell walks the implicit octree top-down, visiting children of a
// cell only while fn returns true. Children overhanging the extent are
// skipped; descent stops at the microblock level.
func (s *bucketState) forEachCell(fn func(c cell) bool) {
	top := cell{level: s.microShift + uint(s.macroLevels-1)}
	s.forEachCellRec(top, fn)
}

func (s *bucketState) forEachCellRec(c cell, fn func(c cell) bool) {
	if !fn(c) || c.level <= s.microShift {
		return
	}
	half := int64(1) << (c.level - 1)
	for i := range 8 {
		child := cell{
			base: [3]int64{
				c.base[0] + half*int64(i&1),
				c.base[1] + half*int64((i>>1)&1),
				c.base[2] + half*int64((i>>2)&1),
			},
			level: c.level - 1,
		}
		if child.base[0] < s.dims[0] && child.base[1] < s.dims[1] && child.base[2] < s.dims[2] {
			s.forEachCellRec(child, fn)
		}
	}
}

// countSplat enters one splat into the counters of every node it
// conservatively intersects, down to microblock level.
func (s *bucketState) countSplat(scan uint32, id uint64, splat *Splat, grid *Grid) {
	s.forEachCell(func(c cell) bool {
		if !splatIntersectsCell(splat, c.base, c.side(), grid) {
			return false
		}
		s.cellState(c).counter.Append(scan, id)
		return c.level > s.microShift
	})
}

// pickCells chooses which nodes become buckets. A node is chosen if it is a
// microblock or already satisfies both budgets; empty nodes are skipped and
// everything else is subdivided. Chosen nodes receive monotonically
// increasing block ids and a reserved offset into the output array.
func (s *bucketState) pickCells(cfg *bucketConfig) {
	s.forEachCell(func(c cell) bool {
		cs := s.cellState(c)
		if cs.counter.Splats() == 0 {
			return false // skip empty regions entirely
		}
		if c.level == s.microShift ||
			(c.side() <= cfg.maxCells && cs.counter.Splats() <= cfg.maxSplats) {
			cs.blockID = int64(len(s.picked))
			s.picked = append(s.picked, c)
			s.pickedNum = append(s.pickedNum, cs.counter.Splats())
			s.offsets = append(s.offsets, s.nextOffset)
			s.nextOffset += cs.counter.Ranges()
			return false
		}
		return true
	})
	// Sentinel simplifies extracting the per-bucket subslices.
	s.offsets = append(s.offsets, s.nextOffset)
}

// bucketSplat routes one splat into every chosen bucket it intersects,
// stopping the descent at the first chosen node on each path.
func (s *bucketState) bucketSplat(scan uint32, id uint64, splat *Splat, grid *Grid) {
	s.forEachCell(func(c cell) bool {
		if !splatIntersectsCell(splat, c.base, c.side(), grid) {
			return false
		}
		cs := s.cellState(c)
		if cs.blockID == noBlock {
			return true // too coarse, refine recursively
		}
		s.collectors[cs.blockID].Append(scan, id)
		return false
	})
}

func (b *bucketer) recurse(ranges []SplatRange, numSplats uint64, grid Grid, depth int) error {
	if depth > b.stats.MaxDepth {
		b.stats.MaxDepth = depth
	}
	if numSplats == 0 {
		return nil
	}

	dims := grid.Dims()
	maxDim := max3(dims)
	if numSplats <= b.cfg.maxSplats && maxDim <= b.cfg.maxCells {
		b.stats.Buckets++
		b.stats.Splats += numSplats
		return b.process(b.store, numSplats, ranges, grid)
	}
	if maxDim <= 1 {
		// A single cell cannot be subdivided; the splat budget is
		// unsatisfiable at this granularity.
		return &DensityError{CellSplats: numSplats}
	}

	// Pick the smallest power-of-two microblock size whose microblock
	// count stays within the fan-out cap. With maxSplit >= 8 this size is
	// strictly smaller than maxDim, so every recursion step shrinks the
	// extent and irreducible cells eventually hit the single-cell check.
	microSize := int64(1)
	microShift := uint(0)
	for {
		microBlocks := uint64(1)
		for i := range 3 {
			microBlocks = mulSat(microBlocks, uint64(divUp(dims[i], microSize)))
		}
		if microBlocks <= b.cfg.maxSplit {
			break
		}
		microSize *= 2
		microShift++
	}

	// Levels in the octree-like structure: the coarsest level must cover
	// the full extent.
	macroLevels := 1
	for microSize<<(macroLevels-1) < maxDim {
		macroLevels++
	}

	var picked []cell
	var pickedNum, offsets []uint64
	var childRanges []SplatRange
	{
		state := newBucketState(dims, microShift, macroLevels)

		// Count pass: histogram of splats per octree node.
		err := forEachSplat(b.store, ranges, func(scan uint32, id uint64, s *Splat) error {
			if !s.IsFinite() {
				return nil
			}
			state.countSplat(scan, id, s, &grid)
			return nil
		})
		if err != nil {
			return err
		}

		// Pick pass: select the buckets and reserve their output slots.
		state.pickCells(b.cfg)

		// Redistribute pass: route each splat into its chosen buckets.
		childRanges = make([]SplatRange, state.nextOffset)
		state.collectors = make([]RangeCollector, len(state.picked))
		for i := range state.picked {
			state.collectors[i] = NewRangeCollector(childRanges[state.offsets[i]:state.offsets[i+1]])
		}
		err = forEachSplat(b.store, ranges, func(scan uint32, id uint64, s *Splat) error {
			if !s.IsFinite() {
				return nil
			}
			state.bucketSplat(scan, id, s, &grid)
			return nil
		})
		if err != nil {
			return err
		}
		for i := range state.collectors {
			state.collectors[i].Flush()
		}

		// Keep only what the recursion needs; the histograms are the bulk
		// of the working set and must die before descending.
		picked = state.picked
		pickedNum = state.pickedNum
		offsets = state.offsets
	}

	for i, c := range picked {
		size := c.side()
		sub := grid.SubGrid(c.base, [3]int64{c.base[0] + size, c.base[1] + size, c.base[2] + size})
		if err := b.recurse(childRanges[offsets[i]:offsets[i+1]], pickedNum[i], sub, depth+1); err != nil {
			return err
		}
	}
	return nil
}
