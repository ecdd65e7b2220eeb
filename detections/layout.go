package detections

// Layout is the memory order of a detector output tensor.
type Layout int

const (
	LayoutUnknown Layout = iota
	// LayoutChannelsFirst is [1, attributes, candidates], e.g. [1,84,8400].
	LayoutChannelsFirst
	// LayoutBoxesFirst is [1, candidates, attributes], e.g. [1,8400,84].
	LayoutBoxesFirst
)

func (l Layout) String() string {
	switch l {
	case LayoutChannelsFirst:
		return "channels-first"
	case LayoutBoxesFirst:
		return "boxes-first"
	default:
		return "unknown"
	}
}

// OutputFormat is the classified shape of an output tensor.
type OutputFormat struct {
	Layout        Layout
	Attributes    int
	Candidates    int
	NumClasses    int
	HasObjectness bool
}

// ClassifyOutput decides how to read a tensor of the given shape and length.
// numClasses of zero means unknown: the smaller dimension is taken as the
// attribute count and objectness is assumed absent.
func ClassifyOutput(shape []int64, dataLen int, numClasses int) OutputFormat {
	dims, ok := squeezeBatch(shape)
	if !ok {
		return OutputFormat{}
	}
	d0, d1 := int(dims[0]), int(dims[1])
	if d0 <= 0 || d1 <= 0 || d0*d1 != dataLen {
		return OutputFormat{}
	}

	if numClasses <= 0 {
		attrs, layout := d0, LayoutChannelsFirst
		if d1 < d0 {
			attrs, layout = d1, LayoutBoxesFirst
		}
		if attrs < 5 {
			return OutputFormat{}
		}
		return build(layout, attrs, d0*d1/attrs, attrs-4, false)
	}

	d0ok, d0obj := matchesAttributes(d0, numClasses)
	d1ok, d1obj := matchesAttributes(d1, numClasses)
	switch {
	case d0ok && d1ok:
		// Square-ish outputs: attributes are the short side.
		if d0 <= d1 {
			return build(LayoutChannelsFirst, d0, d1, numClasses, d0obj)
		}
		return build(LayoutBoxesFirst, d1, d0, numClasses, d1obj)
	case d0ok:
		return build(LayoutChannelsFirst, d0, d1, numClasses, d0obj)
	case d1ok:
		return build(LayoutBoxesFirst, d1, d0, numClasses, d1obj)
	default:
		return OutputFormat{}
	}
}

func build(layout Layout, attrs, candidates, numClasses int, objectness bool) OutputFormat {
	return OutputFormat{
		Layout:        layout,
		Attributes:    attrs,
		Candidates:    candidates,
		NumClasses:    numClasses,
		HasObjectness: objectness,
	}
}

func matchesAttributes(dim, numClasses int) (ok bool, objectness bool) {
	switch dim {
	case 4 + numClasses:
		return true, false
	case 5 + numClasses:
		return true, true
	}
	return false, false
}

// squeezeBatch accepts [A,K] or [1,A,K].
func squeezeBatch(shape []int64) ([2]int64, bool) {
	switch len(shape) {
	case 2:
		return [2]int64{shape[0], shape[1]}, true
	case 3:
		if shape[0] != 1 {
			return [2]int64{}, false
		}
		return [2]int64{shape[1], shape[2]}, true
	}
	return [2]int64{}, false
}
