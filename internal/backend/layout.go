package backend

// Layout determines how object data is laid out in the backing store.
// Writes are issued in multiples of UnitSize.
type Layout struct {
	Id       int
	UnitSize int64
}

// UnitsPerWrite is the number of layout units sent with one write op.
const UnitsPerWrite = 4

const (
	kib = int64(1024)
	mib = 1024 * kib
)

var layouts = []struct {
	maxObjectSize int64
	layout        Layout
}{
	{64 * kib, Layout{Id: 1, UnitSize: 4 * kib}},
	{1 * mib, Layout{Id: 3, UnitSize: 16 * kib}},
	{16 * mib, Layout{Id: 5, UnitSize: 64 * kib}},
	{128 * mib, Layout{Id: 7, UnitSize: 256 * kib}},
	{-1, Layout{Id: 9, UnitSize: 1 * mib}},
}

// LayoutForSize picks the layout for an object of the given size.
// A negative size means the size is unknown.
func LayoutForSize(size int64) Layout {
	if size < 0 {
		return layouts[len(layouts)-1].layout
	}
	for _, l := range layouts {
		if l.maxObjectSize < 0 || size <= l.maxObjectSize {
			return l.layout
		}
	}
	return layouts[len(layouts)-1].layout
}

func LayoutById(id int) (Layout, bool) {
	for _, l := range layouts {
		if l.layout.Id == id {
			return l.layout, true
		}
	}
	return Layout{}, false
}

// WriteSize is the payload size of a single write op for this layout.
func (l Layout) WriteSize() int64 {
	return l.UnitSize * UnitsPerWrite
}
