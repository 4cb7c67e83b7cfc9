// Package classes maps model class ids to display names and overlay colors.
package classes

import (
	"fmt"
	"image/color"
	"sort"
	"sync/atomic"
	"unicode"
)

// Class is one entry of the class table.
type Class struct {
	ID          int        `json:"id"`
	ShortName   string     `json:"short_name"`
	DisplayName string     `json:"display_name"`
	Color       color.RGBA `json:"-"`
}

// Hex returns the class color as #rrggbb.
func (c Class) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.Color.R, c.Color.G, c.Color.B)
}

// DefaultColor is used for ids outside the table and past the palette.
var DefaultColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}

var defaultShortNames = []string{
	"mask", "can", "cellphone", "electronics", "gbottle", "glove", "metal", "misc",
	"net", "pbag", "pbottle", "plastic", "rod", "sunglasses", "tyre",
}

var defaultDisplayNames = []string{
	"Mask", "Can", "Cellphone", "Electronics", "Glass Bottle", "Glove", "Metal", "Misc",
	"Net", "Plastic Bag", "Plastic Bottle", "Plastic", "Rod", "Sunglasses", "Tyre",
}

// Palette is indexed by table position, not by class id.
var Palette = []color.RGBA{
	rgb(0, 255, 0),     // mask
	rgb(0, 0, 255),     // can
	rgb(0, 255, 255),   // cellphone
	rgb(255, 0, 0),     // electronics
	rgb(255, 255, 255), // glass bottle
	rgb(255, 255, 0),   // glove
	rgb(128, 128, 128), // metal
	rgb(255, 0, 255),   // misc
	rgb(255, 128, 0),   // net
	rgb(128, 255, 0),   // plastic bag
	rgb(128, 0, 128),   // plastic bottle
	rgb(0, 128, 255),   // plastic
	rgb(0, 0, 128),     // rod
	rgb(128, 255, 255), // sunglasses
	rgb(0, 128, 0),     // tyre
}

func rgb(r, g, b uint8) color.RGBA {
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

type table struct {
	classes []Class
}

// Registry holds the active class table. The table is replaced as a whole,
// so readers see either the old or the new mapping.
type Registry struct {
	current atomic.Pointer[table]
}

// NewRegistry returns a registry seeded with the built-in trash classes.
func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(defaultTable())
	return r
}

func defaultTable() *table {
	classes := make([]Class, len(defaultShortNames))
	for i := range defaultShortNames {
		classes[i] = Class{
			ID:          i,
			ShortName:   defaultShortNames[i],
			DisplayName: defaultDisplayNames[i],
			Color:       paletteAt(i),
		}
	}
	return &table{classes: classes}
}

func paletteAt(i int) color.RGBA {
	if i >= 0 && i < len(Palette) {
		return Palette[i]
	}
	return DefaultColor
}

// Resolve returns the class for id. Unknown ids get a placeholder name and
// the default color.
func (r *Registry) Resolve(id int) Class {
	t := r.current.Load()
	if id >= 0 && id < len(t.classes) {
		return t.classes[id]
	}
	name := fmt.Sprintf("Unknown_%d", id)
	return Class{ID: id, ShortName: name, DisplayName: name, Color: DefaultColor}
}

// Len returns the number of classes in the active table.
func (r *Registry) Len() int {
	return len(r.current.Load().classes)
}

// Snapshot returns a copy of the active table.
func (r *Registry) Snapshot() []Class {
	t := r.current.Load()
	out := make([]Class, len(t.classes))
	copy(out, t.classes)
	return out
}

// ReplaceFromModel rebuilds the table from a model's label set. Entries are
// ordered by id and take colors from the palette by position. An empty set
// leaves the table untouched and reports false.
func (r *Registry) ReplaceFromModel(labels map[int]string) bool {
	if len(labels) == 0 {
		return false
	}

	ids := make([]int, 0, len(labels))
	for id := range labels {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	classes := make([]Class, len(ids))
	for i, id := range ids {
		name := labels[id]
		classes[i] = Class{
			ID:          i,
			ShortName:   name,
			DisplayName: TitleCase(name),
			Color:       paletteAt(i),
		}
	}
	r.current.Store(&table{classes: classes})
	return true
}

// Reset restores the built-in table.
func (r *Registry) Reset() {
	r.current.Store(defaultTable())
}

// TitleCase upper-cases the first letter of every letter run and lower-cases
// the rest, so "plastic_bag" becomes "Plastic_Bag" and "gbottle" "Gbottle".
func TitleCase(s string) string {
	out := make([]rune, 0, len(s))
	prevLetter := false
	for _, c := range s {
		if unicode.IsLetter(c) {
			if prevLetter {
				out = append(out, unicode.ToLower(c))
			} else {
				out = append(out, unicode.ToTitle(c))
			}
			prevLetter = true
			continue
		}
		out = append(out, c)
		prevLetter = false
	}
	return string(out)
}
