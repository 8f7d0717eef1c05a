package core

import (
	"strconv"
	"strings"
)

const (
	// UnmappedSlot marks a required slot no loaded filament could serve.
	UnmappedSlot = -1

	// ExternalSpoolID is the out-of-band global slot id of the external
	// spool holder.
	ExternalSpoolID = 254

	// singleSlotUnitBase offsets global slot ids of single-tray material
	// units so they never collide with standard multi-tray units.
	singleSlotUnitBase = 128

	traysPerUnit = 4

	// colorChannelTolerance is the per-channel distance within which two
	// colors count as "similar".
	colorChannelTolerance = 32
)

// GlobalSlotID encodes (unit, tray) into the single integer used to
// address a physical filament slot across all material units.
func GlobalSlotID(unit, tray int, singleSlotUnit bool) int {
	if singleSlotUnit {
		return singleSlotUnitBase + unit
	}
	return unit*traysPerUnit + tray
}

// NormalizeColor reduces a hex color to comparable form: "#" stripped,
// alpha channel dropped, upper-cased. Anything unparseable comes back
// upper-cased as-is.
func NormalizeColor(color string) string {
	c := strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(color), "#"))
	if len(c) == 8 {
		c = c[:6]
	}
	return c
}

func colorChannels(color string) (r, g, b int, ok bool) {
	c := NormalizeColor(color)
	if len(c) != 6 {
		return 0, 0, 0, false
	}
	v, err := strconv.ParseUint(c, 16, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	return int(v >> 16 & 0xFF), int(v >> 8 & 0xFF), int(v & 0xFF), true
}

func colorsExact(a, b string) bool {
	na, nb := NormalizeColor(a), NormalizeColor(b)
	return na != "" && na == nb
}

func colorsSimilar(a, b string) bool {
	ar, ag, ab, ok := colorChannels(a)
	if !ok {
		return false
	}
	br, bg, bb, ok := colorChannels(b)
	if !ok {
		return false
	}
	return absInt(ar-br) <= colorChannelTolerance &&
		absInt(ag-bg) <= colorChannelTolerance &&
		absInt(ab-bb) <= colorChannelTolerance
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// MatchAMSSlots maps each required filament slot, in order, to the global
// slot id of the best unclaimed loaded filament: exact type+color first,
// then type with a similar color, then type alone. A filament claimed by
// one slot leaves the candidate pool, so no physical spool is ever
// assigned twice. Slots nothing can serve map to UnmappedSlot.
func MatchAMSSlots(required []AMSSlotRequirement, loaded []LoadedFilament) []int {
	result := make([]int, len(required))
	claimed := make([]bool, len(loaded))

	for i, req := range required {
		result[i] = UnmappedSlot

		match := findFilament(loaded, claimed, req, colorsExact)
		if match < 0 {
			match = findFilament(loaded, claimed, req, colorsSimilar)
		}
		if match < 0 {
			match = findFilament(loaded, claimed, req, func(string, string) bool { return true })
		}
		if match >= 0 {
			claimed[match] = true
			result[i] = loaded[match].GlobalSlotID
		}
	}

	return result
}

func findFilament(loaded []LoadedFilament, claimed []bool, req AMSSlotRequirement, colorMatch func(a, b string) bool) int {
	for i, f := range loaded {
		if claimed[i] {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(f.Type), strings.TrimSpace(req.Type)) {
			continue
		}
		if !colorMatch(req.Color, f.Color) {
			continue
		}
		return i
	}
	return -1
}
