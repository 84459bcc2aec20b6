//go:build !windows

package hotkey

// X11 keysyms, which libuiohook reports as the rawcode.
var modifierCodes = map[string][]uint16{
	"ctrl":  {0xffe3, 0xffe4}, // Control_L, Control_R
	"alt":   {0xffe9, 0xffea}, // Alt_L, Alt_R
	"shift": {0xffe1, 0xffe2}, // Shift_L, Shift_R
	"cmd":   {0xffeb, 0xffec}, // Super_L, Super_R
}

var specialCodes = map[string][]uint16{
	"space":     {0x0020},
	"enter":     {0xff0d},
	"return":    {0xff0d},
	"esc":       {0xff1b},
	"escape":    {0xff1b},
	"tab":       {0xff09},
	"backspace": {0xff08},
	"delete":    {0xffff},
	"del":       {0xffff},
	"insert":    {0xff63},
	"ins":       {0xff63},
	"home":      {0xff50},
	"end":       {0xff57},
	"pageup":    {0xff55},
	"pgup":      {0xff55},
	"pagedown":  {0xff56},
	"pgdn":      {0xff56},
	"left":      {0xff51},
	"up":        {0xff52},
	"right":     {0xff53},
	"down":      {0xff54},
}

const functionKeyBase = 0xffbe // F1

// charCodes returns both cases for letters: with Shift held X11 reports the
// uppercase keysym.
func charCodes(c byte) []uint16 {
	if c >= 'a' && c <= 'z' {
		return []uint16{uint16(c), uint16(c - ('a' - 'A'))}
	}
	return []uint16{uint16(c)}
}
