package hotkey

// Windows virtual key codes.
var modifierCodes = map[string][]uint16{
	"ctrl":  {162, 163}, // VK_LCONTROL, VK_RCONTROL
	"alt":   {164, 165}, // VK_LMENU, VK_RMENU
	"shift": {160, 161}, // VK_LSHIFT, VK_RSHIFT
	"cmd":   {91, 92},   // VK_LWIN, VK_RWIN
}

var specialCodes = map[string][]uint16{
	"space":     {32},
	"enter":     {13},
	"return":    {13},
	"esc":       {27},
	"escape":    {27},
	"tab":       {9},
	"backspace": {8},
	"delete":    {46},
	"del":       {46},
	"insert":    {45},
	"ins":       {45},
	"home":      {36},
	"end":       {35},
	"pageup":    {33},
	"pgup":      {33},
	"pagedown":  {34},
	"pgdn":      {34},
	"left":      {37},
	"up":        {38},
	"right":     {39},
	"down":      {40},
}

const functionKeyBase = 112 // VK_F1

// charCodes returns the VK code for a letter or digit, which equals the
// uppercase ASCII value.
func charCodes(c byte) []uint16 {
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	return []uint16{uint16(c)}
}
