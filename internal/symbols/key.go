package symbols

import "strings"

// Key identifies a debug module: a platform debug filename plus its hex
// debug id.
type Key struct {
	DebugFile string
	DebugID   string
}

// SymbolFilename derives the name of the module's symbol file: ".pdb"
// debug files swap the extension, everything else appends ".sym".
func (k Key) SymbolFilename() string {
	if name, ok := strings.CutSuffix(k.DebugFile, ".pdb"); ok {
		return name + ".sym"
	}
	return k.DebugFile + ".sym"
}

func (k Key) String() string {
	return k.DebugFile + "/" + k.DebugID
}
