package od

import "embed"

//go:embed base.eds

var f embed.FS
var rawDefaultOd []byte

func init() {
	var err error
	rawDefaultOd, err = f.ReadFile("base.eds")
	if err != nil {
		panic(err)
	}
}

// Default returns a fresh [ObjectDictionary] loaded from the embedded
// minimal EDS: the mandatory CiA 301 entries (device type, error register,
// identity) plus the DEFTYPE entries for every known [DataType]. Callers
// typically extend it with application-specific objects before a node is
// started.
func Default() *ObjectDictionary {
	defaultOd, err := ParseV2(rawDefaultOd, 0)
	if err != nil {
		panic(err)
	}
	return defaultOd
}
