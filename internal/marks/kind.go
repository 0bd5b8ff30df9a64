package marks

// Kind classifies a point of interest within a territory.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindTrap
	KindHoard
	KindSilverCoffer
	KindGoldCoffer

	// KindDebug is reserved for development tooling. Records consisting
	// entirely of debug markers are dropped when a floor file is loaded.
	KindDebug Kind = 255
)

var kindNames = map[Kind]string{
	KindUnknown:      "UNKNOWN",
	KindTrap:         "TRAP",
	KindHoard:        "HOARD",
	KindSilverCoffer: "SILVER_COFFER",
	KindGoldCoffer:   "GOLD_COFFER",
	KindDebug:        "DEBUG",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParseKind maps a wire name back to a Kind; unknown names yield
// KindUnknown, which never validates.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// Valid reports whether k names a shareable marker kind. Debug markers
// are local-only and never valid for upload.
func (k Kind) Valid() bool {
	switch k {
	case KindTrap, KindHoard, KindSilverCoffer, KindGoldCoffer:
		return true
	}
	return false
}
