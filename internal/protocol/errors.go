package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Identity. NOT_AUTHENTICATED means no usable credential was
	// presented at all; NO_PERMISSION means the credential is valid but
	// lacks the required role. Clients treat these differently: the
	// first requires re-establishing identity, the second is final.
	ErrNotAuthenticated = "E_NOT_AUTHENTICATED"
	ErrNoPermission     = "E_NO_PERMISSION"

	// Territory routing.
	ErrTerritoryUnknown = "E_TERRITORY_UNKNOWN"

	// Request layer.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrRateLimit  = "E_RATE_LIMIT"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:  {},
	ErrNotAuthenticated: {},
	ErrNoPermission:     {},
	ErrTerritoryUnknown: {},
	ErrBadRequest:       {},
	ErrRateLimit:        {},
	ErrInternal:         {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
