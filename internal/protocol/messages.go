package protocol

// WireMarker is a marker as it travels over the sync protocol. Position
// axes are raw floats; deduplication happens server-side by truncated
// identity. ID is empty on upload candidates and always filled on
// responses.
type WireMarker struct {
	ID   string  `json:"id,omitempty"`
	Kind string  `json:"kind"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Z    float64 `json:"z"`

	// SeenBy carries partial account identifiers for audit display.
	SeenBy []string `json:"seen_by,omitempty"`

	CreatedAt string `json:"created_at,omitempty"`
}

// HELLO (client -> server)
type HelloMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ClientName      string     `json:"client_name,omitempty"`
	Auth            *HelloAuth `json:"auth,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	AccountID       string   `json:"account_id"`
	PartialID       string   `json:"partial_id"`
	Roles           []string `json:"roles,omitempty"`
}

// DOWNLOAD (client -> server)
type DownloadMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	CallID          uint64 `json:"call_id"`
	TerritoryType   uint16 `json:"territory_type"`
}

// DOWNLOAD_OK (server -> client)
type DownloadOKMsg struct {
	Type          string       `json:"type"`
	CallID        uint64       `json:"call_id"`
	TerritoryType uint16       `json:"territory_type"`
	Markers       []WireMarker `json:"markers"`
}

// UPLOAD (client -> server)
type UploadMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	CallID          uint64       `json:"call_id"`
	TerritoryType   uint16       `json:"territory_type"`
	Markers         []WireMarker `json:"markers"`
}

// UPLOAD_OK (server -> client). Markers lists every accepted candidate
// annotated with its resolved id, pre-existing or freshly assigned, so
// the caller can always attach a network id.
type UploadOKMsg struct {
	Type          string       `json:"type"`
	CallID        uint64       `json:"call_id"`
	TerritoryType uint16       `json:"territory_type"`
	Markers       []WireMarker `json:"markers"`
}

// MARK_SEEN (client -> server)
type MarkSeenMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	CallID          uint64   `json:"call_id"`
	TerritoryType   uint16   `json:"territory_type"`
	IDs             []string `json:"ids"`
}

// MARK_SEEN_OK (server -> client)
type MarkSeenOKMsg struct {
	Type   string `json:"type"`
	CallID uint64 `json:"call_id"`
}

// STATS (client -> server); requires the statistics role.
type StatsMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	CallID          uint64 `json:"call_id"`
}

// STATS_OK (server -> client)
type StatsOKMsg struct {
	Type        string           `json:"type"`
	CallID      uint64           `json:"call_id"`
	Territories []TerritoryStats `json:"territories"`
}

type TerritoryStats struct {
	TerritoryType uint16 `json:"territory_type"`
	TrapCount     int    `json:"trap_count"`
	HoardCount    int    `json:"hoard_count"`
}

// ERROR (server -> client). CallID echoes the failing call when known;
// zero for handshake-level failures.
type ErrorMsg struct {
	Type    string `json:"type"`
	CallID  uint64 `json:"call_id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
