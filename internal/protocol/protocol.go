package protocol

import "encoding/json"

const Version = "2.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"

	TypeDownload   = "DOWNLOAD"
	TypeDownloadOK = "DOWNLOAD_OK"
	TypeUpload     = "UPLOAD"
	TypeUploadOK   = "UPLOAD_OK"
	TypeMarkSeen   = "MARK_SEEN"
	TypeMarkSeenOK = "MARK_SEEN_OK"
	TypeStats      = "STATS"
	TypeStatsOK    = "STATS_OK"

	TypeError = "ERROR"
)

// BaseMessage lets us route unknown JSON frames by type and correlate
// responses to their originating call.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	CallID          uint64 `json:"call_id,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
