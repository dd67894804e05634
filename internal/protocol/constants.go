package protocol

import "fmt"

const (
	// HeaderSize is the length prefix plus the type code.
	HeaderSize     = 5
	LengthSize     = 4
	MaxFrameSize   = 32 * 1024 * 1024
	MaxStringSize  = 0xFFFF
	MaxSearchFiles = 0xFF
)

// Code is the one byte type code carried by every frame.
type Code uint8

// Codes maps each message kind to its wire type code. The values used by the
// network are not verified, so the table is versioned and can be overridden
// from configuration.
type Codes struct {
	Version        int  `toml:"version"`
	LoginRequest   Code `toml:"login_request"`
	LoginAccepted  Code `toml:"login_accepted"`
	LoginRejected  Code `toml:"login_rejected"`
	SearchRequest  Code `toml:"search_request"`
	SearchResult   Code `toml:"search_result"`
	KeepAlive      Code `toml:"keep_alive"`
	DownloadReq    Code `toml:"download_request"`
	DownloadFailed Code `toml:"download_error"`
}

func DefaultCodes() Codes {
	return Codes{
		Version:        1,
		LoginRequest:   0x01,
		LoginAccepted:  0x02,
		LoginRejected:  0x03,
		SearchRequest:  0x10,
		SearchResult:   0x11,
		KeepAlive:      0x1F,
		DownloadReq:    0x30,
		DownloadFailed: 0x31,
	}
}

func (c Codes) all() []Code {
	return []Code{
		c.LoginRequest,
		c.LoginAccepted,
		c.LoginRejected,
		c.SearchRequest,
		c.SearchResult,
		c.KeepAlive,
		c.DownloadReq,
		c.DownloadFailed,
	}
}

// Validate reports an error when two message kinds share a code.
func (c Codes) Validate() error {
	seen := make(map[Code]bool)
	for _, code := range c.all() {
		if seen[code] {
			return fmt.Errorf("duplicate type code 0x%02X in table v%d", uint8(code), c.Version)
		}
		seen[code] = true
	}
	return nil
}

// Name returns a readable name for code, used in logs.
func (c Codes) Name(code Code) string {
	switch code {
	case c.LoginRequest:
		return "LOGIN"
	case c.LoginAccepted:
		return "LOGIN_OK"
	case c.LoginRejected:
		return "LOGIN_ERROR"
	case c.SearchRequest:
		return "SEARCH_REQ"
	case c.SearchResult:
		return "SEARCH_RES"
	case c.KeepAlive:
		return "KEEP_ALIVE"
	case c.DownloadReq:
		return "DOWNLOAD_REQ"
	case c.DownloadFailed:
		return "DOWNLOAD_ERROR"
	default:
		return "UNKNOWN"
	}
}

func (c Code) String() string {
	return fmt.Sprintf("0x%02X", uint8(c))
}
