package matchmaking

import (
	"strings"
	"unicode/utf8"
)

// ConnID is the opaque identity of one transport connection.
type ConnID string

// Sender delivers an event to one connection. Send must not block; transports
// queue internally and drop the connection when the queue overflows.
type Sender interface {
	Send(Event)
}

type State int

const (
	StateIdle State = iota
	StateQueued
	StatePaired
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StatePaired:
		return "paired"
	default:
		return "unknown"
	}
}

const (
	DefaultName   = "Anonymous"
	maxNameRunes  = 64
	maxLanguages  = 16
	maxLangLength = 35
)

// Client is one live connection as seen by the registries. ID, Name and
// Country never change after admission.
type Client struct {
	ID        ConnID
	Name      string
	Country   string
	Languages []string

	state State
	conn  Sender
}

func (c *Client) State() State { return c.state }

func (c *Client) send(ev Event) {
	if c.conn != nil {
		c.conn.Send(ev)
	}
}

// ClientInfo is a read-only snapshot handed back to transports.
type ClientInfo struct {
	ID      ConnID
	Name    string
	Country string
}

func (c *Client) info() ClientInfo {
	return ClientInfo{ID: c.ID, Name: c.Name, Country: c.Country}
}

// NormalizeName trims and bounds a display name, falling back to DefaultName.
func NormalizeName(raw string) string {
	name := strings.TrimSpace(raw)
	if !utf8.ValidString(name) {
		name = strings.ToValidUTF8(name, "")
	}
	if utf8.RuneCountInString(name) > maxNameRunes {
		name = string([]rune(name)[:maxNameRunes])
	}
	if name == "" {
		return DefaultName
	}
	return name
}

// NormalizeLanguages drops empty and oversized tags and caps the list.
func NormalizeLanguages(raw []string) []string {
	var out []string
	for _, l := range raw {
		l = strings.TrimSpace(l)
		if l == "" || len(l) > maxLangLength {
			continue
		}
		out = append(out, l)
		if len(out) == maxLanguages {
			break
		}
	}
	return out
}

// NewClient builds a client for admission. name and languages are
// normalized.
func NewClient(id ConnID, name, country string, languages []string, conn Sender) *Client {
	return &Client{
		ID:        id,
		Name:      NormalizeName(name),
		Country:   country,
		Languages: NormalizeLanguages(languages),
		conn:      conn,
	}
}
