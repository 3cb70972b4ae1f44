// Package kitty emits the Kitty graphics protocol byte sequences used to
// transmit images and the Unicode placeholder grids used to display them.
package kitty

import (
	"fmt"
	"strings"
)

// Graphics protocol escape framing.
const (
	escStart = "\x1b_G"
	escEnd   = "\x1b\\"
)

// Data format codes (the f= key).
const (
	FormatRGB  = 24
	FormatRGBA = 32
	FormatPNG  = 100
)

// Transmission mediums (the t= key).
const (
	MediumFile   = "f"
	MediumDirect = "d"
	MediumTemp   = "t"
)

// Actions (the a= key).
const (
	ActionTransmit        = "t"
	ActionTransmitDisplay = "T"
)

// QuietAlways suppresses both success and failure responses.
const QuietAlways = 2

// Command is one graphics command bracket. Zero/negative numeric fields
// and empty strings are omitted from the serialised key list, except More,
// which is omitted only when negative (0 is emitted as m=0). Keys are
// emitted in the fixed order i,t,q,m,a,U,f,r,c.
type Command struct {
	ImageID uint32
	Medium  string
	Quiet   int
	More    int // -1 omit, 0 final chunk, 1 more to follow
	Action  string
	Virtual bool // U=1, Unicode placeholder mode
	Format  int
	Rows    int
	Cols    int
	Payload string // base64 payload, already encoded
}

// String serialises the command with its escape framing.
func (c Command) String() string {
	var sb strings.Builder
	c.AppendTo(&sb)
	return sb.String()
}

// AppendTo writes the framed command into sb.
func (c Command) AppendTo(sb *strings.Builder) {
	sb.WriteString(escStart)
	first := true
	kv := func(key string, val string) {
		if !first {
			sb.WriteByte(',')
		}
		first = false
		sb.WriteString(key)
		sb.WriteByte('=')
		sb.WriteString(val)
	}
	if c.ImageID != 0 {
		kv("i", fmt.Sprintf("%d", c.ImageID))
	}
	if c.Medium != "" {
		kv("t", c.Medium)
	}
	if c.Quiet > 0 {
		kv("q", fmt.Sprintf("%d", c.Quiet))
	}
	if c.More >= 0 {
		kv("m", fmt.Sprintf("%d", c.More))
	}
	if c.Action != "" {
		kv("a", c.Action)
	}
	if c.Virtual {
		kv("U", "1")
	}
	if c.Format > 0 {
		kv("f", fmt.Sprintf("%d", c.Format))
	}
	if c.Rows > 0 {
		kv("r", fmt.Sprintf("%d", c.Rows))
	}
	if c.Cols > 0 {
		kv("c", fmt.Sprintf("%d", c.Cols))
	}
	sb.WriteByte(';')
	sb.WriteString(c.Payload)
	sb.WriteString(escEnd)
}

// SplitChunks cuts a base64 payload into chunks of at most chunkSize bytes.
func SplitChunks(encoded string, chunkSize int) []string {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	if len(encoded) <= chunkSize {
		return []string{encoded}
	}
	chunks := make([]string, 0, (len(encoded)+chunkSize-1)/chunkSize)
	for i := 0; i < len(encoded); i += chunkSize {
		end := min(i+chunkSize, len(encoded))
		chunks = append(chunks, encoded[i:end])
	}
	return chunks
}

// ContinuationCommand builds the bracket for a follow-up chunk of a
// chunked direct transmission.
func ContinuationCommand(imageID uint32, more bool, payload string) Command {
	m := 0
	if more {
		m = 1
	}
	return Command{ImageID: imageID, More: m, Payload: payload}
}

// AbortCommand builds the final empty chunk that cancels any transmission
// in flight for this id before a fresh direct upload starts.
func AbortCommand(imageID uint32) Command {
	return Command{ImageID: imageID, Quiet: QuietAlways, More: 0}
}
