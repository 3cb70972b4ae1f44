// Package upload implements the transport strategies that deliver an
// encoded image to a Kitty-protocol terminal: temp-file handoff and the
// chunked direct stream. Upload status is coordinated through the ID
// database so cooperating processes do not fight over the same id.
package upload

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sergei-grechanik/ikup/internal/iddb"
	"github.com/sergei-grechanik/ikup/internal/kitty"
)

// Transport is one of the closed set of upload strategies.
type Transport string

const (
	TransportFile   Transport = "file"
	TransportDirect Transport = "direct"
)

// ErrUnsupported is returned for the reserved temp transport and any
// unknown method name.
var ErrUnsupported = errors.New("unsupported upload method")

// Parse resolves a method name. stream and direct are aliases for the
// same wire bytes.
func Parse(s string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "file", "f":
		return TransportFile, nil
	case "direct", "stream", "d":
		return TransportDirect, nil
	case "temp", "t":
		return "", fmt.Errorf("%w: %q", ErrUnsupported, s)
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupported, s)
}

// Medium returns the t= key value of the transport.
func (t Transport) Medium() string {
	if t == TransportFile {
		return kitty.MediumFile
	}
	return kitty.MediumDirect
}

// Uploader conducts upload sessions against one terminal.
type Uploader struct {
	DB         *iddb.DB
	TerminalID string
	Out        io.Writer

	ChunkSize        int
	ProgressInterval time.Duration
	StallTimeout     time.Duration
	CommandDelay     time.Duration
	AllowConcurrent  bool
	MarkUploaded     bool
}

// Request describes one upload: the instance record, the cached encoded
// file to transmit, and its kitty format code.
type Request struct {
	Record iddb.ImageRecord
	File   string
	Format int // kitty f= code, e.g. 100 for PNG
	Size   int64
	Force  bool
}

// Result reports whether bytes were actually written to the terminal.
type Result struct {
	Transmitted bool
	BytesSent   int64
}

// Do runs the upload state machine: claim the (terminal, id) status row,
// transmit over the chosen transport with progress heartbeats, then mark
// the row uploaded. When another process already uploaded the instance or
// is actively uploading it, nothing is transmitted.
func (u *Uploader) Do(transport Transport, req Request) (Result, error) {
	desc := req.Record.Description()
	now := time.Now()
	taken, err := u.DB.TakeUpload(u.TerminalID, req.Record.ID, desc,
		string(transport), req.Size, now, u.StallTimeout, req.Force, u.AllowConcurrent)
	if err != nil {
		return Result{}, err
	}
	if !taken {
		return Result{Transmitted: false}, nil
	}

	var sent int64
	switch transport {
	case TransportFile:
		sent, err = u.sendFile(req)
	case TransportDirect:
		sent, err = u.sendDirect(req)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupported, transport)
	}
	if err != nil {
		return Result{}, err
	}

	err = u.DB.MarkUploaded(u.TerminalID, req.Record.ID, desc,
		string(transport), req.Size, time.Now(), u.MarkUploaded)
	if err != nil {
		return Result{}, err
	}
	return Result{Transmitted: true, BytesSent: sent}, nil
}

// sendFile hands the encoded bytes to the terminal through a temp file:
// the transmit command's payload is the file path.
func (u *Uploader) sendFile(req Request) (int64, error) {
	tmp := filepath.Join(os.TempDir(),
		"tty-graphics-protocol-"+uuid.NewString()+strings.ToLower(filepath.Ext(req.File)))
	if err := copyFile(req.File, tmp); err != nil {
		return 0, fmt.Errorf("stage upload file: %w", err)
	}

	cmd := kitty.Command{
		ImageID: req.Record.ID,
		Medium:  kitty.MediumFile,
		Quiet:   kitty.QuietAlways,
		More:    -1,
		Action:  kitty.ActionTransmitDisplay,
		Virtual: true,
		Format:  req.Format,
		Rows:    req.Record.Rows,
		Cols:    req.Record.Cols,
		Payload: base64.StdEncoding.EncodeToString([]byte(tmp)),
	}
	if _, err := io.WriteString(u.Out, cmd.String()); err != nil {
		return 0, err
	}
	u.delay()
	return req.Size, nil
}

// sendDirect streams the encoded bytes inline as chunked base64. An empty
// final chunk is sent first to abort any transmission another process may
// have left dangling for this id.
func (u *Uploader) sendDirect(req Request) (int64, error) {
	data, err := os.ReadFile(req.File)
	if err != nil {
		return 0, fmt.Errorf("read cached image: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(data)
	chunks := kitty.SplitChunks(encoded, u.ChunkSize)

	if _, err := io.WriteString(u.Out, kitty.AbortCommand(req.Record.ID).String()); err != nil {
		return 0, err
	}

	var sent int64
	lastProgress := time.Now()
	for i, chunk := range chunks {
		var cmd kitty.Command
		if i == 0 {
			more := 0
			if len(chunks) > 1 {
				more = 1
			}
			cmd = kitty.Command{
				ImageID: req.Record.ID,
				Medium:  kitty.MediumDirect,
				Quiet:   kitty.QuietAlways,
				More:    more,
				Action:  kitty.ActionTransmitDisplay,
				Virtual: true,
				Format:  req.Format,
				Rows:    req.Record.Rows,
				Cols:    req.Record.Cols,
				Payload: chunk,
			}
		} else {
			cmd = kitty.ContinuationCommand(req.Record.ID, i < len(chunks)-1, chunk)
		}
		if _, err := io.WriteString(u.Out, cmd.String()); err != nil {
			return sent, err
		}
		sent += int64(len(chunk))
		u.delay()

		// Refresh the heartbeat so observers never mistake a slow but live
		// upload for a stalled one.
		if now := time.Now(); now.Sub(lastProgress) > u.ProgressInterval {
			lastProgress = now
			if err := u.DB.Progress(u.TerminalID, req.Record.ID, sent, now); err != nil {
				return sent, err
			}
		}
	}
	return sent, nil
}

func (u *Uploader) delay() {
	if u.CommandDelay > 0 {
		time.Sleep(u.CommandDelay)
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
