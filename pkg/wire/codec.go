// Package wire implements the control-channel framings: the binary
// base64-wrapped envelope used for the handshake and encrypted records,
// and the legacy line-terminated JSON framing.
package wire

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// frameMagic distinguishes the binary envelope from line-terminated JSON
// and from arbitrary DPI-sensitive bytes on mobile paths.
const frameMagic = 0x00

const (
	// MaxHandshakeLen bounds the base64 length of a handshake frame.
	MaxHandshakeLen = 64 * 1024
	// MaxRecordLen bounds the base64 length of an encrypted record frame.
	MaxRecordLen = 1400 * 1024
)

var (
	// ErrClosed signals EOF before a frame started. The text is the
	// sentinel the supervisor matches to classify server closures.
	ErrClosed = errors.New("Connection closed by server")

	// ErrProtocol signals malformed framing: bad magic, oversize length,
	// truncation after EOF, or invalid base64.
	ErrProtocol = errors.New("protocol error")
)

// Encoder writes frames to the control stream.
type Encoder struct {
	w io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteFrame writes payload as a binary envelope: 0x00, u32 big-endian
// length of the base64 text, then the base64 text itself.
func (e *Encoder) WriteFrame(payload []byte) error {
	encoded := base64.StdEncoding.EncodeToString(payload)

	buf := make([]byte, 5+len(encoded))
	buf[0] = frameMagic
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(encoded)))
	copy(buf[5:], encoded)

	// Single write so header and body cannot interleave with other writers.
	_, err := e.w.Write(buf)
	return err
}

// WriteLine writes v as a JSON object followed by a newline (legacy framing).
func (e *Encoder) WriteLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = e.w.Write(append(data, '\n'))
	return err
}

// Decoder reads frames from the control stream. A single Decoder must be
// used for the whole life of a connection: its internal buffer carries
// bytes over between framings, so a handshake reply and the first
// encrypted record arriving in one segment are both decoded correctly.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// ReadFrame reads one binary envelope and returns the base64-decoded
// payload. maxLen bounds the base64 text length.
func (d *Decoder) ReadFrame(maxLen uint32) ([]byte, error) {
	magic, err := d.r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrClosed
		}
		return nil, err
	}
	if magic != frameMagic {
		return nil, fmt.Errorf("%w: bad frame magic 0x%02x", ErrProtocol, magic)
	}

	var header [4]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		return nil, incomplete(err)
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxLen {
		return nil, fmt.Errorf("%w: frame length %d exceeds limit %d", ErrProtocol, length, maxLen)
	}

	encoded := make([]byte, length)
	if _, err := io.ReadFull(d.r, encoded); err != nil {
		return nil, incomplete(err)
	}

	payload, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 payload: %v", ErrProtocol, err)
	}
	return payload, nil
}

// ReadLine reads one newline-terminated JSON line (legacy framing) and
// returns it without the terminator.
func (d *Decoder) ReadLine() ([]byte, error) {
	line, err := d.r.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			if len(line) == 0 {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("%w: incomplete line after EOF", ErrProtocol)
		}
		return nil, err
	}

	line = line[:len(line)-1]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, nil
}

func incomplete(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: incomplete frame after EOF", ErrProtocol)
	}
	return err
}
