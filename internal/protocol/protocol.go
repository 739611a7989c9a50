// Package protocol defines the wire format between the sync server and reload
// clients.
//
// Every message is a single line of UTF-8 JSON terminated by '\n'. A client
// sends exactly one handshake line, a JSON array of file paths relative to the
// server's project directory:
//
//	["Sketch.cs","Helpers/Shapes.cs"]
//
// The server answers with one SyncMessage line per push:
//
//	{"content":"using SkiaSharp;\n\nreturn new Sketch();\n..."}
//
// JSON escapes embedded newlines, so a push is always exactly one line.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrInvalidHandshake is returned when the first client line is not a JSON array of strings
	ErrInvalidHandshake = errors.New("invalid handshake")
	// ErrInvalidMessage is returned when a server line is not a SyncMessage
	ErrInvalidMessage = errors.New("invalid sync message")
)

// SyncMessage carries one merged unit from server to client
type SyncMessage struct {
	Content string `json:"content"`
}

// EncodeHandshake serializes the watch list as one newline-terminated line
func EncodeHandshake(files []string) ([]byte, error) {
	if files == nil {
		files = []string{}
	}
	return encodeLine(files)
}

// DecodeHandshake parses a handshake line. A JSON null yields an empty list.
func DecodeHandshake(line string) ([]string, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("%w: empty line", ErrInvalidHandshake)
	}

	var files []string
	if err := json.Unmarshal([]byte(line), &files); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	if files == nil {
		files = []string{}
	}
	return files, nil
}

// EncodeMessage wraps merged source into a SyncMessage line
func EncodeMessage(content string) ([]byte, error) {
	return encodeLine(SyncMessage{Content: content})
}

// DecodeMessage parses one server line
func DecodeMessage(line string) (*SyncMessage, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("%w: empty line", ErrInvalidMessage)
	}
	if !strings.HasPrefix(line, "{") {
		return nil, fmt.Errorf("%w: expected object", ErrInvalidMessage)
	}

	var msg SyncMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &msg, nil
}

// WriteLine writes an encoded line in a single call. A missing trailing
// newline is added.
func WriteLine(w io.Writer, line []byte) error {
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line[:len(line):len(line)], '\n')
	}
	n, err := w.Write(line)
	if err != nil {
		return err
	}
	if n != len(line) {
		return io.ErrShortWrite
	}
	return nil
}

func encodeLine(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	// Source text routinely contains <, > and &; keep it readable on the wire.
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	// Encode terminates with exactly one '\n'
	return buf.Bytes(), nil
}
