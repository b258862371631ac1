package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Message kinds exchanged between the server and a builder.
const (
	WhatAuth          = "auth"
	WhatGetCores      = "getCores"
	WhatCoreCount     = "coreCount"
	WhatCommand       = "command"
	WhatRestart       = "restart"
	WhatRestarting    = "restarting"
	WhatTransferFile  = "transferFile"
	WhatTransferStart = "transferStart"
	WhatIgnore        = "ignore"
)

// ReadyMarker is written by the server once on accept; the builder waits
// for it before sending its auth message.
const ReadyMarker = '\n'

// ExitDisconnected is the exit code synthesized for commands that were in
// flight when the builder connection went away.
const ExitDisconnected = 999999999

// DisconnectedOutput accompanies ExitDisconnected.
const DisconnectedOutput = "Builder disconnected"

// MaxLineSize bounds a single protocol line. Command output is carried
// inline, so this is generous.
const MaxLineSize = 64 << 20

// ErrLineTooLong is returned by the decoder when a peer sends a line
// larger than MaxLineSize.
var ErrLineTooLong = errors.New("protocol line exceeds maximum size")

// Message is the single envelope used for every line on the builder
// stream. Which fields are meaningful depends on What.
type Message struct {
	What      string `json:"what"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	Command   string `json:"command,omitempty"`
	ReplyWith string `json:"replyWith,omitempty"`
	ExitCode  *int   `json:"exitcode,omitempty"`
	Output    string `json:"output,omitempty"`
	Count     int    `json:"count,omitempty"`
	File      string `json:"file,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Hash      string `json:"hash,omitempty"`
}

// Code returns the exit code carried by a reply, or 0 when absent.
func (m Message) Code() int {
	if m.ExitCode == nil {
		return 0
	}
	return *m.ExitCode
}

// Reply builds a command reply addressed to replyWith.
func Reply(replyWith string, exitCode int, output string) Message {
	return Message{What: replyWith, ExitCode: &exitCode, Output: output}
}

// Encoder writes newline-delimited JSON messages. It is safe for
// concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes msg followed by a newline as a single write.
func (e *Encoder) Encode(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s message: %w", msg.What, err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(data)
	return err
}

// Decoder reads newline-delimited JSON messages. Empty lines are skipped,
// which also swallows the server's readiness marker on the client side.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	if br, ok := r.(*bufio.Reader); ok {
		return &Decoder{r: br}
	}
	return &Decoder{r: bufio.NewReader(r)}
}

// Reader exposes the buffered reader so callers can switch to raw reads
// after a header line.
func (d *Decoder) Reader() *bufio.Reader {
	return d.r
}

func (d *Decoder) Decode() (Message, error) {
	for {
		line, err := d.readLine()
		if err != nil {
			return Message{}, err
		}
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, fmt.Errorf("decode message: %w", err)
		}
		return msg, nil
	}
}

func (d *Decoder) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, isPrefix, err := d.r.ReadLine()
		if err != nil {
			return nil, err
		}
		line = append(line, chunk...)
		if len(line) > MaxLineSize {
			return nil, ErrLineTooLong
		}
		if !isPrefix {
			return line, nil
		}
	}
}
