package ipc

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrClosed is returned when sending on a closed transport.
var ErrClosed = errors.New("ipc: transport closed")

// Encoder writes newline-delimited messages. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes msg followed by a newline.
func (e *Encoder) Encode(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Method, err)
	}
	data = append(data, '\n')
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(data)
	return err
}

// Decoder reads newline-delimited messages.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Decode reads the next message. It returns io.EOF at the end of the stream.
func (d *Decoder) Decode() (Message, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		if len(line) > 0 && !isBlank(line) {
			var msg Message
			if jerr := json.Unmarshal(line, &msg); jerr != nil {
				return Message{}, fmt.Errorf("decode message: %w", jerr)
			}
			return msg, nil
		}
		if err != nil {
			return Message{}, err
		}
	}
}

func isBlank(line []byte) bool {
	for _, b := range line {
		if b != ' ' && b != '\n' && b != '\r' && b != '\t' {
			return false
		}
	}
	return true
}

// Peer is the worker's end of a transport.
type Peer interface {
	Send(msg Message) error
	// Recv blocks for the next message and returns io.EOF once the
	// dispatcher side is gone.
	Recv() (Message, error)
}

// StreamPeer is a Peer over a pair of byte streams, used by worker processes.
type StreamPeer struct {
	dec *Decoder
	enc *Encoder
}

// NewStreamPeer creates a peer reading from r and writing to w.
func NewStreamPeer(r io.Reader, w io.Writer) *StreamPeer {
	return &StreamPeer{dec: NewDecoder(r), enc: NewEncoder(w)}
}

// Send implements Peer.
func (p *StreamPeer) Send(msg Message) error {
	return p.enc.Encode(msg)
}

// Recv implements Peer.
func (p *StreamPeer) Recv() (Message, error) {
	return p.dec.Decode()
}
