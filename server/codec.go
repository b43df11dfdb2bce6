package server

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

//MaxFrameSize bounds a single protocol frame. Anything larger is a
//malformed peer, not a legitimate inventory.
const MaxFrameSize = 16 << 20

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//ProtocolDecodeError marks a malformed frame on the wire. The connection
//it arrived on is closed; other connections are unaffected.
type ProtocolDecodeError struct {
	Reason string
	Err    error
}

func (e ProtocolDecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol decode: %s: %v", e.Reason, e.Err)
	}
	return "protocol decode: " + e.Reason
}

func (e ProtocolDecodeError) Unwrap() error { return e.Err }

//Codec frames messages as a 4 byte big-endian length prefix followed by
//that many bytes of JSON. Reads belong to one goroutine; writes are
//serialized internally so capture commands and console traffic may share
//a connection.
type Codec struct {
	r *bufio.Reader

	wMu sync.Mutex
	w   io.Writer
}

//NewCodec wraps a connection in the frame codec
func NewCodec(rw io.ReadWriter) *Codec {
	return &Codec{
		r: bufio.NewReader(rw),
		w: rw,
	}
}

//Read blocks for the next frame. Interrupting a blocked Read is done by
//closing the underlying connection.
func (c *Codec) Read() (*Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size == 0 || size > MaxFrameSize {
		return nil, ProtocolDecodeError{Reason: fmt.Sprintf("frame size %d out of bounds", size)}
	}

	frame := make([]byte, size)
	if _, err := io.ReadFull(c.r, frame); err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, ProtocolDecodeError{Reason: "bad frame payload", Err: err}
	}
	if msg.Type == "" {
		return nil, ProtocolDecodeError{Reason: "frame without type"}
	}
	return &msg, nil
}

//Write sends one frame
func (c *Codec) Write(msg *Message) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if len(frame) > MaxFrameSize {
		return ProtocolDecodeError{Reason: fmt.Sprintf("frame size %d out of bounds", len(frame))}
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame)))

	c.wMu.Lock()
	defer c.wMu.Unlock()
	if _, err := c.w.Write(header[:]); err != nil {
		return err
	}
	_, err = c.w.Write(frame)
	return err
}
