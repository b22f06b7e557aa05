package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cruciblehq/cruxflow/internal/errdefs"
)

// Version of the envelope format. Envelopes of other versions are rejected.
const Version = 1

// Names a request or the kind of a response.
type Command string

const (
	CmdBuild    Command = "build"    // Runs a recipe, payload [BuildRequest].
	CmdStatus   Command = "status"   // Reports daemon state, no payload.
	CmdPrune    Command = "prune"    // Deletes unreferenced blobs, no payload.
	CmdShutdown Command = "shutdown" // Stops the daemon, no payload.
	CmdOK       Command = "ok"       // Successful response.
	CmdError    Command = "error"    // Failed response, payload [ErrorResult].
)

// Wraps every message on the wire.
type Envelope struct {
	Version int             `json:"version"`           // Envelope format version.
	Command Command         `json:"command"`           // Request or response kind.
	Payload json.RawMessage `json:"payload,omitempty"` // Command-specific body.
}

// Encodes a message. A nil payload is omitted.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Version: Version, Command: cmd}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, errdefs.Wrap(ErrProtocol, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errdefs.Wrap(ErrProtocol, err)
	}
	return data, nil
}

// Decodes a message line and returns the envelope and its raw payload.
func Decode(line []byte) (*Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(bytes.TrimSpace(line), &env); err != nil {
		return nil, nil, errdefs.Wrap(ErrProtocol, err)
	}
	if env.Version != Version {
		return nil, nil, errdefs.Wrapf(ErrProtocol, "unsupported version %d", env.Version)
	}
	if env.Command == "" {
		return nil, nil, errdefs.Wrapf(ErrProtocol, "missing command")
	}
	return &env, env.Payload, nil
}

// Decodes a payload into a new T.
func DecodePayload[T any](payload json.RawMessage) (*T, error) {
	var v T
	if len(payload) == 0 {
		return nil, errdefs.Wrapf(ErrProtocol, "missing payload")
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return nil, errdefs.Wrap(ErrProtocol, fmt.Errorf("decode %T: %w", v, err))
	}
	return &v, nil
}
