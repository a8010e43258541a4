package relay

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Frame is one message on the duplex relay socket. The provider sends
// setup, prompt, dtmf, and interrupt; the platform sends only text frames
// carrying the complete utterance with last set, since downstream speech
// synthesis operates on whole utterances.
type Frame struct {
	Type string `json:"type"`

	// setup
	CallID string `json:"callId,omitempty"`
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`

	// prompt
	Text string `json:"text,omitempty"`

	// dtmf
	Digits string `json:"digits,omitempty"`

	// text (platform -> provider)
	Token string `json:"token,omitempty"`
	Last  bool   `json:"last,omitempty"`
}

// Inbound frame types.
const (
	FrameSetup     = "setup"
	FramePrompt    = "prompt"
	FrameDTMF      = "dtmf"
	FrameInterrupt = "interrupt"
	FrameText      = "text"
)

type frameSchemaRegistry struct {
	once    sync.Once
	initErr error
	base    *jsonschema.Schema
	byType  map[string]*jsonschema.Schema
}

var frameSchemas frameSchemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		base, err := jsonschema.CompileString("relay_frame", relayFrameSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.base = base

		perType := map[string]string{
			FrameSetup:  setupFrameSchema,
			FramePrompt: promptFrameSchema,
			FrameDTMF:   dtmfFrameSchema,
		}
		frameSchemas.byType = make(map[string]*jsonschema.Schema, len(perType))
		for name, schema := range perType {
			compiled, err := jsonschema.CompileString("relay_frame_"+name, schema)
			if err != nil {
				frameSchemas.initErr = err
				return
			}
			frameSchemas.byType[name] = compiled
		}
	})
	return frameSchemas.initErr
}

// decodeFrame parses and validates one inbound frame.
func decodeFrame(raw []byte) (*Frame, error) {
	if err := initFrameSchemas(); err != nil {
		return nil, err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("relay: malformed frame: %w", err)
	}
	if err := frameSchemas.base.Validate(payload); err != nil {
		return nil, fmt.Errorf("relay: invalid frame: %w", err)
	}

	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("relay: malformed frame: %w", err)
	}
	if schema := frameSchemas.byType[frame.Type]; schema != nil {
		if err := schema.Validate(payload); err != nil {
			return nil, fmt.Errorf("relay: invalid %s frame: %w", frame.Type, err)
		}
	}
	return &frame, nil
}

// textFrame builds the single response message for a turn.
func textFrame(utterance string) *Frame {
	return &Frame{Type: FrameText, Token: utterance, Last: true}
}

const relayFrameSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": { "enum": ["setup", "prompt", "dtmf", "interrupt"] }
  }
}`

const setupFrameSchema = `{
  "type": "object",
  "required": ["type", "callId"],
  "properties": {
    "type": { "const": "setup" },
    "callId": { "type": "string", "minLength": 1 },
    "from": { "type": "string" },
    "to": { "type": "string" }
  }
}`

const promptFrameSchema = `{
  "type": "object",
  "required": ["type", "text"],
  "properties": {
    "type": { "const": "prompt" },
    "text": { "type": "string" }
  }
}`

const dtmfFrameSchema = `{
  "type": "object",
  "required": ["type", "digits"],
  "properties": {
    "type": { "const": "dtmf" },
    "digits": { "type": "string", "pattern": "^[0-9*#w]+$" }
  }
}`
