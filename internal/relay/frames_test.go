package relay

import (
	"encoding/json"
	"testing"
)

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(*testing.T, *Frame)
	}{
		{
			name: "setup",
			raw:  `{"type":"setup","callId":"CA123","from":"+15550001111","to":"+15550002222"}`,
			check: func(t *testing.T, f *Frame) {
				if f.CallID != "CA123" || f.From != "+15550001111" {
					t.Fatalf("bad setup frame: %+v", f)
				}
			},
		},
		{
			name: "prompt",
			raw:  `{"type":"prompt","text":"hello there"}`,
			check: func(t *testing.T, f *Frame) {
				if f.Text != "hello there" {
					t.Fatalf("bad prompt frame: %+v", f)
				}
			},
		},
		{
			name: "dtmf",
			raw:  `{"type":"dtmf","digits":"12#"}`,
			check: func(t *testing.T, f *Frame) {
				if f.Digits != "12#" {
					t.Fatalf("bad dtmf frame: %+v", f)
				}
			},
		},
		{
			name: "interrupt",
			raw:  `{"type":"interrupt"}`,
			check: func(t *testing.T, f *Frame) {
				if f.Type != FrameInterrupt {
					t.Fatalf("bad interrupt frame: %+v", f)
				}
			},
		},
		{name: "unknown type", raw: `{"type":"transfer"}`, wantErr: true},
		{name: "missing type", raw: `{"text":"hi"}`, wantErr: true},
		{name: "setup without call id", raw: `{"type":"setup"}`, wantErr: true},
		{name: "empty call id", raw: `{"type":"setup","callId":""}`, wantErr: true},
		{name: "prompt without text", raw: `{"type":"prompt"}`, wantErr: true},
		{name: "dtmf bad digits", raw: `{"type":"dtmf","digits":"abc"}`, wantErr: true},
		{name: "not json", raw: `prompt hello`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := decodeFrame([]byte(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeFrame: %v", err)
			}
			if tt.check != nil {
				tt.check(t, frame)
			}
		})
	}
}

func TestTextFrameAlwaysFinal(t *testing.T) {
	raw, err := json.Marshal(textFrame("over to you"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "text" || decoded["token"] != "over to you" {
		t.Fatalf("unexpected frame: %v", decoded)
	}
	if decoded["last"] != true {
		t.Fatal("text frame must carry last")
	}
}
