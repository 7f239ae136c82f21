package models

import (
	"encoding/json"
	"testing"
)

func TestValidateInbound(t *testing.T) {
	tests := []struct {
		name    string
		msg     SignalMessage
		wantErr bool
	}{
		{
			name: "valid join",
			msg:  SignalMessage{Type: SignalTypeJoin, Modality: ModalityVoice},
		},
		{
			name:    "join without modality",
			msg:     SignalMessage{Type: SignalTypeJoin},
			wantErr: true,
		},
		{
			name:    "join with made-up modality",
			msg:     SignalMessage{Type: SignalTypeJoin, Modality: "screenshare"},
			wantErr: true,
		},
		{
			name: "valid leave",
			msg:  SignalMessage{Type: SignalTypeLeave, Modality: ModalityVideo},
		},
		{
			name: "valid offer",
			msg: SignalMessage{
				Type: SignalTypeOffer, To: "bob", Modality: ModalityVoice,
				Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
			},
		},
		{
			name: "offer without target",
			msg: SignalMessage{
				Type: SignalTypeOffer, Modality: ModalityVoice,
				Payload: json.RawMessage(`{}`),
			},
			wantErr: true,
		},
		{
			name:    "offer without payload",
			msg:     SignalMessage{Type: SignalTypeOffer, To: "bob", Modality: ModalityVoice},
			wantErr: true,
		},
		{
			name: "candidate without modality",
			msg: SignalMessage{
				Type: SignalTypeCandidate, To: "bob",
				Payload: json.RawMessage(`{}`),
			},
			wantErr: true,
		},
		{
			name: "valid sync",
			msg:  SignalMessage{Type: SignalTypeSync, Payload: json.RawMessage(`{"action":"pause"}`)},
		},
		{
			name:    "sync without payload",
			msg:     SignalMessage{Type: SignalTypeSync},
			wantErr: true,
		},
		{
			name:    "server-only type from client",
			msg:     SignalMessage{Type: SignalTypePeers},
			wantErr: true,
		},
		{
			name:    "unknown type",
			msg:     SignalMessage{Type: "frobnicate"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.ValidateInbound()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateInbound() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseInbound(t *testing.T) {
	msg, err := ParseInbound([]byte(`{"type":"mesh-join","modality":"voice"}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != SignalTypeJoin || msg.Modality != ModalityVoice {
		t.Errorf("parsed %+v", msg)
	}

	if _, err := ParseInbound([]byte(`not json`)); err == nil {
		t.Error("malformed frame accepted")
	}
	if _, err := ParseInbound([]byte(`{"type":"welcome"}`)); err == nil {
		t.Error("server-only frame accepted from client")
	}
}

func TestSignalMessagePayloadSurvivesRoundTrip(t *testing.T) {
	in := SignalMessage{
		Type: SignalTypeOffer, From: "alice", To: "bob",
		Modality: ModalityVideo,
		Payload:  json.RawMessage(`{"type":"offer","sdp":"v=0 custom"}`),
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out SignalMessage
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if string(out.Payload) != string(in.Payload) {
		t.Errorf("payload mangled: %s", out.Payload)
	}
}
