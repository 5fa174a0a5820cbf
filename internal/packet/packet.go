// Package packet defines the outer envelope carried on the data channel pair.
//
// The envelope is CBOR with integer keys. Every packet carries a version and
// a kind tag; exactly one sub-message is set.
package packet

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/dkeye/rtcsession/internal/domain"
)

// Version is the envelope version written by Encode and required by Decode.
const Version uint8 = 1

// Kind is the wire tag of the leg a packet was sent on.
type Kind uint8

const (
	KindReliable Kind = 0
	KindLossy    Kind = 1
)

var (
	ErrUnknownVersion = errors.New("unknown envelope version")
	ErrEmptyEnvelope  = errors.New("envelope carries no message")
)

// KindFor maps a reliability to its wire tag.
func KindFor(r domain.Reliability) Kind {
	if r == domain.Lossy {
		return KindLossy
	}
	return KindReliable
}

// Reliability maps a wire tag back to the reliability it stands for.
func (k Kind) Reliability() domain.Reliability {
	if k == KindLossy {
		return domain.Lossy
	}
	return domain.Reliable
}

// DataPacket is the outer envelope.
type DataPacket struct {
	Version  uint8          `cbor:"1,keyasint"`
	Kind     Kind           `cbor:"2,keyasint"`
	User     *UserPacket    `cbor:"3,keyasint,omitempty"`
	Speakers *SpeakerUpdate `cbor:"4,keyasint,omitempty"`
}

// UserPacket carries application payload.
type UserPacket struct {
	ParticipantSID  string   `cbor:"1,keyasint,omitempty"`
	Payload         []byte   `cbor:"2,keyasint"`
	DestinationSIDs []string `cbor:"3,keyasint,omitempty"`
	Topic           string   `cbor:"4,keyasint,omitempty"`
}

// SpeakerUpdate is sent by the server when active speakers change.
type SpeakerUpdate struct {
	Speakers []SpeakerInfo `cbor:"1,keyasint"`
}

type SpeakerInfo struct {
	SID    string  `cbor:"1,keyasint"`
	Level  float32 `cbor:"2,keyasint"`
	Active bool    `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("packet: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 4096,
	}.DecMode()
	if err != nil {
		panic("packet: CBOR decoder initialization failed: " + err.Error())
	}
}

// NewUser wraps a user payload for the given reliability.
func NewUser(u UserPacket, r domain.Reliability) DataPacket {
	return DataPacket{Version: Version, Kind: KindFor(r), User: &u}
}

// Encode serializes p. A zero Version is filled in.
func Encode(p DataPacket) ([]byte, error) {
	if p.Version == 0 {
		p.Version = Version
	}
	if p.User == nil && p.Speakers == nil {
		return nil, ErrEmptyEnvelope
	}
	b, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode packet: %w", err)
	}
	return b, nil
}

// Decode parses an envelope produced by Encode.
func Decode(b []byte) (DataPacket, error) {
	var p DataPacket
	if err := decMode.Unmarshal(b, &p); err != nil {
		return DataPacket{}, fmt.Errorf("decode packet: %w", err)
	}
	if p.Version != Version {
		return DataPacket{}, fmt.Errorf("%w: %d", ErrUnknownVersion, p.Version)
	}
	if p.User == nil && p.Speakers == nil {
		return DataPacket{}, ErrEmptyEnvelope
	}
	return p, nil
}
