package protocol

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"collabtext/internal/workspace"
)

var (
	// ErrUnknownKind is returned for envelopes whose tag is not one of the
	// seven known kinds.
	ErrUnknownKind = errors.New("protocol: unknown envelope kind")

	// ErrMalformed is returned for envelopes missing a field their kind
	// requires, and for frames that cannot be decoded.
	ErrMalformed = errors.New("protocol: malformed envelope")
)

// maxFrameSize caps decompressed frames.
const maxFrameSize = 64 << 20

// wireEnvelope is the serialized shape of every envelope kind.
type wireEnvelope struct {
	Kind          Kind              `json:"type"`
	Participant   *Participant      `json:"participant,omitempty"`
	ParticipantID string            `json:"participantId,omitempty"`
	Tree          []*workspace.Node `json:"tree,omitempty"`
}

// frame wraps an encoded envelope with the transport-level origin of the
// sender, so shared media that echo back to the publisher can drop their
// own traffic.
type frame struct {
	Origin     string `cbor:"1,keyasint"`
	Compressed bool   `cbor:"2,keyasint,omitempty"`
	Body       []byte `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType:   reflect.TypeOf(map[string]any(nil)),
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("protocol: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxFrameSize))
	if err != nil {
		panic("protocol: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode serializes an envelope to CBOR.
func Encode(env Envelope) ([]byte, error) {
	var wire wireEnvelope
	switch e := env.(type) {
	case Join:
		wire = wireEnvelope{Kind: KindJoin, Participant: &e.Participant}
	case JoinRequest:
		wire = wireEnvelope{Kind: KindJoinRequest, Participant: &e.Participant}
	case Update:
		wire = wireEnvelope{Kind: KindUpdate, Participant: &e.Participant}
	case Leave:
		wire = wireEnvelope{Kind: KindLeave, ParticipantID: e.ParticipantID}
	case Heartbeat:
		wire = wireEnvelope{Kind: KindHeartbeat, ParticipantID: e.ParticipantID}
	case SyncInit:
		wire = wireEnvelope{Kind: KindSyncInit, Tree: workspace.Strip(e.Tree)}
	case SyncFiles:
		wire = wireEnvelope{Kind: KindSyncFiles, Tree: workspace.Strip(e.Tree)}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, env)
	}
	return encMode.Marshal(wire)
}

// Decode parses a CBOR envelope. Unknown tags and envelopes missing the
// fields their kind requires are rejected. Trees are decoded but not
// validated; callers run workspace.Validate before merging.
func Decode(data []byte) (Envelope, error) {
	var wire wireEnvelope
	if err := decMode.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch wire.Kind {
	case KindJoin, KindJoinRequest, KindUpdate:
		if wire.Participant == nil || wire.Participant.ID == "" {
			return nil, fmt.Errorf("%w: %s without participant", ErrMalformed, wire.Kind)
		}
		participant := *wire.Participant
		switch wire.Kind {
		case KindJoin:
			return Join{Participant: participant}, nil
		case KindJoinRequest:
			return JoinRequest{Participant: participant}, nil
		default:
			return Update{Participant: participant}, nil
		}
	case KindLeave, KindHeartbeat:
		if wire.ParticipantID == "" {
			return nil, fmt.Errorf("%w: %s without participant id", ErrMalformed, wire.Kind)
		}
		if wire.Kind == KindLeave {
			return Leave{ParticipantID: wire.ParticipantID}, nil
		}
		return Heartbeat{ParticipantID: wire.ParticipantID}, nil
	case KindSyncInit:
		return SyncInit{Tree: orEmpty(wire.Tree)}, nil
	case KindSyncFiles:
		return SyncFiles{Tree: orEmpty(wire.Tree)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, wire.Kind)
	}
}

func orEmpty(tree []*workspace.Node) []*workspace.Node {
	if tree == nil {
		return []*workspace.Node{}
	}
	return tree
}

// EncodeFrame encodes env and wraps it with origin. Bodies larger than
// compressAbove bytes are zstd-compressed; zero disables compression.
func EncodeFrame(origin string, env Envelope, compressAbove int) ([]byte, error) {
	body, err := Encode(env)
	if err != nil {
		return nil, err
	}
	f := frame{Origin: origin, Body: body}
	if compressAbove > 0 && len(body) > compressAbove {
		f.Body = zstdEncoder.EncodeAll(body, make([]byte, 0, len(body)/2))
		f.Compressed = true
	}
	return encMode.Marshal(f)
}

// DecodeFrame reverses EncodeFrame, returning the origin and the envelope.
func DecodeFrame(data []byte) (string, Envelope, error) {
	var f frame
	if err := decMode.Unmarshal(data, &f); err != nil {
		return "", nil, fmt.Errorf("%w: frame: %v", ErrMalformed, err)
	}
	body := f.Body
	if f.Compressed {
		var err error
		body, err = zstdDecoder.DecodeAll(f.Body, nil)
		if err != nil {
			return f.Origin, nil, fmt.Errorf("%w: decompress: %v", ErrMalformed, err)
		}
	}
	env, err := Decode(body)
	return f.Origin, env, err
}
