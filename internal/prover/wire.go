package prover

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

var (
	ErrUnexpectedMessage = errors.New("prover: unexpected control message")
	ErrRejected          = errors.New("prover: rejected by notary")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("prover: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("prover: CBOR decoder initialization failed: " + err.Error())
	}
}

type Kind uint8

const (
	KindSetup Kind = iota + 1
	KindSetupAck
	KindNotarize
	KindNotarizeAck
)

func (k Kind) String() string {
	switch k {
	case KindSetup:
		return "setup"
	case KindSetupAck:
		return "setup.ack"
	case KindNotarize:
		return "notarize"
	case KindNotarizeAck:
		return "notarize.ack"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

type Envelope struct {
	Kind Kind            `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint"`
}

type SetupRequest struct {
	SessionID   string `cbor:"1,keyasint"`
	ServerName  string `cbor:"2,keyasint"`
	MaxSentData int    `cbor:"3,keyasint"`
	MaxRecvData int    `cbor:"4,keyasint"`
}

type Ack struct {
	OK    bool   `cbor:"1,keyasint"`
	Error string `cbor:"2,keyasint,omitempty"`
}

func (a Ack) Err() error {
	if a.OK {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrRejected, a.Error)
}

type NotarizeRequest struct {
	SessionID          string               `cbor:"1,keyasint"`
	Sent               TranscriptCommitment `cbor:"2,keyasint"`
	Received           TranscriptCommitment `cbor:"3,keyasint"`
	CommitmentPwdProof []byte               `cbor:"4,keyasint"`
	PubKeyConsumer     []byte               `cbor:"5,keyasint"`
}

// Commitment is the blake3 digest of the request's deterministic encoding;
// it is the message the notary signs.
func (r NotarizeRequest) Commitment() ([]byte, error) {
	data, err := encMode.Marshal(r)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(data)
	return sum[:], nil
}

type NotarizeAck struct {
	Ack   Ack          `cbor:"1,keyasint"`
	Proof *SignedProof `cbor:"2,keyasint,omitempty"`
}

// Channel carries control messages between a prover and its notary.
type Channel struct {
	sendMu sync.Mutex
	enc    *cbor.Encoder
	recvMu sync.Mutex
	dec    *cbor.Decoder
}

func NewChannel(rw io.ReadWriter) *Channel {
	return &Channel{
		enc: encMode.NewEncoder(rw),
		dec: decMode.NewDecoder(rw),
	}
}

func (c *Channel) Send(kind Kind, body any) error {
	raw, err := encMode.Marshal(body)
	if err != nil {
		return fmt.Errorf("prover: encode %s: %w", kind, err)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.enc.Encode(Envelope{Kind: kind, Body: raw}); err != nil {
		return fmt.Errorf("prover: send %s: %w", kind, err)
	}
	return nil
}

func (c *Channel) Receive() (Kind, cbor.RawMessage, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	var env Envelope
	if err := c.dec.Decode(&env); err != nil {
		return 0, nil, fmt.Errorf("prover: receive: %w", err)
	}
	return env.Kind, env.Body, nil
}

// Expect receives one message and decodes it into out if it has kind want.
func (c *Channel) Expect(want Kind, out any) error {
	kind, raw, err := c.Receive()
	if err != nil {
		return err
	}
	if kind != want {
		return fmt.Errorf("%w: got %s want %s", ErrUnexpectedMessage, kind, want)
	}
	if err := decMode.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("prover: decode %s: %w", kind, err)
	}
	return nil
}

// Decode unpacks a body returned by Receive.
func Decode(raw cbor.RawMessage, out any) error {
	return decMode.Unmarshal(raw, out)
}
