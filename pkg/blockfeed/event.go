package blockfeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// BlockKind distinguishes the two block kinds of the chain.
type BlockKind uint8

const (
	KindMicro BlockKind = iota
	KindMacro
)

func (k BlockKind) String() string {
	if k == KindMacro {
		return "macro"
	}
	return "micro"
}

func (k BlockKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *BlockKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "micro":
		*k = KindMicro
	case "macro":
		*k = KindMacro
	default:
		return fmt.Errorf("unknown block kind %q", b)
	}
	return nil
}

// BlockEvent is one observed head update. ValidatorAddress is empty exactly when
// Kind is KindMacro.
type BlockEvent struct {
	Number           uint64    `json:"blockNumber"`
	Epoch            uint64    `json:"epoch"`
	Batch            uint64    `json:"batch"`
	Timestamp        time.Time `json:"timestamp"`
	ValidatorAddress string    `json:"validatorAddress,omitempty"`
	Kind             BlockKind `json:"kind"`
	Hash             string    `json:"hash"`
}

// IsMicro reports whether a single validator produced the block.
func (e BlockEvent) IsMicro() bool { return e.Kind == KindMicro }

// Relay message types.
const (
	MessageBlock = "block"
	MessageError = "error"
)

// RelayMessage is the envelope streamed by the relay.
type RelayMessage struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// RelayBlock is the payload of a "block" message.
type RelayBlock struct {
	Number    uint64 `json:"number"`
	Epoch     uint64 `json:"epoch"`
	Batch     uint64 `json:"batch"`
	Validator string `json:"validator,omitempty"`
	Type      string `json:"type,omitempty"`
}

// ErrMalformedBlock is returned for block messages that violate the micro/macro
// invariant or carry no block number.
var ErrMalformedBlock = errors.New("malformed block message")

// Message is a decoded relay message. Block is set for "block", Error for "error";
// any other Type is ignorable.
type Message struct {
	Type  string
	Block *BlockEvent
	Error string
}

// ParseMessage decodes a relay message received at now.
func ParseMessage(raw []byte, now time.Time) (Message, error) {
	var env RelayMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("decode relay message: %w", err)
	}

	switch env.Type {
	case MessageBlock:
		var b RelayBlock
		if len(env.Data) == 0 {
			return Message{}, fmt.Errorf("%w: missing data", ErrMalformedBlock)
		}
		if err := json.Unmarshal(env.Data, &b); err != nil {
			return Message{}, fmt.Errorf("decode block payload: %w", err)
		}
		if _, ok := payloadNumber(env.Data); !ok {
			return Message{}, fmt.Errorf("%w: missing number", ErrMalformedBlock)
		}
		ev, err := b.Event(now)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: env.Type, Block: &ev}, nil
	case MessageError:
		return Message{Type: env.Type, Error: env.Message}, nil
	default:
		return Message{Type: env.Type}, nil
	}
}

// payloadNumber reads the block number of a "block" payload. Block 0 is a valid
// number; only an absent or null field is missing.
func payloadNumber(data []byte) (uint64, bool) {
	var probe struct {
		Number *uint64 `json:"number"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.Number == nil {
		return 0, false
	}
	return *probe.Number, true
}

// BlockNumber returns the number carried by an encoded "block" message. Any other
// message, or a block without a number, reports false.
func BlockNumber(raw []byte) (uint64, bool) {
	var env RelayMessage
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != MessageBlock {
		return 0, false
	}
	return payloadNumber(env.Data)
}

// Event normalizes the relay payload. The kind follows the validator field; an
// explicit "micro" without a validator is rejected.
func (b RelayBlock) Event(now time.Time) (BlockEvent, error) {
	ev := BlockEvent{
		Number:    b.Number,
		Epoch:     b.Epoch,
		Batch:     b.Batch,
		Timestamp: now,
		Hash:      strconv.FormatUint(b.Number, 10),
	}
	switch {
	case b.Type == "macro":
		ev.Kind = KindMacro
	case b.Validator != "":
		ev.Kind = KindMicro
		ev.ValidatorAddress = b.Validator
	case b.Type == "micro":
		return BlockEvent{}, fmt.Errorf("%w: micro block %d without validator", ErrMalformedBlock, b.Number)
	default:
		ev.Kind = KindMacro
	}
	return ev, nil
}

// EncodeBlock builds the relay "block" message for b.
func EncodeBlock(b RelayBlock) ([]byte, error) {
	if b.Type == "" {
		b.Type = "macro"
		if b.Validator != "" {
			b.Type = "micro"
		}
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return json.Marshal(RelayMessage{Type: MessageBlock, Data: data})
}

// EncodeError builds the relay "error" message.
func EncodeError(msg string) ([]byte, error) {
	return json.Marshal(RelayMessage{Type: MessageError, Message: msg})
}
