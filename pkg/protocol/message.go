package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sshsync/pkg/types"
)

// ErrMalformed is returned for frames that are not exactly one valid message
var ErrMalformed = errors.New("malformed message")

// Kind identifies which of the three wire messages a frame carries
type Kind int

const (
	KindHello Kind = iota + 1
	KindMtime
	KindSSH
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindMtime:
		return "mtime"
	case KindSSH:
		return "ssh"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is one decoded frame. Only the field matching Kind is set.
type Message struct {
	Kind  Kind
	Hello []byte
	Mtime time.Time
	SSH   types.ConfigState
}

// Hello wraps a signed hello payload
func Hello(payload []byte) Message {
	return Message{Kind: KindHello, Hello: payload}
}

// Mtime announces the sender's config timestamp
func Mtime(t time.Time) Message {
	return Message{Kind: KindMtime, Mtime: t}
}

// SSH carries a full config push
func SSH(state types.ConfigState) Message {
	return Message{Kind: KindSSH, SSH: state}
}

type sshPayload struct {
	Conf  *string    `json:"conf"`
	Mtime *time.Time `json:"mtime"`
}

type wireHello struct {
	Hello []byte `json:"hello"`
}

type wireMtime struct {
	Mtime time.Time `json:"mtime"`
}

type wireSSH struct {
	SSH sshPayload `json:"ssh"`
}

// Encode serializes a message into a single JSON object
func Encode(m Message) ([]byte, error) {
	var v interface{}
	switch m.Kind {
	case KindHello:
		if len(m.Hello) == 0 {
			return nil, fmt.Errorf("%w: empty hello", ErrMalformed)
		}
		v = wireHello{Hello: m.Hello}
	case KindMtime:
		v = wireMtime{Mtime: m.Mtime}
	case KindSSH:
		conf, mtime := m.SSH.Conf, m.SSH.Mtime
		v = wireSSH{SSH: sshPayload{Conf: &conf, Mtime: &mtime}}
	default:
		return nil, fmt.Errorf("%w: unknown kind %s", ErrMalformed, m.Kind)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.Kind, err)
	}
	return data, nil
}

// Decode parses a frame. The object must carry exactly one of the keys
// hello, mtime or ssh with a non-null value; other keys are ignored.
func Decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var (
		kind  Kind
		raw   json.RawMessage
		found int
	)
	for key, k := range map[string]Kind{"hello": KindHello, "mtime": KindMtime, "ssh": KindSSH} {
		v, ok := fields[key]
		if !ok || isNull(v) {
			continue
		}
		kind, raw = k, v
		found++
	}
	if found != 1 {
		return Message{}, fmt.Errorf("%w: expected exactly one of hello, mtime, ssh; got %d", ErrMalformed, found)
	}

	switch kind {
	case KindHello:
		var payload []byte
		if err := json.Unmarshal(raw, &payload); err != nil || len(payload) == 0 {
			return Message{}, fmt.Errorf("%w: bad hello payload", ErrMalformed)
		}
		return Hello(payload), nil

	case KindMtime:
		var t time.Time
		if err := json.Unmarshal(raw, &t); err != nil {
			return Message{}, fmt.Errorf("%w: bad mtime: %v", ErrMalformed, err)
		}
		return Mtime(t), nil

	default:
		var p sshPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return Message{}, fmt.Errorf("%w: bad ssh payload: %v", ErrMalformed, err)
		}
		if p.Conf == nil || p.Mtime == nil {
			return Message{}, fmt.Errorf("%w: ssh payload needs conf and mtime", ErrMalformed)
		}
		return SSH(types.ConfigState{Conf: *p.Conf, Mtime: *p.Mtime}), nil
	}
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
