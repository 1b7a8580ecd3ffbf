// Package writeback carries non-critical durable writes: mutations are
// enqueued to the cache-side queue as they happen and a background flusher
// applies them to the durable store in batches. Balance mutations never
// travel this path.
package writeback

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/parleyhq/parley/pkg/types/chat"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Kind discriminates queued mutations
type Kind string

const (
	KindUser    Kind = "user"
	KindChat    Kind = "chat"
	KindThread  Kind = "thread"
	KindMessage Kind = "message"
	KindFile    Kind = "file"
)

// Mutation is one queued durable write. Exactly one payload field matching
// Kind is set.
type Mutation struct {
	Kind    Kind           `json:"kind"`
	User    *chat.User     `json:"user,omitempty"`
	Chat    *chat.Chat     `json:"chat,omitempty"`
	Thread  *chat.Thread   `json:"thread,omitempty"`
	Message *chat.Message  `json:"message,omitempty"`
	File    *chat.UserFile `json:"file,omitempty"`
}

// UserMutation queues a profile upsert
func UserMutation(u *chat.User) *Mutation {
	return &Mutation{Kind: KindUser, User: u}
}

// ChatMutation queues a chat upsert
func ChatMutation(c *chat.Chat) *Mutation {
	return &Mutation{Kind: KindChat, Chat: c}
}

// ThreadMutation queues a thread update
func ThreadMutation(t *chat.Thread) *Mutation {
	return &Mutation{Kind: KindThread, Thread: t}
}

// MessageMutation queues a message upsert
func MessageMutation(m *chat.Message) *Mutation {
	return &Mutation{Kind: KindMessage, Message: m}
}

// FileMutation queues a user-file insert
func FileMutation(f *chat.UserFile) *Mutation {
	return &Mutation{Kind: KindFile, File: f}
}

// Encode serializes the mutation for the queue
func (m *Mutation) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	return b, errors.Wrap(err, "failed to encode mutation")
}

// Decode deserializes a queued mutation
func Decode(b []byte) (*Mutation, error) {
	var m Mutation
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrap(err, "failed to decode mutation")
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Mutation) validate() error {
	switch m.Kind {
	case KindUser:
		if m.User == nil {
			return errors.New("user mutation without user payload")
		}
	case KindChat:
		if m.Chat == nil {
			return errors.New("chat mutation without chat payload")
		}
	case KindThread:
		if m.Thread == nil {
			return errors.New("thread mutation without thread payload")
		}
	case KindMessage:
		if m.Message == nil {
			return errors.New("message mutation without message payload")
		}
	case KindFile:
		if m.File == nil {
			return errors.New("file mutation without file payload")
		}
	default:
		return errors.Errorf("unknown mutation kind %q", m.Kind)
	}
	return nil
}
