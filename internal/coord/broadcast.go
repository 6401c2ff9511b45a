// Package coord provides the cross-instance coordination primitives keyed by
// database path: a broadcast bus for reinit/close notifications and a named
// readers-writer lock guarding bulk import/export.
//
// Both are process-wide registries, the native analog of BroadcastChannel and
// the Web Locks API. A js/wasm build can layer the browser primitives behind
// the same functions; when no peer subscribes, the bus degrades silently to
// single-instance operation.
package coord

import (
	"sync"
	"time"
)

// MessageType tags a broadcast message.
type MessageType string

const (
	// MessageReinit tells peers the database file was rewritten and their
	// in-memory state must be rebuilt.
	MessageReinit MessageType = "reinit"
	// MessageClose tells peers the sender is about to rewrite or abandon the
	// database file.
	MessageClose MessageType = "close"
)

// Message is one broadcast notification.
type Message struct {
	Type      MessageType
	ClientKey string
	Timestamp int64
}

// Handlers receive peer notifications. Either may be nil.
type Handlers struct {
	OnReinit func(Message)
	OnClose  func(Message)
}

// ChannelName derives the bus name for a database path. It is a pure function
// of the path so independent subscribers on the same path converge.
func ChannelName(databasePath string) string {
	return "draftdb-sync:" + databasePath
}

// Subscription is one subscriber on a channel.
type Subscription struct {
	channel   string
	clientKey string
	handlers  Handlers
	closed    bool
}

var (
	busMu  sync.Mutex
	busSub = map[string][]*Subscription{}
)

// Subscribe registers handlers on the channel for databasePath. clientKey
// identifies the subscriber; its own posts are never delivered back to it.
func Subscribe(databasePath, clientKey string, handlers Handlers) *Subscription {
	s := &Subscription{
		channel:   ChannelName(databasePath),
		clientKey: clientKey,
		handlers:  handlers,
	}
	busMu.Lock()
	busSub[s.channel] = append(busSub[s.channel], s)
	busMu.Unlock()
	return s
}

// Post broadcasts a message of type t to every peer on the channel. The
// sender's own handlers are filtered out by clientKey.
func (s *Subscription) Post(t MessageType) {
	msg := Message{Type: t, ClientKey: s.clientKey, Timestamp: time.Now().UnixMilli()}

	busMu.Lock()
	subs := append([]*Subscription(nil), busSub[s.channel]...)
	busMu.Unlock()

	for _, peer := range subs {
		if peer.clientKey == msg.ClientKey {
			continue
		}
		peer.dispatch(msg)
	}
}

func (s *Subscription) dispatch(msg Message) {
	busMu.Lock()
	closed := s.closed
	h := s.handlers
	busMu.Unlock()
	if closed {
		return
	}
	switch msg.Type {
	case MessageReinit:
		if h.OnReinit != nil {
			h.OnReinit(msg)
		}
	case MessageClose:
		if h.OnClose != nil {
			h.OnClose(msg)
		}
	}
}

// Close unsubscribes. Idempotent; messages in flight are dropped.
func (s *Subscription) Close() {
	busMu.Lock()
	defer busMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	subs := busSub[s.channel]
	for i, peer := range subs {
		if peer == s {
			busSub[s.channel] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(busSub[s.channel]) == 0 {
		delete(busSub, s.channel)
	}
}
