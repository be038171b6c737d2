// Package events receives change notifications for the remote tree over a
// websocket and turns them into push batches for the tree cache.
package events

import (
	"fmt"
	"time"

	"github.com/openmined/treesync/internal/remotetree"
)

const TypeChanges = "changes"

// Message is one frame sent by the notification service.
type Message struct {
	Type string `json:"type"`
	// Origin identifies the client that caused the changes.
	Origin  string   `json:"origin,omitempty"`
	Changes []Change `json:"changes,omitempty"`
}

type Change struct {
	Kind string `json:"kind"`
	Node Node   `json:"node"`
}

type Node struct {
	ID       string    `json:"id"`
	ParentID string    `json:"parent_id"`
	Type     string    `json:"type"`
	Name     string    `json:"name"`
	Size     int64     `json:"size,omitempty"`
	Modified time.Time `json:"modified"`
	ETag     string    `json:"etag,omitempty"`
}

// Decode parses a frame.
func Decode(raw []byte) (*Message, error) {
	var msg Message
	if err := jsonUnmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("events: decode: %w", err)
	}
	return &msg, nil
}

// Encode serializes a frame.
func Encode(msg *Message) ([]byte, error) {
	return jsonMarshal(msg)
}

// Batch converts the message into a push batch. Changes made by clientID are
// flagged as own changes.
func (m *Message) Batch(clientID string) (remotetree.PushBatch, error) {
	mine := clientID != "" && m.Origin == clientID
	batch := make(remotetree.PushBatch, 0, len(m.Changes))
	for _, c := range m.Changes {
		kind, err := parseKind(c.Kind)
		if err != nil {
			return nil, err
		}
		typ, err := parseNodeType(c.Node.Type)
		if err != nil {
			return nil, err
		}
		batch = append(batch, remotetree.PushEntry{
			Kind: kind,
			Mine: mine,
			Node: remotetree.RemoteNode{
				ID:           c.Node.ID,
				ParentID:     c.Node.ParentID,
				Type:         typ,
				Name:         c.Node.Name,
				Size:         c.Node.Size,
				ModifiedTime: c.Node.Modified,
				ETag:         c.Node.ETag,
			},
		})
	}
	return batch, nil
}

func parseKind(s string) (remotetree.PushKind, error) {
	for _, k := range []remotetree.PushKind{remotetree.PushAdded, remotetree.PushUpdated, remotetree.PushDeleted} {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("events: unknown change kind %q", s)
}

func parseNodeType(s string) (remotetree.NodeType, error) {
	for _, t := range []remotetree.NodeType{remotetree.File, remotetree.Folder, remotetree.RootFolder, remotetree.Trash} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("events: unknown node type %q", s)
}
