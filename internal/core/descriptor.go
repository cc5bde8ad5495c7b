package core

import (
	"context"
	"time"
)

// ChannelDescriptor is the administrative metadata for a channel
// (spec.md §3): "Created by the administrative collaborator; the broker
// loads or receives the descriptor on first contact."
type ChannelDescriptor struct {
	ID          string
	DisplayName string
	Capacity    int
	CreatedAt   time.Time
}

// ChannelDescriptorSource resolves a channel id to its administrative
// descriptor. It is the core's only dependency on the administrative
// collaborator (spec.md §9: "Authentication / authorization and channel
// CRUD live outside the core").
type ChannelDescriptorSource interface {
	Describe(ctx context.Context, channelID string) (ChannelDescriptor, error)
}
