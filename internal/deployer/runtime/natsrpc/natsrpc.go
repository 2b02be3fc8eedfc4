// Package natsrpc implements the cluster runtime over the agent's NATS
// request/reply surface.
package natsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gitfleet/gitfleet/internal/events"
	"github.com/gitfleet/gitfleet/internal/fleet"
)

// requester is the slice of the NATS client the runtime needs.
type requester interface {
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) (*nats.Msg, error)
}

// Runtime talks to a remote cluster agent over request/reply.
type Runtime struct {
	nats    requester
	cluster string
	subject string
	timeout time.Duration
}

// NewRuntime returns a runtime for the agent serving the given subject
// prefix.
func NewRuntime(nc requester, clusterName, subject string, timeout time.Duration) *Runtime {
	return &Runtime{nats: nc, cluster: clusterName, subject: subject, timeout: timeout}
}

// Live asks the agent for the live state of the given keys.
func (r *Runtime) Live(ctx context.Context, keys []fleet.ResourceKey) (map[fleet.ResourceKey]fleet.Manifest, error) {
	data, err := json.Marshal(events.AgentLiveRequest{Keys: keys})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal live request: %w", err)
	}
	msg, err := r.nats.Request(ctx, r.subject+".live", data, r.timeout)
	if err != nil {
		return nil, r.transportErr("live", err)
	}
	var resp events.AgentLiveResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode live response: %w", err)
	}
	if resp.Error != "" {
		return nil, &fleet.ConnectivityError{Cluster: r.cluster, Err: errors.New(resp.Error)}
	}
	out := make(map[fleet.ResourceKey]fleet.Manifest, len(resp.Objects))
	for _, m := range resp.Objects {
		out[m.Key] = m
	}
	return out, nil
}

// Apply sends one manifest to the agent.
func (r *Runtime) Apply(ctx context.Context, m fleet.Manifest) error {
	data, err := json.Marshal(events.AgentApplyRequest{Manifest: m})
	if err != nil {
		return fmt.Errorf("failed to marshal apply request: %w", err)
	}
	msg, err := r.nats.Request(ctx, r.subject+".apply", data, r.timeout)
	if err != nil {
		return r.transportErr("apply", err)
	}
	return r.decodeReply(msg.Data, m.Key)
}

// Delete asks the agent to delete one resource.
func (r *Runtime) Delete(ctx context.Context, key fleet.ResourceKey) error {
	data, err := json.Marshal(events.AgentDeleteRequest{Key: key})
	if err != nil {
		return fmt.Errorf("failed to marshal delete request: %w", err)
	}
	msg, err := r.nats.Request(ctx, r.subject+".delete", data, r.timeout)
	if err != nil {
		return r.transportErr("delete", err)
	}
	return r.decodeReply(msg.Data, key)
}

// decodeReply maps an agent reply to an error. A rejected request is an
// ApplyError for that resource.
func (r *Runtime) decodeReply(data []byte, key fleet.ResourceKey) error {
	var reply events.Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return fmt.Errorf("failed to decode agent reply: %w", err)
	}
	if !reply.OK {
		return &fleet.ApplyError{Key: key, Err: errors.New(reply.Error)}
	}
	return nil
}

// transportErr classifies request failures. No responder or a deadline
// means the cluster is unreachable; both are retried.
func (r *Runtime) transportErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
		return &fleet.TimeoutError{Op: r.cluster + " " + op, Err: err}
	}
	return &fleet.ConnectivityError{Cluster: r.cluster, Err: err}
}
