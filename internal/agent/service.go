// Package agent implements the cluster-side half of the deployer. The
// agent holds its cluster's live state, serves the apply RPC surface over
// NATS and keeps the control plane informed with heartbeats.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"github.com/samber/lo"

	memruntime "github.com/gitfleet/gitfleet/internal/deployer/runtime/memory"
	"github.com/gitfleet/gitfleet/internal/events"
	"github.com/gitfleet/gitfleet/internal/shared/config"
	"github.com/gitfleet/gitfleet/internal/shared/nats"
)

// Service is the cluster agent.
type Service struct {
	logger     *slog.Logger
	config     *config.AgentConfig
	natsClient *nats.Client
	runtime    *memruntime.Runtime
	clusterID  uuid.UUID
	subject    string
}

// NewService creates a new agent service
func NewService(cfg *config.AgentConfig, logger *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	clusterID, err := uuid.Parse(cfg.ClusterID)
	if err != nil {
		return nil, fmt.Errorf("invalid cluster id %q: %w", cfg.ClusterID, err)
	}

	natsClient, err := nats.NewClient(cfg.NATS, "agent")
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS client: %w", err)
	}

	return &Service{
		logger:     logger,
		config:     cfg,
		natsClient: natsClient,
		runtime:    memruntime.NewRuntime(),
		clusterID:  clusterID,
		subject:    "agent." + clusterID.String(),
	}, nil
}

// Start registers the cluster, serves the RPC surface and heartbeats until
// the context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info("Starting cluster agent", "cluster_id", s.clusterID, "subject", s.subject)

	if err := s.register(); err != nil {
		return err
	}

	nc := s.natsClient.WithContext(ctx)
	subs := map[string]func(*natsgo.Msg){
		s.subject + ".live":   s.handleLive,
		s.subject + ".apply":  s.handleApply,
		s.subject + ".delete": s.handleDelete,
	}
	for subject, handler := range subs {
		if _, err := nc.Subscribe(subject, handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
	}

	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		s.heartbeat()
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Stop releases the service's external connections.
func (s *Service) Stop() {
	if s.natsClient != nil {
		s.natsClient.Close()
	}
}

// register announces the cluster and its label set to the control plane.
func (s *Service) register() error {
	labels := lo.SliceToMap(s.config.Labels, func(pair string) (string, string) {
		k, v, _ := strings.Cut(pair, "=")
		return k, v
	})
	event := events.ClusterRegister{
		ClusterID:    s.clusterID,
		Name:         s.config.ClusterName,
		Labels:       labels,
		AgentSubject: s.subject,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal register event: %w", err)
	}
	if err := s.natsClient.Publish(events.SubjectClusterRegister, data); err != nil {
		return fmt.Errorf("failed to publish register event: %w", err)
	}
	return nil
}

func (s *Service) heartbeat() {
	data, err := json.Marshal(events.ClusterHeartbeat{ClusterID: s.clusterID})
	if err != nil {
		return
	}
	if err := s.natsClient.Publish(events.SubjectClusterHeartbeat, data); err != nil {
		s.logger.Warn("Failed to publish heartbeat", "error", err)
	}
}

func (s *Service) handleLive(msg *natsgo.Msg) {
	var req events.AgentLiveRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respondLive(msg, events.AgentLiveResponse{Error: err.Error()})
		return
	}
	live, err := s.runtime.Live(context.Background(), req.Keys)
	if err != nil {
		s.respondLive(msg, events.AgentLiveResponse{Error: err.Error()})
		return
	}
	resp := events.AgentLiveResponse{Objects: lo.Values(live)}
	s.respondLive(msg, resp)
}

func (s *Service) handleApply(msg *natsgo.Msg) {
	var req events.AgentApplyRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, events.Reply{Error: err.Error()})
		return
	}
	if err := s.runtime.Apply(context.Background(), req.Manifest); err != nil {
		s.respond(msg, events.Reply{Error: err.Error()})
		return
	}
	s.logger.Debug("Applied resource", "key", req.Manifest.Key.String())
	s.respond(msg, events.Reply{OK: true})
}

func (s *Service) handleDelete(msg *natsgo.Msg) {
	var req events.AgentDeleteRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, events.Reply{Error: err.Error()})
		return
	}
	if err := s.runtime.Delete(context.Background(), req.Key); err != nil {
		s.respond(msg, events.Reply{Error: err.Error()})
		return
	}
	s.logger.Debug("Deleted resource", "key", req.Key.String())
	s.respond(msg, events.Reply{OK: true})
}

func (s *Service) respond(msg *natsgo.Msg, reply events.Reply) {
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("Failed to respond", "subject", msg.Subject, "error", err)
	}
}

func (s *Service) respondLive(msg *natsgo.Msg, resp events.AgentLiveResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("Failed to respond", "subject", msg.Subject, "error", err)
	}
}

// Runtime exposes the agent's live store. The deployer tests drive an
// agent end to end through it.
func (s *Service) Runtime() *memruntime.Runtime {
	return s.runtime
}
