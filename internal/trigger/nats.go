package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	DefaultSubjectPrefix  = "buildsched.build"
	DefaultRequestTimeout = 5 * time.Second
)

// NATSConfig configures NATSTrigger and Serve
type NATSConfig struct {
	SubjectPrefix string
	Timeout       time.Duration
}

func (c NATSConfig) withDefaults() NATSConfig {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultRequestTimeout
	}
	return c
}

// buildMessage is the request payload sent to build agents
type buildMessage struct {
	Request
	Identity Identity `json:"identity"`
}

// buildReply is the answer of a build agent
type buildReply struct {
	Outcome Outcome `json:"outcome"`
	Message string  `json:"message,omitempty"`
}

// NATSTrigger asks a build agent over NATS request/reply. The request goes to
// <prefix>.<target>; no responders means the target is unknown.
type NATSTrigger struct {
	logger *zap.Logger
	nc     *nats.Conn
	config NATSConfig
}

func NewNATSTrigger(nc *nats.Conn, config NATSConfig, logger *zap.Logger) *NATSTrigger {
	return &NATSTrigger{
		logger: logger.Named("nats-trigger"),
		nc:     nc,
		config: config.withDefaults(),
	}
}

// Trigger implements Trigger
func (t *NATSTrigger) Trigger(ctx context.Context, req Request) (Outcome, error) {
	data, err := json.Marshal(buildMessage{Request: req, Identity: IdentityFrom(ctx)})
	if err != nil {
		return Rejected, fmt.Errorf("failed to marshal build request: %w", err)
	}

	subject := SubjectFor(t.config.SubjectPrefix, req.TargetID)
	reqCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	msg, err := t.nc.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			t.logger.Warn("No build agent for target",
				zap.String("task_id", req.TaskID),
				zap.String("subject", subject))
			return NotFound, nil
		}
		return Rejected, fmt.Errorf("failed to request build on %s: %w", subject, err)
	}

	var reply buildReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return Rejected, fmt.Errorf("failed to unmarshal build reply: %w", err)
	}

	t.logger.Debug("Build agent replied",
		zap.String("task_id", req.TaskID),
		zap.String("subject", subject),
		zap.Stringer("outcome", reply.Outcome),
		zap.String("message", reply.Message))
	return reply.Outcome, nil
}

// Serve answers build requests on <prefix>.> by delegating to local. It is
// the agent side of NATSTrigger.
func Serve(nc *nats.Conn, config NATSConfig, local Trigger, logger *zap.Logger) (*nats.Subscription, error) {
	config = config.withDefaults()
	logger = logger.Named("build-agent")

	sub, err := nc.Subscribe(config.SubjectPrefix+".>", func(msg *nats.Msg) {
		var in buildMessage
		reply := buildReply{}
		if err := json.Unmarshal(msg.Data, &in); err != nil {
			logger.Error("Failed to unmarshal build request", zap.Error(err))
			reply.Outcome = Rejected
			reply.Message = err.Error()
		} else {
			ctx, cancel := context.WithTimeout(WithIdentity(context.Background(), in.Identity), config.Timeout)
			outcome, err := local.Trigger(ctx, in.Request)
			cancel()
			reply.Outcome = outcome
			if err != nil {
				logger.Error("Failed to trigger build",
					zap.String("task_id", in.TaskID),
					zap.String("target_id", in.TargetID),
					zap.Error(err))
				reply.Outcome = Rejected
				reply.Message = err.Error()
			}
		}

		data, err := json.Marshal(reply)
		if err != nil {
			logger.Error("Failed to marshal build reply", zap.Error(err))
			return
		}
		if err := msg.Respond(data); err != nil {
			logger.Error("Failed to respond to build request", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s.>: %w", config.SubjectPrefix, err)
	}
	return sub, nil
}

// SubjectFor maps a target path onto a NATS subject below prefix. Path
// separators become subject tokens; characters NATS does not allow inside a
// token are replaced by '_'.
func SubjectFor(prefix, targetID string) string {
	segments := strings.Split(strings.Trim(targetID, "/"), "/")
	for i, s := range segments {
		s = strings.Map(func(r rune) rune {
			switch r {
			case '.', '*', '>', ' ', '\t', '\r', '\n':
				return '_'
			}
			return r
		}, s)
		if s == "" {
			s = "_"
		}
		segments[i] = s
	}
	return prefix + "." + strings.Join(segments, ".")
}
