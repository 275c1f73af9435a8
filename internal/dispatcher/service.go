// Package dispatcher implements the notification endpoints: each one checks
// the caller, validates its request, resolves a destination, builds the
// envelope and hands it to the messenger exactly once.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"

	"github.com/tinywideclouds/go-transit-notification-service/internal/envelope"
	"github.com/tinywideclouds/go-transit-notification-service/internal/metrics"
	"github.com/tinywideclouds/go-transit-notification-service/pkg/dispatch"
)

// Caller-facing messages.
const (
	msgBroadcastInvalid      = "Title and body are required."
	msgTopicInvalid          = "Title, body, and topic are required."
	msgUserInvalid           = "Title, body, and userId are required."
	msgRouteUpdateInvalid    = "Route name and update message are required."
	msgScheduleChangeInvalid = "Title and schedule details are required."

	msgTokenNotFound = "User token not found."

	msgNotificationFailed   = "Error sending notification."
	msgRouteUpdateFailed    = "Error sending route update."
	msgScheduleChangeFailed = "Error sending schedule change."
)

type Service struct {
	tokens    dispatch.TokenStore
	messenger dispatch.Messenger
	builder   *envelope.Builder
	validate  *validator.Validate
	logger    *slog.Logger
}

// New wires the endpoints to their gateways. The handles are shared by all
// concurrent invocations and must be safe for concurrent use.
func New(tokens dispatch.TokenStore, messenger dispatch.Messenger, builder *envelope.Builder, logger *slog.Logger) *Service {
	return &Service{
		tokens:    tokens,
		messenger: messenger,
		builder:   builder,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger.With("component", "Dispatcher"),
	}
}

// Broadcast sends to the general announcements topic.
func (s *Service) Broadcast(ctx context.Context, caller *dispatch.Caller, req dispatch.BroadcastRequest) (*dispatch.DispatchResult, error) {
	log := s.invocationLogger(dispatch.KindBroadcast, caller)
	if err := s.check(log, dispatch.KindBroadcast, caller, req, msgBroadcastInvalid); err != nil {
		return nil, err
	}
	return s.send(ctx, log, dispatch.KindBroadcast, s.builder.Broadcast(req), msgNotificationFailed)
}

// Topic sends to a caller-supplied topic.
func (s *Service) Topic(ctx context.Context, caller *dispatch.Caller, req dispatch.TopicRequest) (*dispatch.DispatchResult, error) {
	log := s.invocationLogger(dispatch.KindTopic, caller)
	if err := s.check(log, dispatch.KindTopic, caller, req, msgTopicInvalid); err != nil {
		return nil, err
	}
	return s.send(ctx, log.With("topic", req.Topic), dispatch.KindTopic, s.builder.Topic(req), msgNotificationFailed)
}

// User sends to the one device registered for req.UserID.
func (s *Service) User(ctx context.Context, caller *dispatch.Caller, req dispatch.UserRequest) (*dispatch.DispatchResult, error) {
	log := s.invocationLogger(dispatch.KindUser, caller)
	if err := s.check(log, dispatch.KindUser, caller, req, msgUserInvalid); err != nil {
		return nil, err
	}
	log = log.With("user_id", req.UserID)

	record, err := s.tokens.GetToken(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, dispatch.ErrTokenNotFound) {
			log.Info("No device token registered for user")
			return nil, s.fail(dispatch.KindUser, dispatch.NotFound(msgTokenNotFound))
		}
		log.Error("Token lookup failed", "err", err)
		return nil, s.fail(dispatch.KindUser, dispatch.Internal(msgNotificationFailed))
	}

	return s.send(ctx, log, dispatch.KindUser, s.builder.User(req, record.Token), msgNotificationFailed, func(err error) {
		if errors.Is(err, dispatch.ErrTokenRejected) {
			s.invalidate(ctx, log, req.UserID)
		}
	})
}

// invalidate drops a cached registration that FCM refused, so a device that
// re-registered is picked up on the next call instead of after the cache TTL.
func (s *Service) invalidate(ctx context.Context, log *slog.Logger, userID string) {
	inv, ok := s.tokens.(dispatch.TokenInvalidator)
	if !ok {
		return
	}
	if err := inv.InvalidateToken(ctx, userID); err != nil {
		log.Warn("Failed to invalidate rejected token", "err", err)
		return
	}
	log.Info("Invalidated rejected token")
}

// RouteUpdate sends a templated route update to the route updates topic.
func (s *Service) RouteUpdate(ctx context.Context, caller *dispatch.Caller, req dispatch.RouteUpdateRequest) (*dispatch.DispatchResult, error) {
	log := s.invocationLogger(dispatch.KindRouteUpdate, caller)
	if err := s.check(log, dispatch.KindRouteUpdate, caller, req, msgRouteUpdateInvalid); err != nil {
		return nil, err
	}
	return s.send(ctx, log.With("route", req.RouteName), dispatch.KindRouteUpdate, s.builder.RouteUpdate(req), msgRouteUpdateFailed)
}

// ScheduleChange sends a templated timetable change to the schedule changes topic.
func (s *Service) ScheduleChange(ctx context.Context, caller *dispatch.Caller, req dispatch.ScheduleChangeRequest) (*dispatch.DispatchResult, error) {
	log := s.invocationLogger(dispatch.KindScheduleChange, caller)
	if err := s.check(log, dispatch.KindScheduleChange, caller, req, msgScheduleChangeInvalid); err != nil {
		return nil, err
	}
	return s.send(ctx, log, dispatch.KindScheduleChange, s.builder.ScheduleChange(req), msgScheduleChangeFailed)
}

// check rejects unauthenticated callers before looking at any field.
func (s *Service) check(log *slog.Logger, kind dispatch.Kind, caller *dispatch.Caller, req any, invalidMsg string) error {
	if caller == nil || caller.UID == "" {
		log.Warn("Rejected unauthenticated call")
		return s.fail(kind, dispatch.Unauthenticated())
	}
	if err := s.validate.Struct(req); err != nil {
		log.Warn("Rejected invalid request", "missing", missingFields(err))
		return s.fail(kind, dispatch.InvalidArgument(invalidMsg))
	}
	return nil
}

// send hands env to the messenger once. onFailure, when set, sees the raw
// messenger error before it is replaced by the caller-facing one.
func (s *Service) send(ctx context.Context, log *slog.Logger, kind dispatch.Kind, env dispatch.Envelope, failMsg string, onFailure ...func(error)) (*dispatch.DispatchResult, error) {
	id, err := s.messenger.Send(ctx, env)
	if err != nil {
		log.Error("Error sending message", "err", err)
		for _, fn := range onFailure {
			fn(err)
		}
		return nil, s.fail(kind, dispatch.Internal(failMsg))
	}
	log.Info("Successfully sent message", "message_id", id)
	metrics.Dispatches.WithLabelValues(string(kind), "sent").Inc()
	return &dispatch.DispatchResult{Success: true, MessageID: id}, nil
}

func (s *Service) fail(kind dispatch.Kind, err *dispatch.Error) *dispatch.Error {
	metrics.Dispatches.WithLabelValues(string(kind), resultLabel(err.Code)).Inc()
	return err
}

func (s *Service) invocationLogger(kind dispatch.Kind, caller *dispatch.Caller) *slog.Logger {
	log := s.logger.With("kind", string(kind), "invocation_id", uuid.NewString())
	if caller != nil {
		log = log.With("caller", caller.UID)
	}
	return log
}

func resultLabel(c codes.Code) string {
	switch c {
	case codes.FailedPrecondition:
		return "unauthenticated"
	case codes.InvalidArgument:
		return "invalid_argument"
	case codes.NotFound:
		return "not_found"
	default:
		return "internal"
	}
}

func missingFields(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	fields := make([]string, 0, len(ve))
	for _, fe := range ve {
		fields = append(fields, fe.Field())
	}
	return strings.Join(fields, ",")
}
