package fcm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-transit-notification-service/pkg/dispatch"
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it; tests substitute a mock.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

// Gateway sends envelopes through FCM, one message per call.
type Gateway struct {
	client MessagingClient
	logger *slog.Logger
}

func NewGateway(client MessagingClient, logger *slog.Logger) *Gateway {
	return &Gateway{
		client: client,
		logger: logger.With("component", "FCMGateway"),
	}
}

// Send returns the FCM message ID. Nothing is retried; any failure is returned wrapped.
func (g *Gateway) Send(ctx context.Context, env dispatch.Envelope) (string, error) {
	msg, err := toMessage(env)
	if err != nil {
		return "", err
	}

	id, err := g.client.Send(ctx, msg)
	if err != nil {
		invalid, unregistered := messaging.IsInvalidArgument(err), messaging.IsUnregistered(err)
		g.logger.Debug("FCM send failed",
			"topic", env.Destination.Topic,
			"invalid_argument", invalid,
			"unregistered", unregistered,
			"err", err,
		)
		if msg.Token != "" && (invalid || unregistered) {
			return "", fmt.Errorf("fcm send failed: %w: %w", dispatch.ErrTokenRejected, err)
		}
		return "", fmt.Errorf("fcm send failed: %w", err)
	}
	return id, nil
}

func toMessage(env dispatch.Envelope) (*messaging.Message, error) {
	msg := &messaging.Message{
		Data: env.Data,
		Notification: &messaging.Notification{
			Title: env.Title,
			Body:  env.Body,
		},
	}
	switch {
	case env.Destination.Topic != "" && env.Destination.Token != "":
		return nil, errors.New("envelope has both a topic and a token")
	case env.Destination.Topic != "":
		msg.Topic = env.Destination.Topic
	case env.Destination.Token != "":
		msg.Token = env.Destination.Token
	default:
		return nil, errors.New("envelope has no destination")
	}
	return msg, nil
}
