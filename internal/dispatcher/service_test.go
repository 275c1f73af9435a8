package dispatcher_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-transit-notification-service/internal/dispatcher"
	"github.com/tinywideclouds/go-transit-notification-service/internal/envelope"
	"github.com/tinywideclouds/go-transit-notification-service/pkg/dispatch"
)

// --- Mocks ---

type mockMessenger struct {
	mock.Mock
}

func (m *mockMessenger) Send(ctx context.Context, env dispatch.Envelope) (string, error) {
	args := m.Called(ctx, env)
	return args.String(0), args.Error(1)
}

type mockTokenStore struct {
	mock.Mock
}

func (m *mockTokenStore) GetToken(ctx context.Context, userID string) (*dispatch.TokenRecord, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dispatch.TokenRecord), args.Error(1)
}

// Not used by the endpoints.
func (m *mockTokenStore) DeleteWhereOlderThan(_ context.Context, _ time.Time) ([]string, error) {
	return nil, nil
}

// cachingTokenStore is a store that also holds copies it can drop.
type cachingTokenStore struct {
	mockTokenStore
}

func (m *cachingTokenStore) InvalidateToken(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

// --- Setup ---

var (
	fixedNow = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	rider    = &dispatch.Caller{UID: "ops-user"}
)

type fixture struct {
	svc       *dispatcher.Service
	messenger *mockMessenger
	tokens    *mockTokenStore
	logs      *bytes.Buffer
}

func setup(t *testing.T) fixture {
	t.Helper()
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	messenger := new(mockMessenger)
	tokens := new(mockTokenStore)
	builder := envelope.NewBuilder(func() time.Time { return fixedNow })
	return fixture{
		svc:       dispatcher.New(tokens, messenger, builder, logger),
		messenger: messenger,
		tokens:    tokens,
		logs:      logs,
	}
}

// invoke runs one endpoint by name so the cross-cutting properties can be
// checked against all of them.
type invoker func(f fixture, caller *dispatch.Caller) (*dispatch.DispatchResult, error)

func validInvokers() map[string]invoker {
	return map[string]invoker{
		"broadcast": func(f fixture, c *dispatch.Caller) (*dispatch.DispatchResult, error) {
			return f.svc.Broadcast(context.Background(), c, dispatch.BroadcastRequest{Title: "T", Body: "B"})
		},
		"topic": func(f fixture, c *dispatch.Caller) (*dispatch.DispatchResult, error) {
			return f.svc.Topic(context.Background(), c, dispatch.TopicRequest{Title: "T", Body: "B", Topic: "line_5"})
		},
		"user": func(f fixture, c *dispatch.Caller) (*dispatch.DispatchResult, error) {
			return f.svc.User(context.Background(), c, dispatch.UserRequest{Title: "T", Body: "B", UserID: "rider-1"})
		},
		"route update": func(f fixture, c *dispatch.Caller) (*dispatch.DispatchResult, error) {
			return f.svc.RouteUpdate(context.Background(), c, dispatch.RouteUpdateRequest{RouteName: "5", UpdateMessage: "Delayed"})
		},
		"schedule change": func(f fixture, c *dispatch.Caller) (*dispatch.DispatchResult, error) {
			return f.svc.ScheduleChange(context.Background(), c, dispatch.ScheduleChangeRequest{Title: "T", ScheduleDetails: "D"})
		},
	}
}

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, want, status.Code(err), "got %v", err)
	assert.Equal(t, want, dispatch.CodeOf(err))
}

// --- Tests ---

func TestUnauthenticatedCallerIsRejectedFirst(t *testing.T) {
	for name, call := range validInvokers() {
		t.Run(name, func(t *testing.T) {
			f := setup(t)

			_, err := call(f, nil)
			requireCode(t, err, codes.FailedPrecondition)

			_, err = call(f, &dispatch.Caller{})
			requireCode(t, err, codes.FailedPrecondition)

			f.messenger.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
			f.tokens.AssertNotCalled(t, "GetToken", mock.Anything, mock.Anything)
		})
	}

	t.Run("even when fields are missing", func(t *testing.T) {
		f := setup(t)
		_, err := f.svc.Broadcast(context.Background(), nil, dispatch.BroadcastRequest{})
		requireCode(t, err, codes.FailedPrecondition)

		var de *dispatch.Error
		require.True(t, errors.As(err, &de))
		assert.Equal(t, "failed-precondition", de.Kind())
	})
}

func TestMissingRequiredFieldsAreInvalidArgument(t *testing.T) {
	ctx := context.Background()
	testCases := []struct {
		name string
		call func(f fixture) error
		msg  string
	}{
		{"broadcast without title", func(f fixture) error {
			_, err := f.svc.Broadcast(ctx, rider, dispatch.BroadcastRequest{Body: "B"})
			return err
		}, "Title and body are required."},
		{"broadcast without body", func(f fixture) error {
			_, err := f.svc.Broadcast(ctx, rider, dispatch.BroadcastRequest{Title: "T"})
			return err
		}, "Title and body are required."},
		{"topic without topic", func(f fixture) error {
			_, err := f.svc.Topic(ctx, rider, dispatch.TopicRequest{Title: "T", Body: "B"})
			return err
		}, "Title, body, and topic are required."},
		{"user without userId", func(f fixture) error {
			_, err := f.svc.User(ctx, rider, dispatch.UserRequest{Title: "T", Body: "B"})
			return err
		}, "Title, body, and userId are required."},
		{"route update without route name", func(f fixture) error {
			_, err := f.svc.RouteUpdate(ctx, rider, dispatch.RouteUpdateRequest{UpdateMessage: "Route 5 delayed"})
			return err
		}, "Route name and update message are required."},
		{"route update without message", func(f fixture) error {
			_, err := f.svc.RouteUpdate(ctx, rider, dispatch.RouteUpdateRequest{RouteName: "5"})
			return err
		}, "Route name and update message are required."},
		{"schedule change without details", func(f fixture) error {
			_, err := f.svc.ScheduleChange(ctx, rider, dispatch.ScheduleChangeRequest{Title: "T"})
			return err
		}, "Title and schedule details are required."},
		{"schedule change without title", func(f fixture) error {
			_, err := f.svc.ScheduleChange(ctx, rider, dispatch.ScheduleChangeRequest{ScheduleDetails: "D"})
			return err
		}, "Title and schedule details are required."},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := setup(t)

			err := tc.call(f)

			requireCode(t, err, codes.InvalidArgument)
			assert.Equal(t, tc.msg, status.Convert(err).Message())
			f.messenger.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
			f.tokens.AssertNotCalled(t, "GetToken", mock.Anything, mock.Anything)
		})
	}
}

func TestBroadcast_Success(t *testing.T) {
	f := setup(t)
	f.messenger.On("Send", mock.Anything, mock.MatchedBy(func(env dispatch.Envelope) bool {
		return env.Destination.Topic == "general_announcements" &&
			env.Data["type"] == "general" &&
			env.Title == "T" && env.Body == "B"
	})).Return("msg-1", nil).Once()

	res, err := f.svc.Broadcast(context.Background(), rider, dispatch.BroadcastRequest{Title: "T", Body: "B"})

	require.NoError(t, err)
	assert.Equal(t, &dispatch.DispatchResult{Success: true, MessageID: "msg-1"}, res)
	f.messenger.AssertExpectations(t)
}

func TestTopic_UsesCallerTopic(t *testing.T) {
	f := setup(t)
	f.messenger.On("Send", mock.Anything, mock.MatchedBy(func(env dispatch.Envelope) bool {
		return env.Destination.Topic == "line_5" && env.Data["type"] == "alert"
	})).Return("msg-2", nil)

	res, err := f.svc.Topic(context.Background(), rider, dispatch.TopicRequest{Title: "T", Body: "B", Topic: "line_5", Type: "alert"})

	require.NoError(t, err)
	assert.Equal(t, "msg-2", res.MessageID)
}

func TestUser(t *testing.T) {
	ctx := context.Background()
	req := dispatch.UserRequest{Title: "T", Body: "B", UserID: "rider-1"}

	t.Run("Resolves the token and sends to it", func(t *testing.T) {
		f := setup(t)
		f.tokens.On("GetToken", mock.Anything, "rider-1").Return(&dispatch.TokenRecord{UserID: "rider-1", Token: "device-abc"}, nil)
		f.messenger.On("Send", mock.Anything, mock.MatchedBy(func(env dispatch.Envelope) bool {
			return env.Destination.Token == "device-abc" && env.Destination.Topic == ""
		})).Return("msg-3", nil).Once()

		res, err := f.svc.User(ctx, rider, req)

		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "msg-3", res.MessageID)
	})

	t.Run("Unknown user is NotFound and nothing is sent", func(t *testing.T) {
		f := setup(t)
		f.tokens.On("GetToken", mock.Anything, "rider-1").Return(nil, fmt.Errorf("user %q: %w", "rider-1", dispatch.ErrTokenNotFound))

		_, err := f.svc.User(ctx, rider, req)

		requireCode(t, err, codes.NotFound)
		assert.Equal(t, "User token not found.", status.Convert(err).Message())
		f.messenger.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	})

	t.Run("Store failure is Internal and nothing is sent", func(t *testing.T) {
		f := setup(t)
		f.tokens.On("GetToken", mock.Anything, "rider-1").Return(nil, errors.New("firestore unavailable"))

		_, err := f.svc.User(ctx, rider, req)

		requireCode(t, err, codes.Internal)
		assert.NotContains(t, err.Error(), "firestore unavailable")
		assert.Contains(t, f.logs.String(), "firestore unavailable")
		f.messenger.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	})
}

func TestUser_RejectedTokenIsInvalidated(t *testing.T) {
	ctx := context.Background()
	req := dispatch.UserRequest{Title: "T", Body: "B", UserID: "rider-1"}
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	builder := envelope.NewBuilder(func() time.Time { return fixedNow })

	t.Run("FCM rejection drops the cached registration", func(t *testing.T) {
		tokens := new(cachingTokenStore)
		messenger := new(mockMessenger)
		svc := dispatcher.New(tokens, messenger, builder, logger)

		tokens.On("GetToken", mock.Anything, "rider-1").Return(&dispatch.TokenRecord{Token: "old-token"}, nil)
		tokens.On("InvalidateToken", mock.Anything, "rider-1").Return(nil).Once()
		messenger.On("Send", mock.Anything, mock.Anything).
			Return("", fmt.Errorf("fcm send failed: %w: %w", dispatch.ErrTokenRejected, errors.New("unregistered")))

		_, err := svc.User(ctx, rider, req)

		requireCode(t, err, codes.Internal)
		tokens.AssertExpectations(t)
	})

	t.Run("Other send failures keep the cache", func(t *testing.T) {
		tokens := new(cachingTokenStore)
		messenger := new(mockMessenger)
		svc := dispatcher.New(tokens, messenger, builder, logger)

		tokens.On("GetToken", mock.Anything, "rider-1").Return(&dispatch.TokenRecord{Token: "tok"}, nil)
		messenger.On("Send", mock.Anything, mock.Anything).Return("", errors.New("quota exceeded"))

		_, err := svc.User(ctx, rider, req)

		requireCode(t, err, codes.Internal)
		tokens.AssertNotCalled(t, "InvalidateToken", mock.Anything, mock.Anything)
	})

	t.Run("Invalidation failure does not change the reply", func(t *testing.T) {
		tokens := new(cachingTokenStore)
		messenger := new(mockMessenger)
		svc := dispatcher.New(tokens, messenger, builder, logger)

		tokens.On("GetToken", mock.Anything, "rider-1").Return(&dispatch.TokenRecord{Token: "old-token"}, nil)
		tokens.On("InvalidateToken", mock.Anything, "rider-1").Return(errors.New("redis down"))
		messenger.On("Send", mock.Anything, mock.Anything).Return("", fmt.Errorf("%w", dispatch.ErrTokenRejected))

		_, err := svc.User(ctx, rider, req)

		requireCode(t, err, codes.Internal)
		assert.Equal(t, "Error sending notification.", status.Convert(err).Message())
	})
}

func TestRouteUpdate_Success(t *testing.T) {
	f := setup(t)
	f.messenger.On("Send", mock.Anything, mock.MatchedBy(func(env dispatch.Envelope) bool {
		return env.Destination.Topic == "route_updates" &&
			env.Title == "Route Update: 5" &&
			env.Data["affectedRoutes"] == `["5","5A"]`
	})).Return("msg-4", nil)

	res, err := f.svc.RouteUpdate(context.Background(), rider, dispatch.RouteUpdateRequest{
		RouteName: "5", UpdateMessage: "Delayed", AffectedRoutes: []any{"5", "5A"},
	})

	require.NoError(t, err)
	assert.Equal(t, "msg-4", res.MessageID)
}

func TestScheduleChange_DefaultsEffectiveDate(t *testing.T) {
	f := setup(t)
	f.messenger.On("Send", mock.Anything, mock.MatchedBy(func(env dispatch.Envelope) bool {
		return env.Destination.Topic == "schedule_changes" &&
			env.Data["effectiveDate"] == "2025-03-01T08:00:00.000Z"
	})).Return("msg-5", nil)

	_, err := f.svc.ScheduleChange(context.Background(), rider, dispatch.ScheduleChangeRequest{Title: "T", ScheduleDetails: "D"})

	require.NoError(t, err)
	f.messenger.AssertExpectations(t)
}

func TestMessengerFailureIsInternalAndNotLeaked(t *testing.T) {
	wantMsg := map[string]string{
		"broadcast":       "Error sending notification.",
		"topic":           "Error sending notification.",
		"user":            "Error sending notification.",
		"route update":    "Error sending route update.",
		"schedule change": "Error sending schedule change.",
	}

	for name, call := range validInvokers() {
		t.Run(name, func(t *testing.T) {
			f := setup(t)
			f.tokens.On("GetToken", mock.Anything, "rider-1").Return(&dispatch.TokenRecord{Token: "device-abc"}, nil)
			f.messenger.On("Send", mock.Anything, mock.Anything).Return("", errors.New("quota exceeded for project")).Once()

			res, err := call(f, rider)

			assert.Nil(t, res)
			requireCode(t, err, codes.Internal)
			assert.Equal(t, wantMsg[name], status.Convert(err).Message())
			assert.NotContains(t, err.Error(), "quota exceeded")
			assert.Contains(t, f.logs.String(), "quota exceeded for project")
			f.messenger.AssertNumberOfCalls(t, "Send", 1)
		})
	}
}
