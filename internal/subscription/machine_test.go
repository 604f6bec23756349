package subscription

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyEvent_ValidTransitions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		from  Status
		event Event
		want  Status
	}{
		{"trial checkout", StatusTrial, EventPaymentSucceeded, StatusActive},
		{"trial lapses", StatusTrial, EventExpire, StatusExpired},
		{"trial cancelled", StatusTrial, EventCancel, StatusCancelled},
		{"renewal keeps active", StatusActive, EventPaymentSucceeded, StatusActive},
		{"payment failure", StatusActive, EventPaymentFailed, StatusGracePeriod},
		{"active cancelled", StatusActive, EventCancel, StatusCancelled},
		{"grace recovery", StatusGracePeriod, EventPaymentSucceeded, StatusActive},
		{"grace cancelled", StatusGracePeriod, EventCancel, StatusCancelled},
		{"grace lapses", StatusGracePeriod, EventExpire, StatusExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ApplyEvent(ctx, tt.from, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestApplyEvent_InvalidTransitions(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		from  Status
		event Event
	}{
		{"trial cannot fail payment", StatusTrial, EventPaymentFailed},
		{"active cannot expire directly", StatusActive, EventExpire},
		{"grace cannot fail again", StatusGracePeriod, EventPaymentFailed},
		{"cancelled is terminal", StatusCancelled, EventPaymentSucceeded},
		{"cancelled cannot cancel again", StatusCancelled, EventCancel},
		{"expired is terminal", StatusExpired, EventPaymentSucceeded},
		{"expired cannot expire again", StatusExpired, EventExpire},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ApplyEvent(ctx, tt.from, tt.event)
			require.Error(t, err)

			var te *TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.event, te.Event)
			assert.Equal(t, tt.from, te.Current)
		})
	}
}

func TestTransitionError_Message(t *testing.T) {
	err := &TransitionError{Event: EventExpire, Current: StatusActive}
	assert.Equal(t, `event "expire" is not valid from state "active"`, err.Error())
}

func TestApplyEvent_UnknownEvent(t *testing.T) {
	_, err := ApplyEvent(context.Background(), StatusActive, Event("refund"))

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, Event("refund"), te.Event)
}
