package domain_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dom/chat-relay/internal/domain"
	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "sentinel", err: domain.ErrTokenReused, want: domain.KindTokenReused},
		{name: "wrapped sentinel", err: fmt.Errorf("rotate: %w", domain.ErrNotAMember), want: domain.KindNotAMember},
		{name: "invalid request", err: domain.NewInvalidRequest("bad"), want: domain.KindInvalidRequest},
		{name: "rate limit", err: &domain.RateLimitError{Window: time.Minute, MaxRequests: 200}, want: domain.KindRateLimitExceeded},
		{name: "plain error", err: errors.New("connection refused"), want: domain.KindInternal},
		{name: "oops error", err: oops.Code("X").Errorf("boom"), want: domain.KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.KindOf(tt.err))
		})
	}
}

func TestPublicMessage(t *testing.T) {
	internal := errors.New("pq: relation \"messages\" does not exist")

	assert.Equal(t, "", domain.PublicMessage(nil, false))
	assert.Equal(t, "invalid credentials", domain.PublicMessage(domain.ErrInvalidCredentials, false))
	assert.Equal(t, "internal server error", domain.PublicMessage(internal, false))
	assert.Equal(t, internal.Error(), domain.PublicMessage(internal, true))
}

func TestRateLimitError_Message(t *testing.T) {
	err := &domain.RateLimitError{Window: time.Minute, MaxRequests: 200}
	assert.Equal(t, "too many requests: limit is 200 per 1 minute(s), please try again later", err.Error())

	short := &domain.RateLimitError{Window: 10 * time.Second, MaxRequests: 5}
	assert.Contains(t, short.Error(), "per 1 minute(s)")
}

func TestInvalidCredentials_RevealsNoCause(t *testing.T) {
	assert.Equal(t, domain.KindInvalidCredentials, domain.KindOf(domain.ErrInvalidCredentials))
	assert.NotContains(t, domain.ErrInvalidCredentials.Error(), "password")
	assert.NotContains(t, domain.ErrInvalidCredentials.Error(), "user")
}
