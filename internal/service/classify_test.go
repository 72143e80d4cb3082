package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	appErrors "github.com/unclebandit/alert-relay/internal/errors"
	"github.com/unclebandit/alert-relay/internal/telegram"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want appErrors.DeliveryClass
	}{
		{"unauthorized", &telegram.APIError{Code: 401, Description: "Unauthorized"}, appErrors.ClassFatal},
		{"forbidden", &telegram.APIError{Code: 403, Description: "Forbidden: bot was kicked"}, appErrors.ClassPermission},
		{"flood", &telegram.APIError{Code: 429, Description: "Too Many Requests: retry after 5", RetryAfter: 5 * time.Second}, appErrors.ClassTransient},
		{"server", &telegram.APIError{Code: 502, Description: "Bad Gateway"}, appErrors.ClassTransient},
		{"chat not found", &telegram.APIError{Code: 400, Description: "Bad Request: chat not found"}, appErrors.ClassPermission},
		{"rights", &telegram.APIError{Code: 400, Description: "Bad Request: not enough rights to send text messages"}, appErrors.ClassPermission},
		{"bad markup", &telegram.APIError{Code: 400, Description: "Bad Request: can't parse entities"}, appErrors.ClassContent},
		{"too long", &telegram.APIError{Code: 400, Description: "Bad Request: message is too long"}, appErrors.ClassContent},
		{"odd api code", &telegram.APIError{Code: 409, Description: "Conflict"}, appErrors.ClassUnclassified},
		{"wrapped api", fmt.Errorf("send: %w", &telegram.APIError{Code: 403}), appErrors.ClassPermission},
		{"deadline", context.DeadlineExceeded, appErrors.ClassTransient},
		{"eof", fmt.Errorf("read body: %w", io.ErrUnexpectedEOF), appErrors.ClassTransient},
		{"net", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, appErrors.ClassTransient},
		{"unknown", errors.New("something odd"), appErrors.ClassUnclassified},
		{"nil", nil, appErrors.ClassUnclassified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRetryAfter(t *testing.T) {
	assert.Equal(t, 7*time.Second, RetryAfter(fmt.Errorf("x: %w", &telegram.APIError{Code: 429, RetryAfter: 7 * time.Second})))
	assert.Zero(t, RetryAfter(errors.New("plain")))
}
