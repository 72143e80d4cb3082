package service

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	appErrors "github.com/unclebandit/alert-relay/internal/errors"
	"github.com/unclebandit/alert-relay/internal/telegram"
)

// Bad Request descriptions that mean the bot lacks access to the chat.
var permissionHints = []string{
	"chat not found",
	"not enough rights",
	"have no rights",
	"need administrator rights",
	"bot is not a member",
	"chat_write_forbidden",
}

// Classify maps a delivery error to the sender's retry class.
func Classify(err error) appErrors.DeliveryClass {
	if err == nil {
		return appErrors.ClassUnclassified
	}

	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return appErrors.ClassFatal
		case apiErr.Code == http.StatusForbidden:
			return appErrors.ClassPermission
		case apiErr.Code == http.StatusTooManyRequests || apiErr.RetryAfter > 0:
			return appErrors.ClassTransient
		case apiErr.Code >= http.StatusInternalServerError:
			return appErrors.ClassTransient
		case apiErr.Code == http.StatusBadRequest:
			desc := strings.ToLower(apiErr.Description)
			for _, hint := range permissionHints {
				if strings.Contains(desc, hint) {
					return appErrors.ClassPermission
				}
			}
			return appErrors.ClassContent
		}
		return appErrors.ClassUnclassified
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return appErrors.ClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return appErrors.ClassTransient
	}
	return appErrors.ClassUnclassified
}

// RetryAfter returns the back-off Telegram asked for, if any.
func RetryAfter(err error) time.Duration {
	var apiErr *telegram.APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}
