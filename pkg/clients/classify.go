package clients

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/ajitpratap0/actuator/pkg/errors"
)

// ClassifyStatus maps an HTTP status code to the error taxonomy. It returns
// nil for 1xx-3xx.
//
//	401       auth-expired (triggers a credential refresh)
//	409, 412  conflict
//	other 4xx bad-request (429 included, it is not retried)
//	5xx       server-error
func ClassifyStatus(status int, message string) error {
	if status < 400 {
		return nil
	}
	text := fmt.Sprintf("%d %s", status, http.StatusText(status))
	if message != "" {
		text += ": " + message
	}
	switch {
	case status == http.StatusUnauthorized:
		return errors.Conn(errors.KindAuthExpired, text, nil)
	case status == http.StatusConflict || status == http.StatusPreconditionFailed:
		return errors.Action(errors.KindConflict, text)
	case status >= 500:
		return errors.Action(errors.KindServerError, text)
	default:
		return errors.Action(errors.KindBadRequest, text)
	}
}

// ClassifyNetError maps transport level failures to connection errors.
// Errors already carrying a kind are returned unchanged.
func ClassifyNetError(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.As(err); ok {
		return err
	}
	switch {
	case stderrors.Is(err, context.Canceled):
		return errors.Conn(errors.KindCancelled, op+" cancelled", err)
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.Conn(errors.KindTimeout, op+" timed out", err)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.Conn(errors.KindTimeout, op+" timed out", err)
	}
	if stderrors.Is(err, syscall.ECONNREFUSED) ||
		stderrors.Is(err, syscall.ECONNRESET) ||
		stderrors.Is(err, syscall.EPIPE) ||
		stderrors.Is(err, io.ErrUnexpectedEOF) ||
		stderrors.Is(err, io.EOF) {
		return errors.Conn(errors.KindRefused, op+" failed", err)
	}
	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return errors.Conn(errors.KindRefused, op+" failed", err)
	}
	var dnsErr *net.DNSError
	if stderrors.As(err, &dnsErr) {
		if dnsErr.IsTemporary {
			return errors.Conn(errors.KindRefused, op+" failed", err)
		}
		return errors.Conn(errors.KindCannotOpen, op+" failed", err)
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "connection reset", "broken pipe", "no such host", "i/o timeout"} {
		if strings.Contains(msg, pattern) {
			if pattern == "i/o timeout" {
				return errors.Conn(errors.KindTimeout, op+" timed out", err)
			}
			return errors.Conn(errors.KindRefused, op+" failed", err)
		}
	}
	return errors.Wrap(err, errors.ErrorTypeInternal, op+" failed")
}
