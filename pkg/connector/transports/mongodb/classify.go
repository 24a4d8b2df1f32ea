package mongodb

import (
	stderrors "errors"

	"go.mongodb.org/mongo-driver/mongo"

	"github.com/ajitpratap0/actuator/pkg/clients"
	"github.com/ajitpratap0/actuator/pkg/errors"
)

// Server error codes.
const (
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
	codeWriteConflict        = 112
)

// classify maps driver errors onto the taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.As(err); ok {
		return err
	}

	switch {
	case mongo.IsDuplicateKeyError(err):
		return errors.Action(errors.KindConflict, op+": duplicate key")
	case stderrors.Is(err, mongo.ErrClientDisconnected):
		return errors.Conn(errors.KindRefused, op+": client disconnected", err)
	case mongo.IsTimeout(err):
		return errors.Conn(errors.KindTimeout, op+" timed out", err)
	case mongo.IsNetworkError(err):
		return errors.Conn(errors.KindRefused, op+" failed", err)
	}

	var cmdErr mongo.CommandError
	if stderrors.As(err, &cmdErr) {
		switch {
		case cmdErr.Code == codeAuthenticationFailed:
			return errors.Conn(errors.KindAuthExpired, op+": "+cmdErr.Message, err)
		case cmdErr.Code == codeWriteConflict:
			return errors.Action(errors.KindConflict, op+": "+cmdErr.Message)
		case cmdErr.HasErrorLabel("RetryableWriteError"), cmdErr.HasErrorLabel("TransientTransactionError"):
			return errors.Action(errors.KindServerError, op+": "+cmdErr.Message)
		case cmdErr.Code == codeUnauthorized:
			return errors.Action(errors.KindBadRequest, op+": "+cmdErr.Message)
		}
		return errors.Action(errors.KindBadRequest, op+": "+cmdErr.Message)
	}
	var writeErr mongo.WriteException
	if stderrors.As(err, &writeErr) {
		return errors.Action(errors.KindBadRequest, op+": "+writeErr.Error())
	}
	return clients.ClassifyNetError(op, err)
}
