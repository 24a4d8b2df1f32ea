package kafka

import (
	stderrors "errors"

	"github.com/IBM/sarama"

	"github.com/ajitpratap0/actuator/pkg/clients"
	"github.com/ajitpratap0/actuator/pkg/errors"
)

// classify maps sarama errors onto the taxonomy.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.As(err); ok {
		return err
	}

	var perrs sarama.ProducerErrors
	if stderrors.As(err, &perrs) && len(perrs) > 0 {
		return classify(op, perrs[0].Err)
	}
	var perr *sarama.ProducerError
	if stderrors.As(err, &perr) {
		return classify(op, perr.Err)
	}

	switch {
	case stderrors.Is(err, sarama.ErrOutOfBrokers),
		stderrors.Is(err, sarama.ErrNotConnected),
		stderrors.Is(err, sarama.ErrClosedClient),
		stderrors.Is(err, sarama.ErrBrokerNotAvailable):
		return errors.Conn(errors.KindRefused, op+": "+err.Error(), err)
	case stderrors.Is(err, sarama.ErrSASLAuthenticationFailed),
		stderrors.Is(err, sarama.ErrIllegalSASLState):
		return errors.Conn(errors.KindAuthExpired, op+": "+err.Error(), err)
	}

	var kerr sarama.KError
	if stderrors.As(err, &kerr) {
		switch kerr {
		case sarama.ErrTopicAuthorizationFailed, sarama.ErrClusterAuthorizationFailed:
			return errors.Action(errors.KindBadRequest, op+": "+kerr.Error())
		case sarama.ErrRequestTimedOut:
			return errors.Conn(errors.KindTimeout, op+": "+kerr.Error(), err)
		case sarama.ErrDuplicateSequenceNumber, sarama.ErrOutOfOrderSequenceNumber:
			return errors.Action(errors.KindConflict, op+": "+kerr.Error())
		}
		if retriable(kerr) {
			return errors.Action(errors.KindServerError, op+": "+kerr.Error())
		}
		return errors.Action(errors.KindBadRequest, op+": "+kerr.Error())
	}
	return clients.ClassifyNetError(op, err)
}

// retriable lists broker errors that clear once leadership or replication
// settles.
func retriable(err sarama.KError) bool {
	switch err {
	case sarama.ErrLeaderNotAvailable,
		sarama.ErrNotLeaderForPartition,
		sarama.ErrNotEnoughReplicas,
		sarama.ErrNotEnoughReplicasAfterAppend,
		sarama.ErrNetworkException,
		sarama.ErrKafkaStorageError,
		sarama.ErrNotController,
		sarama.ErrUnknownTopicOrPartition,
		sarama.ErrReplicaNotAvailable,
		sarama.ErrBrokerNotAvailable,
		sarama.ErrOffsetsLoadInProgress,
		sarama.ErrConsumerCoordinatorNotAvailable:
		return true
	}
	return false
}
