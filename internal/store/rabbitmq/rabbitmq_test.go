package rabbitmq

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTurn(t *testing.T) {
	m, err := decodeTurn([]byte(`{"job_id":"01J8","conversation_id":7}`))
	require.NoError(t, err)
	assert.Equal(t, TurnMessage{JobID: "01J8", ConversationID: 7}, m)

	_, err = decodeTurn([]byte(`{"conversation_id":7}`))
	assert.Error(t, err)

	_, err = decodeTurn([]byte(`not json`))
	assert.Error(t, err)
}

func TestAttemptOf(t *testing.T) {
	assert.Equal(t, 1, attemptOf(nil))
	assert.Equal(t, 2, attemptOf(amqp.Table{attemptHeader: int32(2)}))
	assert.Equal(t, 3, attemptOf(amqp.Table{attemptHeader: int64(3)}))
	assert.Equal(t, 1, attemptOf(amqp.Table{attemptHeader: "x"}))
}

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "chat_turns.retry", retryQueue("chat_turns"))
	assert.Equal(t, "chat_turns.dlq", deadQueue("chat_turns"))
}
