package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dronedispatch/internal/events"
)

func TestOpenNone(t *testing.T) {
	pub, err := Open(Options{Kind: KindNone})
	require.NoError(t, err)
	assert.IsType(t, events.NoopPublisher{}, pub)
	assert.NoError(t, pub.Close())
}

func TestOpenUnknownKind(t *testing.T) {
	_, err := Open(Options{Kind: "rabbitmq"})
	assert.ErrorContains(t, err, "rabbitmq")
}
