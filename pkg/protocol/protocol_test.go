package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWellKnownChannels(t *testing.T) {
	for _, channel := range []string{Intent, Voting, Session, Gossip} {
		id, err := Parse(channel)
		require.NoError(t, err, channel)
		assert.Equal(t, "accord", id.Namespace)
		assert.Equal(t, channel, id.String())
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	for _, channel := range []string{"", "/accord", "/accord/intent", "/accord/intent/one", "//intent/1.0.0"} {
		_, err := Parse(channel)
		assert.Error(t, err, channel)
	}
}

func TestCompatibleSameMajor(t *testing.T) {
	assert.True(t, Compatible("/accord/intent/1.0.0", "/accord/intent/1.2.3"))
	assert.False(t, Compatible("/accord/intent/1.0.0", "/accord/intent/2.0.0"))
	assert.False(t, Compatible("/accord/intent/1.0.0", "/accord/vote/1.0.0"))
	assert.False(t, Compatible("bad", "/accord/vote/1.0.0"))
}
