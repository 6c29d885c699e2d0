package negotiation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerLink_OfferAnswerLifecycle(t *testing.T) {
	ctx := context.Background()
	factory := newFakeFactory("me")
	link, err := newPeerLink("peer", factory, linkEvents{})
	require.NoError(t, err)
	assert.Equal(t, StateAbsent, link.State())

	_, err = link.Offer(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateNegotiating, link.State())
	assert.True(t, link.HasPendingOffer())

	require.NoError(t, link.AcceptAnswer(ctx, json.RawMessage(`{"type":"answer","sdp":"a"}`)))
	assert.False(t, link.HasPendingOffer())
	assert.ErrorIs(t, link.AcceptAnswer(ctx, json.RawMessage(`{"type":"answer","sdp":"a"}`)), ErrNoPendingOffer)
}

func TestPeerLink_CloseIsIdempotent(t *testing.T) {
	factory := newFakeFactory("me")
	link, err := newPeerLink("peer", factory, linkEvents{})
	require.NoError(t, err)

	assert.True(t, link.Close())
	assert.False(t, link.Close())
	assert.Equal(t, StateClosed, link.State())
	assert.True(t, factory.last("peer").isClosed())

	_, err = link.Offer(context.Background())
	assert.ErrorIs(t, err, ErrLinkClosed)
	assert.ErrorIs(t, link.AddCandidate(json.RawMessage(`{}`)), ErrLinkClosed)
	assert.ErrorIs(t, link.Reset(), ErrLinkClosed)
}

func TestPeerLink_ResetReplacesConnection(t *testing.T) {
	ctx := context.Background()
	factory := newFakeFactory("me")
	link, err := newPeerLink("peer", factory, linkEvents{})
	require.NoError(t, err)

	_, err = link.Offer(ctx)
	require.NoError(t, err)
	require.NoError(t, link.Reset())

	conns := factory.all("peer")
	require.Len(t, conns, 2)
	assert.True(t, conns[0].isClosed())
	assert.False(t, conns[1].isClosed())
	assert.False(t, link.HasPendingOffer())
	assert.Equal(t, StateAbsent, link.State())

	_, err = link.Answer(ctx, json.RawMessage(`{"type":"offer","sdp":"o"}`))
	require.NoError(t, err)
	assert.Equal(t, StateNegotiating, link.State())
}

func TestPeerLink_AnswerWithPendingOfferFails(t *testing.T) {
	ctx := context.Background()
	link, err := newPeerLink("peer", newFakeFactory("me"), linkEvents{})
	require.NoError(t, err)

	_, err = link.Offer(ctx)
	require.NoError(t, err)
	_, err = link.Answer(ctx, json.RawMessage(`{"type":"offer","sdp":"o"}`))
	assert.Error(t, err)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "negotiating", StateNegotiating.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "failed", ConnectionFailed.String())
	assert.Equal(t, "unknown", LinkState(42).String())
}
