package call

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPionTransportOfferAnswer(t *testing.T) {
	factory, err := NewPionTransportFactory()
	require.NoError(t, err)

	noop := func(TransportEvent) {}
	caller, err := factory(webrtc.Configuration{}, noop)
	require.NoError(t, err)
	defer caller.Close()
	callee, err := factory(webrtc.Configuration{}, noop)
	require.NoError(t, err)
	defer callee.Close()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "pion-test")
	require.NoError(t, err)
	require.NoError(t, caller.AddTrack(track))

	offer, err := caller.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.Contains(t, offer.SDP, "opus")
	require.NoError(t, caller.SetLocalDescription(offer))
	assert.Equal(t, webrtc.SignalingStateHaveLocalOffer, caller.SignalingState())
	assert.Nil(t, caller.RemoteDescription())

	require.NoError(t, callee.SetRemoteDescription(offer))
	answer, err := callee.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, callee.SetLocalDescription(answer))
	assert.Equal(t, webrtc.SignalingStateStable, callee.SignalingState())

	require.NoError(t, caller.SetRemoteDescription(answer))
	assert.Equal(t, webrtc.SignalingStateStable, caller.SignalingState())
	assert.NotNil(t, caller.RemoteDescription())
}

func TestPionFactoryMediaEngineOption(t *testing.T) {
	called := false
	factory, err := NewPionTransportFactory(
		WithMediaEngine(func(m *webrtc.MediaEngine) error {
			called = true
			return m.RegisterDefaultCodecs()
		}),
	)
	require.NoError(t, err)
	assert.True(t, called)

	tr, err := factory(webrtc.Configuration{}, func(TransportEvent) {})
	require.NoError(t, err)
	assert.NoError(t, tr.Close())
}

func TestPionFactoryICETimeoutsOption(t *testing.T) {
	factory, err := NewPionTransportFactory(WithICETimeouts(3*time.Second, 15*time.Second, time.Second))
	require.NoError(t, err)

	tr, err := factory(webrtc.Configuration{}, func(TransportEvent) {})
	require.NoError(t, err)
	offer, err := tr.CreateOffer()
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Type)
	assert.NoError(t, tr.Close())
}
