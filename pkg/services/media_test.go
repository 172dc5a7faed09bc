package services

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/pion/sdp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testStream struct {
	media   string
	port    int
	formats []string
	rtpmap  []string
}

func makeOffer(t *testing.T, streams ...testStream) []byte {
	t.Helper()

	offer := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      1,
			SessionVersion: 2,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: "10.0.0.1",
		},
		SessionName: "call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: "10.0.0.1"},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}
	for _, s := range streams {
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:   s.media,
				Port:    sdp.RangedPort{Value: s.port},
				Protos:  []string{"RTP", "AVP"},
				Formats: s.formats,
			},
		}
		for _, v := range s.rtpmap {
			md.Attributes = append(md.Attributes, sdp.Attribute{Key: "rtpmap", Value: v})
		}
		offer.MediaDescriptions = append(offer.MediaDescriptions, md)
	}

	data, err := offer.Marshal()
	require.NoError(t, err)
	return data
}

func TestMediaPolicyAllows(t *testing.T) {
	audio := testStream{media: "audio", port: 4000, formats: []string{"0", "8"}, rtpmap: []string{"0 PCMU/8000", "8 PCMA/8000"}}
	video := testStream{media: "video", port: 4002, formats: []string{"96"}, rtpmap: []string{"96 H264/90000"}}
	static := testStream{media: "audio", port: 4000, formats: []string{"18"}}
	opus := testStream{media: "audio", port: 4000, formats: []string{"111"}, rtpmap: []string{"111 opus/48000/2"}}
	disabled := testStream{media: "audio", port: 0, formats: []string{"0"}}

	tests := []struct {
		name    string
		media   []string
		codecs  []string
		streams []testStream
		want    bool
	}{
		{"без ограничений", nil, nil, []testStream{video}, true},
		{"кодек из rtpmap", nil, []string{"pcma"}, []testStream{audio}, true},
		{"статический payload type", nil, []string{"G729"}, []testStream{static}, true},
		{"динамический payload type", nil, []string{"OPUS"}, []testStream{opus}, true},
		{"неразрешенный кодек", nil, []string{"G722"}, []testStream{audio}, false},
		{"неразрешенный тип медиа", []string{"audio"}, nil, []testStream{video}, false},
		{"один подходящий поток из двух", []string{"audio"}, []string{"PCMU"}, []testStream{video, audio}, true},
		{"выключенный поток", nil, nil, []testStream{disabled}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewMediaPolicy("media", tt.media, tt.codecs)
			ok, reason := p.Allows(makeOffer(t, tt.streams...))
			assert.Equal(t, tt.want, ok, reason)
		})
	}
}

func TestMediaPolicyMalformed(t *testing.T) {
	p := NewMediaPolicy("media", nil, nil)

	ok, _ := p.Allows([]byte("v=x\r\n"))
	assert.False(t, ok)

	ok, reason := p.Allows(makeOffer(t))
	assert.False(t, ok)
	assert.Equal(t, "no media", reason)
}

func TestMediaPolicyService(t *testing.T) {
	env := newTestEnv(t, NewMediaPolicy("media", []string{"audio"}, []string{"PCMU"}))

	t.Run("неподходящее предложение", func(t *testing.T) {
		req := newTestRequest(sip.INVITE, "m1", "")
		req.SetBody(makeOffer(t, testStream{media: "audio", port: 4000, formats: []string{"8"}}))

		txn, up := env.handle(t, req)
		waitDone(t, txn)
		assert.Equal(t, []int{488}, up.Finals())
		assert.Empty(t, env.down.Forks())
		assert.Empty(t, txn.DialogID())
	})

	t.Run("подходящее предложение", func(t *testing.T) {
		req := newTestRequest(sip.INVITE, "m2", "")
		req.SetBody(makeOffer(t, testStream{media: "audio", port: 4000, formats: []string{"0"}}))

		txn, up := env.handle(t, req)
		require.Len(t, env.down.Forks(), 1)
		assert.NotEmpty(t, txn.DialogID())
		assert.Equal(t, req.Body(), env.down.Forks()[0].req.Body(), "SDP пересылается вместе с запросом")

		env.down.respond(0, 200)
		waitDone(t, txn)
		assert.Equal(t, []int{200}, up.Finals())
	})

	t.Run("без тела пересылается", func(t *testing.T) {
		txn, up := env.handle(t, newTestRequest(sip.INVITE, "m3", ""))
		require.Len(t, env.down.Forks(), 2)

		env.down.respond(1, 486)
		waitDone(t, txn)
		assert.Equal(t, []int{486}, up.Finals())
	})
}
