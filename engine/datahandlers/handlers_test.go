package datahandlers_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solarctl/engine/bus"
	"solarctl/engine/datahandlers"
	"solarctl/engine/models"
)

type fakePublisher struct {
	published []struct {
		kind string
		msg  bus.DataMessage
	}
	cleared []string
}

func (f *fakePublisher) PublishData(kind string, msg bus.DataMessage) {
	f.published = append(f.published, struct {
		kind string
		msg  bus.DataMessage
	}{kind, msg})
}

func (f *fakePublisher) PublishPlotterClear(kind string) {
	f.cleared = append(f.cleared, kind)
}

func TestHandler_HandleAttachesIdentity(t *testing.T) {
	pub := &fakePublisher{}
	h := datahandlers.New(pub, bus.KindIV1, "A1", "forward")

	samples := []models.Sample{{V: 0.1, I: 0.01}}
	h.Handle(samples, false)

	require.Len(t, pub.published, 1)
	assert.Equal(t, bus.KindIV1, pub.published[0].kind)
	assert.Equal(t, "A1", pub.published[0].msg.Pixel)
	assert.Equal(t, "forward", pub.published[0].msg.Sweep)
	assert.False(t, pub.published[0].msg.End)
}

func TestHandler_HandleEndMarksFinalMessage(t *testing.T) {
	pub := &fakePublisher{}
	h := datahandlers.New(pub, bus.KindVt, "B2", "")
	h.Handle(nil, true)
	require.Len(t, pub.published, 1)
	assert.True(t, pub.published[0].msg.End)
}

func TestHandler_ClearPublishesOneShot(t *testing.T) {
	pub := &fakePublisher{}
	h := datahandlers.New(pub, bus.KindMppt, "A1", "")
	h.Clear()
	assert.Equal(t, []string{bus.KindMppt}, pub.cleared)
}
