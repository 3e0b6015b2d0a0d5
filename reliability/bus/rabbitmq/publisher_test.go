package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oguzhanayyldz/moon-lib-sub000/reliability/bus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type confirmMode int

const (
	confirmAck confirmMode = iota
	confirmNack
	confirmNone
)

type fakeConfirmChannel struct {
	mu         sync.Mutex
	mode       confirmMode
	confirmErr error
	publishErr error
	confirms   chan amqp.Confirmation
	published  []amqp.Publishing
	keys       []string
	closed     bool
	tag        uint64
}

func (f *fakeConfirmChannel) Confirm(bool) error { return f.confirmErr }

func (f *fakeConfirmChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeConfirmChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishErr != nil {
		return f.publishErr
	}

	f.published = append(f.published, msg)
	f.keys = append(f.keys, key)
	f.tag++

	switch f.mode {
	case confirmAck:
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: true}
	case confirmNack:
		f.confirms <- amqp.Confirmation{DeliveryTag: f.tag, Ack: false}
	}

	return nil
}

func (f *fakeConfirmChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.closed
}

func (f *fakeConfirmChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true

	return nil
}

type channelSource struct {
	channels []*fakeConfirmChannel
	opened   int
}

func (s *channelSource) provide(context.Context) (ConfirmableChannel, error) {
	if s.opened >= len(s.channels) {
		return nil, errors.New("no channel")
	}

	ch := s.channels[s.opened]
	s.opened++

	return ch, nil
}

func TestPublisher_PublishWaitsForConfirm(t *testing.T) {
	t.Parallel()

	ch := &fakeConfirmChannel{}
	source := &channelSource{channels: []*fakeConfirmChannel{ch}}

	pub, err := NewPublisher(source.provide, "orders")
	require.NoError(t, err)

	err = pub.Publish(context.Background(), "order.created", []byte(`{"id":1}`), map[string]string{
		bus.HeaderEventID:   "evt-1",
		bus.HeaderEventType: "order.created",
		"custom":            "value",
	})
	require.NoError(t, err)

	require.Len(t, ch.published, 1)
	msg := ch.published[0]
	assert.Equal(t, "order.created", ch.keys[0])
	assert.Equal(t, "evt-1", msg.MessageId)
	assert.Equal(t, "order.created", msg.Type)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, "value", msg.Headers["custom"])
	assert.Equal(t, []byte(`{"id":1}`), msg.Body)

	require.NoError(t, pub.Publish(context.Background(), "order.updated", nil, nil))
	assert.Equal(t, 1, source.opened)
}

func TestPublisher_Nack(t *testing.T) {
	t.Parallel()

	source := &channelSource{channels: []*fakeConfirmChannel{{mode: confirmNack}}}
	pub, err := NewPublisher(source.provide, "")
	require.NoError(t, err)

	err = pub.Publish(context.Background(), "s", nil, nil)
	assert.ErrorIs(t, err, ErrPublishNacked)
}

func TestPublisher_ConfirmTimeoutReopensChannel(t *testing.T) {
	t.Parallel()

	first := &fakeConfirmChannel{mode: confirmNone}
	second := &fakeConfirmChannel{}
	source := &channelSource{channels: []*fakeConfirmChannel{first, second}}

	pub, err := NewPublisher(source.provide, "events", WithConfirmTimeout(20*time.Millisecond))
	require.NoError(t, err)

	err = pub.Publish(context.Background(), "s", nil, nil)
	require.ErrorIs(t, err, ErrConfirmTimeout)
	assert.True(t, first.IsClosed())

	require.NoError(t, pub.Publish(context.Background(), "s", nil, nil))
	assert.Equal(t, 2, source.opened)
	assert.Len(t, second.published, 1)
}

func TestPublisher_PublishErrorReopensChannel(t *testing.T) {
	t.Parallel()

	boom := errors.New("channel gone")
	source := &channelSource{channels: []*fakeConfirmChannel{{publishErr: boom}, {}}}

	pub, err := NewPublisher(source.provide, "events")
	require.NoError(t, err)

	require.ErrorIs(t, pub.Publish(context.Background(), "s", nil, nil), boom)
	require.NoError(t, pub.Publish(context.Background(), "s", nil, nil))
}

func TestPublisher_ConfirmModeUnavailable(t *testing.T) {
	t.Parallel()

	ch := &fakeConfirmChannel{confirmErr: errors.New("not supported")}
	source := &channelSource{channels: []*fakeConfirmChannel{ch}}

	pub, err := NewPublisher(source.provide, "events")
	require.NoError(t, err)

	assert.ErrorIs(t, pub.Publish(context.Background(), "s", nil, nil), ErrConfirmModeUnavailable)
	assert.True(t, ch.IsClosed())
}

func TestPublisher_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewPublisher(nil, "events")
	require.ErrorIs(t, err, ErrChannelRequired)

	source := &channelSource{channels: []*fakeConfirmChannel{{}}}
	pub, err := NewPublisher(source.provide, "events")
	require.NoError(t, err)

	assert.ErrorIs(t, pub.Publish(context.Background(), "  ", nil, nil), bus.ErrEmptySubject)
}

func TestPublisher_Close(t *testing.T) {
	t.Parallel()

	ch := &fakeConfirmChannel{}
	source := &channelSource{channels: []*fakeConfirmChannel{ch}}

	pub, err := NewPublisher(source.provide, "events")
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), "s", nil, nil))

	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())
	assert.True(t, ch.IsClosed())
	assert.ErrorIs(t, pub.Publish(context.Background(), "s", nil, nil), bus.ErrClosed)
}

func TestPublisher_DeclareExchange(t *testing.T) {
	t.Parallel()

	pub, err := NewPublisher((&channelSource{}).provide, "orders")
	require.NoError(t, err)

	ch := &fakeTopology{}
	require.NoError(t, pub.DeclareExchange(context.Background(), ch))
	assert.Equal(t, topologyCall{op: "exchange", name: "orders", key: amqp.ExchangeTopic}, ch.calls[0])
}
