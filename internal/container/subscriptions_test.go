package container

import (
	"context"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rferrors "github.com/bleepstore/rfstore/internal/errors"
)

type fakeSNS struct {
	mu           sync.Mutex
	endpoints    []sns.CreatePlatformEndpointInput
	subscribes   []sns.SubscribeInput
	unsubscribes []string
	failTopic    string
	failARN      string
}

func (f *fakeSNS) CreatePlatformEndpoint(_ context.Context, in *sns.CreatePlatformEndpointInput, _ ...func(*sns.Options)) (*sns.CreatePlatformEndpointOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoints = append(f.endpoints, *in)
	return &sns.CreatePlatformEndpointOutput{
		EndpointArn: aws.String(aws.ToString(in.PlatformApplicationArn) + "/endpoint/" + aws.ToString(in.Token)),
	}, nil
}

func (f *fakeSNS) Subscribe(_ context.Context, in *sns.SubscribeInput, _ ...func(*sns.Options)) (*sns.SubscribeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if aws.ToString(in.TopicArn) == f.failTopic {
		return nil, errInjected
	}
	f.subscribes = append(f.subscribes, *in)
	return &sns.SubscribeOutput{SubscriptionArn: aws.String(aws.ToString(in.TopicArn) + ":sub")}, nil
}

func (f *fakeSNS) Unsubscribe(_ context.Context, in *sns.UnsubscribeInput, _ ...func(*sns.Options)) (*sns.UnsubscribeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if aws.ToString(in.SubscriptionArn) == f.failARN {
		return nil, errInjected
	}
	f.unsubscribes = append(f.unsubscribes, aws.ToString(in.SubscriptionArn))
	return &sns.UnsubscribeOutput{}, nil
}

func newSubscriptionEnv(t *testing.T) (*Container, *fakeSNS) {
	t.Helper()
	env := newTestEnv(t, "")
	api := &fakeSNS{}
	c := NewWithServices("test-container", "", env.c.Options(), &Services{Blobs: env.blobs, Notifications: api})
	t.Cleanup(func() { _ = c.Close() })
	return c, api
}

func TestEncodedDeviceToken(t *testing.T) {
	s := &Subscription{DeviceToken: []byte{0x00, 0xab, 0x10, 0xff}}
	assert.Equal(t, "00ab10ff", s.EncodedDeviceToken())
}

func TestSaveSubscriptions(t *testing.T) {
	c, api := newSubscriptionEnv(t)
	api.failTopic = "arn:topic:broken"

	subs := []*Subscription{
		{ID: "arn:topic:notes", ZoneID: "arn:app:ios", DeviceToken: []byte{0xde, 0xad}},
		{ID: "arn:topic:broken", ZoneID: "arn:app:ios", DeviceToken: []byte{0xbe, 0xef}},
	}
	var (
		mu       sync.Mutex
		perSub   = make(map[string]error)
		saved    []*Subscription
		finalErr error
	)
	waitTask(t, c.SaveSubscriptions(context.Background(), subs, SaveSubscriptionsHandlers{
		PerSubscription: func(s *Subscription, err error) {
			mu.Lock()
			perSub[s.ID] = err
			mu.Unlock()
		},
		Completion: func(s []*Subscription, err error) { saved, finalErr = s, err },
	}))

	require.Len(t, saved, 1)
	assert.Equal(t, "arn:topic:notes:sub", saved[0].ARN)
	assert.Len(t, perSub, 2)
	assert.ErrorIs(t, perSub["arn:topic:broken"], errInjected)

	pf, ok := rferrors.AsPartialFailure(finalErr)
	require.True(t, ok)
	assert.Equal(t, []string{"arn:topic:broken"}, pf.ItemIDs())

	require.Len(t, api.subscribes, 1)
	assert.Equal(t, "application", aws.ToString(api.subscribes[0].Protocol))
	assert.Equal(t, "arn:app:ios/endpoint/dead", aws.ToString(api.subscribes[0].Endpoint))
	tokens := []string{aws.ToString(api.endpoints[0].Token), aws.ToString(api.endpoints[1].Token)}
	assert.ElementsMatch(t, []string{"dead", "beef"}, tokens)
}

func TestDeleteSubscriptions(t *testing.T) {
	c, api := newSubscriptionEnv(t)
	api.failARN = "arn:sub:2"

	var (
		deleted []string
		final   error
	)
	waitTask(t, c.DeleteSubscriptions(context.Background(), []string{"arn:sub:1", "arn:sub:2", "arn:sub:1"}, DeleteSubscriptionsHandlers{
		Completion: func(d []string, err error) { deleted, final = d, err },
	}))

	assert.Equal(t, []string{"arn:sub:1"}, deleted)
	assert.Equal(t, []string{"arn:sub:1"}, api.unsubscribes)
	pf, ok := rferrors.AsPartialFailure(final)
	require.True(t, ok)
	assert.Equal(t, []string{"arn:sub:2"}, pf.ItemIDs())
}

func TestSubscriptionsDisabled(t *testing.T) {
	env := newTestEnv(t, "")
	var got error
	waitTask(t, env.c.DeleteSubscriptions(context.Background(), []string{"arn"}, DeleteSubscriptionsHandlers{
		Completion: func(_ []string, err error) { got = err },
	}))
	assert.ErrorIs(t, got, ErrNoNotifications)
}
