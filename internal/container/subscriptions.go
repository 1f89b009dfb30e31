package container

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	rferrors "github.com/bleepstore/rfstore/internal/errors"
	"github.com/bleepstore/rfstore/internal/task"
)

// NotificationAPI is the subset of the SNS client used for subscriptions.
type NotificationAPI interface {
	CreatePlatformEndpoint(ctx context.Context, in *sns.CreatePlatformEndpointInput, optFns ...func(*sns.Options)) (*sns.CreatePlatformEndpointOutput, error)
	Subscribe(ctx context.Context, in *sns.SubscribeInput, optFns ...func(*sns.Options)) (*sns.SubscribeOutput, error)
	Unsubscribe(ctx context.Context, in *sns.UnsubscribeInput, optFns ...func(*sns.Options)) (*sns.UnsubscribeOutput, error)
}

// ErrNoNotifications is returned when subscriptions are disabled.
var ErrNoNotifications = errors.New("container has no notification service")

// subscriptionProtocol is the SNS protocol of device endpoints.
const subscriptionProtocol = "application"

// Subscription delivers change notifications of a container to one device.
type Subscription struct {
	// ID is the topic the container publishes its changes to.
	ID string
	// ZoneID is the platform application the device endpoint is created in.
	ZoneID      string
	DeviceToken []byte
	// ARN is set once the subscription is saved.
	ARN string
}

// EncodedDeviceToken returns the device token as lowercase hex.
func (s *Subscription) EncodedDeviceToken() string {
	return hex.EncodeToString(s.DeviceToken)
}

// SaveSubscriptionsHandlers receive the events of SaveSubscriptions.
type SaveSubscriptionsHandlers struct {
	PerSubscription func(s *Subscription, err error)
	Completion      func(saved []*Subscription, err error)
}

// DeleteSubscriptionsHandlers receive the events of DeleteSubscriptions.
type DeleteSubscriptionsHandlers struct {
	Completion func(deleted []string, err error)
}

// SaveSubscriptions registers a device endpoint for each subscription and
// subscribes it to the subscription's topic. Failures are keyed by
// subscription ID.
func (c *Container) SaveSubscriptions(ctx context.Context, subs []*Subscription, h SaveSubscriptionsHandlers) *task.Task {
	return c.submit(ctx, task.New("SaveSubscriptions", func(ctx context.Context) error {
		start := time.Now()
		api, err := c.notifications(ctx)
		if err != nil {
			complete(h.Completion, nil, err)
			return err
		}
		saved, err := c.saveSubscriptions(ctx, api, subs, h.PerSubscription)
		observe(ctx, "SaveSubscriptions", start, err)
		complete(h.Completion, saved, err)
		return err
	}))
}

// DeleteSubscriptions unsubscribes the given subscription ARNs. Failures are
// keyed by ARN.
func (c *Container) DeleteSubscriptions(ctx context.Context, arns []string, h DeleteSubscriptionsHandlers) *task.Task {
	return c.submit(ctx, task.New("DeleteSubscriptions", func(ctx context.Context) error {
		start := time.Now()
		api, err := c.notifications(ctx)
		if err != nil {
			complete(h.Completion, nil, err)
			return err
		}
		deleted, err := c.deleteSubscriptions(ctx, api, arns)
		observe(ctx, "DeleteSubscriptions", start, err)
		complete(h.Completion, deleted, err)
		return err
	}))
}

func (c *Container) notifications(ctx context.Context) (NotificationAPI, error) {
	svc, err := c.Services(ctx)
	if err != nil {
		return nil, err
	}
	if svc.Notifications == nil {
		return nil, ErrNoNotifications
	}
	return svc.Notifications, nil
}

func (c *Container) saveSubscription(ctx context.Context, api NotificationAPI, s *Subscription) (*Subscription, error) {
	if ctx.Err() != nil {
		return nil, nil
	}
	reqCtx, cancel := c.requestContext(ctx)
	defer cancel()

	endpoint, err := api.CreatePlatformEndpoint(reqCtx, &sns.CreatePlatformEndpointInput{
		PlatformApplicationArn: aws.String(s.ZoneID),
		Token:                  aws.String(s.EncodedDeviceToken()),
	})
	if err != nil {
		return nil, fmt.Errorf("creating endpoint in %s: %w", s.ZoneID, err)
	}
	if endpoint.EndpointArn == nil {
		return nil, fmt.Errorf("creating endpoint in %s: %w", s.ZoneID, rferrors.ErrUnknown)
	}

	out, err := api.Subscribe(reqCtx, &sns.SubscribeInput{
		TopicArn: aws.String(s.ID),
		Protocol: aws.String(subscriptionProtocol),
		Endpoint: endpoint.EndpointArn,
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", s.ID, err)
	}
	s.ARN = aws.ToString(out.SubscriptionArn)
	c.log.Debug("Subscription saved", "op", "SaveSubscriptions", "topic", s.ID, "subscription", s.ARN)
	return s, nil
}

func (c *Container) saveSubscriptions(ctx context.Context, api NotificationAPI, subs []*Subscription,
	perSubscription func(*Subscription, error),
) ([]*Subscription, error) {
	q := task.NewQueue(ctx, c.opts.MaxConcurrentTransfers)
	var (
		mu    sync.Mutex
		saved = make([]*Subscription, len(subs))
		agg   error
	)
	for i, s := range subs {
		q.Go("SaveSubscription", func(ctx context.Context) error {
			out, err := c.saveSubscription(ctx, api, s)
			if ctx.Err() != nil {
				return nil
			}
			mu.Lock()
			saved[i] = out
			rferrors.Update(&agg, err, s.ID)
			mu.Unlock()
			if perSubscription != nil {
				perSubscription(s, err)
			}
			return err
		})
	}
	q.Wait()

	if ctx.Err() != nil {
		return nil, nil
	}
	var result []*Subscription
	for _, s := range saved {
		if s != nil {
			result = append(result, s)
		}
	}
	return result, agg
}

func (c *Container) deleteSubscriptions(ctx context.Context, api NotificationAPI, arns []string) ([]string, error) {
	q := task.NewQueue(ctx, c.opts.MaxConcurrentTransfers)
	var (
		mu      sync.Mutex
		deleted []string
		agg     error
	)
	for _, arn := range distinct(arns) {
		q.Go("DeleteSubscription", func(ctx context.Context) error {
			reqCtx, cancel := c.requestContext(ctx)
			defer cancel()
			_, err := api.Unsubscribe(reqCtx, &sns.UnsubscribeInput{SubscriptionArn: aws.String(arn)})
			if ctx.Err() != nil {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				err = fmt.Errorf("unsubscribing %s: %w", arn, err)
				rferrors.Update(&agg, err, arn)
				return err
			}
			deleted = append(deleted, arn)
			return nil
		})
	}
	q.Wait()

	if ctx.Err() != nil {
		return nil, nil
	}
	return deleted, agg
}
