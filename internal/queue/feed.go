package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/Analytics4Change/A4C-AppSuite-sub002/config"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/domain"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/eventstore"
	"github.com/Analytics4Change/A4C-AppSuite-sub002/internal/metrics"
)

// Feed is the change feed of the workflow queue. Delivery is best effort: a
// notification may arrive more than once or not at all, so subscribers must
// also poll the queue.
type Feed interface {
	Publish(ctx context.Context, jobID string) error
	Subscribe(ctx context.Context) (<-chan string, error)
	Close() error
}

// RedisFeed publishes job ids over Redis pub/sub
type RedisFeed struct {
	client  *redis.Client
	channel string
}

// NewRedisFeed connects to Redis
func NewRedisFeed(cfg config.RedisConfig) (*RedisFeed, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return NewRedisFeedFromClient(client, cfg.Channel), nil
}

// NewRedisFeedFromClient wraps an existing client
func NewRedisFeedFromClient(client *redis.Client, channel string) *RedisFeed {
	if channel == "" {
		channel = "workflow-queue"
	}
	return &RedisFeed{client: client, channel: channel}
}

// Publish announces a job id
func (f *RedisFeed) Publish(ctx context.Context, jobID string) error {
	if err := f.client.Publish(ctx, f.channel, jobID).Err(); err != nil {
		return errors.Wrap(err, "failed to publish workflow job notification")
	}
	metrics.Get().Inc(metrics.CounterFeedNotifications)
	return nil
}

// Subscribe returns a channel of job ids that is closed when ctx ends
func (f *RedisFeed) Subscribe(ctx context.Context) (<-chan string, error) {
	sub := f.client.Subscribe(ctx, f.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, errors.Wrap(err, "failed to subscribe to workflow queue feed")
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer sub.Close()

		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the Redis connection
func (f *RedisFeed) Close() error {
	return f.client.Close()
}

// FeedObserver publishes the job id of every committed event that leaves a job pending
func FeedObserver(feed Feed) eventstore.Observer {
	return eventstore.ObserverFunc(func(ctx context.Context, evt domain.Event) error {
		var jobID string
		switch {
		case evt.StreamType == domain.StreamWorkflowJob && evt.Type == domain.WorkflowJobRequeued:
			jobID = evt.StreamID
		default:
			if _, ok := initiationFor(evt); !ok {
				return nil
			}
			if evt.Failed() {
				return nil
			}
			metrics.Get().Inc(metrics.CounterJobsCreated)
			jobID = JobID(evt.ID)
		}

		if err := feed.Publish(ctx, jobID); err != nil {
			return err
		}
		log.Debug().Str("job_id", jobID).Str("event_id", evt.ID).Msg("workflow job notification published")
		return nil
	})
}
