package app

import (
	"context"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/redis"
)

// outer holds the optional services named in config: the redis cache
// tier, the graph projection and the event producer.
type outer struct {
	redis     *redis.Client
	graph     *graph.Client
	projector *graph.Projector
	producer  *kafka.Producer
}

func (a *App) openOuter() (*outer, error) {
	o := &outer{}
	if a.cfg.RedisHost != "" {
		client, err := redis.NewClient(a.cfg.Redis(), a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis client: %w", err)
		}
		o.redis = client
	}
	if a.cfg.GraphDBHost != "" {
		client, err := graph.NewClient(a.cfg.Graph(), a.logger)
		if err != nil {
			o.close(context.Background())
			return nil, fmt.Errorf("failed to create graph client: %w", err)
		}
		o.graph = client
		o.projector = graph.NewProjector(client, a.logger)
	}
	if a.cfg.KafkaProducerEnabled {
		o.producer = kafka.NewProducer(a.cfg.Producer(), a.logger)
	}
	return o, nil
}

// deps converts to interface values, leaving disabled services as nil
// interfaces rather than typed nil pointers.
func (o *outer) deps() deps {
	var d deps
	var fanout events.Fanout
	if o.redis != nil {
		d.remote = o.redis
	}
	if o.projector != nil {
		d.projector = o.projector
		fanout = append(fanout, o.projector)
	}
	if o.producer != nil {
		fanout = append(fanout, o.producer)
	}
	if len(fanout) > 0 {
		d.publisher = fanout
	}
	return d
}

func (o *outer) close(ctx context.Context) {
	if o.producer != nil {
		_ = o.producer.Close()
	}
	if o.graph != nil {
		_ = o.graph.Close(ctx)
	}
	if o.redis != nil {
		_ = o.redis.Close()
	}
}
