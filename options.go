package weft

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	name         NodeName
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
}

// Option to pass to NewNode.
type Option func(*config) error

// WithLog specifies which slog.Handler to use. Defaults to the process
// default handler.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithNodeName fixes the node's name instead of generating a random one.
// Names must be unique across the mesh; prefer the random default unless
// the deployment derives names from an external identity.
func WithNodeName(name NodeName) Option {
	return func(c *config) error {
		if name.IsZero() {
			return ErrInvalidArgument
		}
		c.name = name
		return nil
	}
}

// WithMetricSink chooses how metrics emitted by the node are collected.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}
