// Command activity-monitor consumes the NSQ mirror of the agentgate activity
// log and exposes what it sees, plus the topic backlog, as Prometheus metrics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/agentgate/internal/config"
	"github.com/austindbirch/agentgate/internal/event"
	"github.com/austindbirch/agentgate/internal/logging"
	"github.com/austindbirch/agentgate/internal/tracing"
)

const serviceName = "activity-monitor"

// nsqStats is the part of the nsqd /stats response the monitor reads.
type nsqStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

type monitor struct {
	nsqdHTTP string
	topic    string
	channel  string
	client   *http.Client
	logger   *logging.Logger

	backlog         prometheus.Gauge
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
	observed        *prometheus.CounterVec
	malformed       prometheus.Counter
	lag             prometheus.Histogram
}

func newMonitor(cfg config.Config, reg prometheus.Registerer, logger *logging.Logger) *monitor {
	m := &monitor{
		nsqdHTTP: cfg.Monitor.NsqdHTTPAddr,
		topic:    cfg.NSQ.ActivityTopic,
		channel:  cfg.Monitor.Channel,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentgate_activity_backlog",
			Help: "Activity messages waiting on the monitor channel",
		}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentgate_nsq_channel_depth",
			Help: "Depth of NSQ channels on the activity topic",
		}, []string{"topic", "channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentgate_nsq_channel_inflight",
			Help: "In-flight messages for NSQ channels on the activity topic",
		}, []string{"topic", "channel"}),
		observed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentgate_activity_observed_total",
			Help: "Mirrored activity events consumed, by event type",
		}, []string{"event"}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentgate_activity_malformed_total",
			Help: "Mirrored messages that could not be decoded",
		}),
		lag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentgate_activity_mirror_lag_seconds",
			Help:    "Time from emission to consumption of mirrored events",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
	reg.MustRegister(m.backlog, m.channelDepth, m.channelInflight, m.observed, m.malformed, m.lag)
	return m
}

// HandleMessage implements nsq.Handler. Undecodable messages are counted and
// finished so they are not redelivered forever.
func (m *monitor) HandleMessage(msg *nsq.Message) error {
	var mirrored event.NSQMessage
	if err := json.Unmarshal(msg.Body, &mirrored); err != nil || mirrored.Type == "" {
		m.malformed.Inc()
		m.logger.Plain().WithError(err).WithField("bytes", len(msg.Body)).Warn("Dropping malformed activity message")
		return nil
	}

	ctx := tracing.ContextFromCarrier(context.Background(), mirrored.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "activity.observe",
		attribute.String("event.type", mirrored.Type),
		attribute.String("event.id", mirrored.ID),
	)
	defer span.End()

	m.observed.WithLabelValues(mirrored.Type).Inc()
	if !mirrored.Timestamp.IsZero() {
		if lag := time.Since(mirrored.Timestamp); lag >= 0 {
			m.lag.Observe(lag.Seconds())
		}
	}
	m.logger.WithContext(ctx).WithEvent(mirrored.Type).WithField("event_id", mirrored.ID).Debug("Observed activity")
	return nil
}

func (m *monitor) updateStats(ctx context.Context) error {
	u := fmt.Sprintf("http://%s/stats?format=json&topic=%s", m.nsqdHTTP, url.QueryEscape(m.topic))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to get NSQ stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("NSQ stats returned %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode NSQ stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		for _, ch := range topic.Channels {
			if ch.ChannelName == m.channel {
				m.backlog.Set(float64(ch.Depth))
			}
			m.channelDepth.WithLabelValues(topic.TopicName, ch.ChannelName).Set(float64(ch.Depth))
			m.channelInflight.WithLabelValues(topic.TopicName, ch.ChannelName).Set(float64(ch.InFlightCount))
		}
	}
	return nil
}

func (m *monitor) pollStats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.updateStats(ctx); err != nil {
				m.logger.Plain().WithError(err).Warn("Error updating NSQ stats")
			}
		}
	}
}

func main() {
	logger := logging.New(serviceName)
	cfg, err := config.Load(os.Getenv("AGENTGATE_CONFIG"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to load configuration")
	}
	if cfg.NSQ.NsqdTCPAddr == "" {
		logger.Plain().Fatal("nsq.nsqd_tcp_addr is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	reg := prometheus.NewRegistry()
	m := newMonitor(cfg, reg, logger)

	consumer, err := nsq.NewConsumer(cfg.NSQ.ActivityTopic, cfg.Monitor.Channel, nsq.NewConfig())
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to create NSQ consumer")
	}
	consumer.AddHandler(m)
	if err := consumer.ConnectToNSQD(cfg.NSQ.NsqdTCPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("Failed to connect to nsqd")
	}
	go m.pollStats(ctx, cfg.Monitor.PollInterval)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if consumer.Stats().Connections == 0 {
			http.Error(w, "not connected", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "OK")
	})
	srv := &http.Server{Addr: cfg.Monitor.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Plain().WithFields(map[string]any{
			"addr":    cfg.Monitor.Addr,
			"topic":   cfg.NSQ.ActivityTopic,
			"channel": cfg.Monitor.Channel,
		}).Info("Activity monitor listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("HTTP serve failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	_ = srv.Shutdown(shutdownCtx)
	consumer.Stop()
	<-consumer.StopChan
	cancel()
	logger.Plain().Info("activity-monitor stopped")
}
