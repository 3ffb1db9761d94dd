package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/AnshRaj112/patient-portal-backend/internal/models"
)

const (
	AlertChannel        = "security:alerts"
	alertSubscriberBuf  = 16
	alertMaxBackoff     = 30 * time.Second
	alertInitialBackoff = time.Second
)

// AlertStream broadcasts security alerts to every instance over Redis pub/sub
// and from there to local subscribers such as admin WebSocket connections.
// Without a Redis client alerts are delivered to local subscribers only.
type AlertStream struct {
	client *redis.Client
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[uint64]chan models.SecurityAlert
	nextID uint64
}

func NewAlertStream(client *redis.Client, logger *zap.Logger) *AlertStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertStream{
		client: client,
		logger: logger,
		subs:   make(map[uint64]chan models.SecurityAlert),
	}
}

func (s *AlertStream) PublishAlert(ctx context.Context, alert *models.SecurityAlert) error {
	if s.client == nil {
		s.fanOut(*alert)
		return nil
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, AlertChannel, data).Err()
}

// Subscribe registers a local listener. Slow listeners miss alerts rather
// than block the stream. Call the returned func to unsubscribe.
func (s *AlertStream) Subscribe() (<-chan models.SecurityAlert, func()) {
	ch := make(chan models.SecurityAlert, alertSubscriberBuf)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

func (s *AlertStream) fanOut(alert models.SecurityAlert) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, ch := range s.subs {
		select {
		case ch <- alert:
		default:
			s.logger.Warn("Dropping security alert for slow subscriber", zap.Uint64("subscriber", id))
		}
	}
}

// Run relays alerts from Redis to local subscribers until ctx is cancelled,
// reconnecting with exponential backoff.
func (s *AlertStream) Run(ctx context.Context) {
	if s.client == nil {
		s.logger.Info("Redis not configured; security alerts stay local to this instance")
		<-ctx.Done()
		return
	}

	backoff := alertInitialBackoff
	for ctx.Err() == nil {
		err := s.relay(ctx, func() { backoff = alertInitialBackoff })
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("Security alert subscriber disconnected",
			zap.Error(err),
			zap.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > alertMaxBackoff {
			backoff = alertMaxBackoff
		}
	}
}

func (s *AlertStream) relay(ctx context.Context, onMessage func()) error {
	pubsub := s.client.Subscribe(ctx, AlertChannel)
	defer pubsub.Close()

	s.logger.Info("Security alert subscriber started", zap.String("channel", AlertChannel))
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		onMessage()

		var alert models.SecurityAlert
		if err := json.Unmarshal([]byte(msg.Payload), &alert); err != nil {
			s.logger.Warn("Failed to decode security alert", zap.Error(err))
			continue
		}
		s.fanOut(alert)
	}
}
