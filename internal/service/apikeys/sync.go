package apikeys

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"taskmate/internal/redis"
)

const (
	redisExhaustedChannel = "apikeys:exhausted"
	redisExhaustedPrefix  = "apikeys:exhausted:"
	redisPublishTimeout   = 2 * time.Second
)

// Provider quotas reset daily; a restarted process re-probes keys after this.
const redisExhaustedTTL = 24 * time.Hour

type exhaustedMessage struct {
	Fingerprint string `json:"fingerprint"`
	Error       string `json:"error"`
	Origin      string `json:"origin"`
}

// Sync shares key exhaustion between processes through redis. Only key
// fingerprints leave the process.
type Sync struct {
	client  *redis.Client
	manager *Manager
	origin  string
	logger  *zap.Logger
}

func NewSync(client *redis.Client, manager *Manager, logger *zap.Logger) *Sync {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sync{
		client:  client,
		manager: manager,
		origin:  uuid.NewString(),
		logger:  logger.Named("apikeys.sync"),
	}
}

// Start restores exhaustion recorded by other processes, subscribes to new
// events and begins publishing local ones. The listener stops with ctx.
func (s *Sync) Start(ctx context.Context) error {
	if s == nil || s.client == nil || s.manager == nil {
		return errors.New("apikeys sync not configured")
	}
	s.restore(ctx)

	pubsub, err := s.client.Subscribe(ctx, redisExhaustedChannel)
	if err != nil {
		return err
	}
	s.manager.setHook(s.publish)

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev exhaustedMessage
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Warn("decode exhaustion event failed", zap.Error(err))
					continue
				}
				s.apply(ev)
			}
		}
	}()
	return nil
}

func (s *Sync) apply(ev exhaustedMessage) {
	if ev.Origin == s.origin {
		return
	}
	if s.manager.MarkFingerprintExhausted(ev.Fingerprint, ev.Error) {
		s.logger.Info("api key exhausted by peer", zap.String("fingerprint", ev.Fingerprint))
	}
}

func (s *Sync) restore(ctx context.Context) {
	for _, fp := range s.manager.fingerprints() {
		errText, err := s.client.Get(ctx, redisExhaustedPrefix+fp)
		if err != nil {
			if !errors.Is(err, redis.ErrCacheMiss) {
				s.logger.Warn("load exhaustion state failed", zap.Error(err))
			}
			continue
		}
		s.manager.MarkFingerprintExhausted(fp, errText)
	}
}

func (s *Sync) publish(fingerprint, errText string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
	defer cancel()

	if err := s.client.Set(ctx, redisExhaustedPrefix+fingerprint, errText, redisExhaustedTTL); err != nil {
		s.logger.Warn("persist exhaustion state failed", zap.Error(err))
	}
	payload, err := json.Marshal(exhaustedMessage{Fingerprint: fingerprint, Error: errText, Origin: s.origin})
	if err != nil {
		s.logger.Warn("marshal exhaustion event failed", zap.Error(err))
		return
	}
	if err := s.client.Publish(ctx, redisExhaustedChannel, payload); err != nil {
		s.logger.Warn("publish exhaustion event failed", zap.Error(err))
	}
}
