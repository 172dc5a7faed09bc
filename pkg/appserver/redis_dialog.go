package appserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
)

// RedisDialogStore реестр диалогов в Redis, общий для нескольких экземпляров
// прикладного сервера
type RedisDialogStore struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

// RedisOption опция RedisDialogStore
type RedisOption func(*RedisDialogStore)

// WithRedisTTL время жизни регистрации диалога
func WithRedisTTL(ttl time.Duration) RedisOption {
	return func(s *RedisDialogStore) {
		s.ttl = ttl
	}
}

// WithRedisPrefix префикс ключей
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisDialogStore) {
		s.prefix = prefix
	}
}

// NewRedisDialogStore создает реестр поверх готового клиента
func NewRedisDialogStore(client *backend.Client, opts ...RedisOption) *RedisDialogStore {
	s := &RedisDialogStore{
		client: client,
		prefix: "appserver:dialog:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisDialogStore) idKey(id string) string {
	return s.prefix + "id:" + id
}

func (s *RedisDialogStore) callKey(callID string) string {
	return s.prefix + "callid:" + callID
}

// Put сохраняет регистрацию и индекс по Call-ID одной транзакцией
func (s *RedisDialogStore) Put(ctx context.Context, entry DialogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dialog entry: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(p backend.Pipeliner) error {
		p.Set(ctx, s.idKey(entry.ID), data, s.ttl)
		if entry.CallID != "" {
			p.Set(ctx, s.callKey(entry.CallID), entry.ID, s.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put dialog %s: %w", entry.ID, err)
	}
	return nil
}

// LookupCallID ищет регистрацию по Call-ID
func (s *RedisDialogStore) LookupCallID(ctx context.Context, callID string) (DialogEntry, bool, error) {
	id, err := s.client.Get(ctx, s.callKey(callID)).Result()
	if errors.Is(err, backend.Nil) {
		return DialogEntry{}, false, nil
	}
	if err != nil {
		return DialogEntry{}, false, fmt.Errorf("redis lookup call-id %s: %w", callID, err)
	}
	return s.get(ctx, id)
}

func (s *RedisDialogStore) get(ctx context.Context, id string) (DialogEntry, bool, error) {
	data, err := s.client.Get(ctx, s.idKey(id)).Bytes()
	if errors.Is(err, backend.Nil) {
		return DialogEntry{}, false, nil
	}
	if err != nil {
		return DialogEntry{}, false, fmt.Errorf("redis get dialog %s: %w", id, err)
	}

	var entry DialogEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return DialogEntry{}, false, fmt.Errorf("unmarshal dialog %s: %w", id, err)
	}
	return entry, true, nil
}

// Delete удаляет регистрацию и индекс по Call-ID
func (s *RedisDialogStore) Delete(ctx context.Context, dialogID string) error {
	entry, ok, err := s.get(ctx, dialogID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	keys := []string{s.idKey(dialogID)}
	if entry.CallID != "" {
		keys = append(keys, s.callKey(entry.CallID))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete dialog %s: %w", dialogID, err)
	}
	return nil
}
