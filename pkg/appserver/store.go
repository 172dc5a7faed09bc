package appserver

import (
	"hash/fnv"
	"sync"
)

// ShardCount количество шардов, должно быть степенью 2
const ShardCount = 32

type shard[V any] struct {
	items map[string]V
	mutex sync.RWMutex
}

// shardedMap потокобезопасная карта со строковыми ключами.
// Ключи распределяются по шардам по FNV хэшу, у каждого шарда свой мьютекс.
type shardedMap[V any] struct {
	shards [ShardCount]*shard[V]
}

func newShardedMap[V any]() *shardedMap[V] {
	m := &shardedMap[V]{}
	for i := range m.shards {
		m.shards[i] = &shard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *shardedMap[V]) getShard(key string) *shard[V] {
	hasher := fnv.New32a()
	hasher.Write([]byte(key))
	return m.shards[hasher.Sum32()&(ShardCount-1)]
}

// Set добавляет или заменяет значение
func (m *shardedMap[V]) Set(key string, v V) {
	s := m.getShard(key)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.items[key] = v
}

// SetIfAbsent добавляет значение, если ключа еще нет
func (m *shardedMap[V]) SetIfAbsent(key string, v V) bool {
	s := m.getShard(key)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.items[key]; ok {
		return false
	}
	s.items[key] = v
	return true
}

// Get возвращает значение по ключу
func (m *shardedMap[V]) Get(key string) (V, bool) {
	s := m.getShard(key)
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	v, ok := s.items[key]
	return v, ok
}

// Delete удаляет значение, возвращает true если оно было
func (m *shardedMap[V]) Delete(key string) bool {
	s := m.getShard(key)
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.items[key]; !ok {
		return false
	}
	delete(s.items, key)
	return true
}

// Count общее количество элементов по всем шардам
func (m *shardedMap[V]) Count() int {
	count := 0
	for _, s := range m.shards {
		s.mutex.RLock()
		count += len(s.items)
		s.mutex.RUnlock()
	}
	return count
}

// ForEach обходит снимок значений; fn вызывается без удержания блокировок
func (m *shardedMap[V]) ForEach(fn func(key string, v V) bool) {
	for _, s := range m.shards {
		s.mutex.RLock()
		keys := make([]string, 0, len(s.items))
		vals := make([]V, 0, len(s.items))
		for k, v := range s.items {
			keys = append(keys, k)
			vals = append(vals, v)
		}
		s.mutex.RUnlock()

		for i := range keys {
			if !fn(keys[i], vals[i]) {
				return
			}
		}
	}
}
