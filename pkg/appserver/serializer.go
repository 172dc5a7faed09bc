package appserver

import "sync"

// serializer выполняет задачи одной транзакции строго по одной и в порядке
// постановки. Очередь разбирает горутина, поставившая задачу в пустую
// очередь; задачи, поставленные изнутри выполняемой задачи, выполняются
// после ее завершения.
type serializer struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	onPanic func(v any)
}

// Do ставит задачу в очередь и, если очередь никто не разбирает, разбирает ее сам
func (s *serializer) Do(task func()) {
	s.mu.Lock()
	s.queue = append(s.queue, task)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true

	for len(s.queue) > 0 {
		next := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.run(next)

		s.mu.Lock()
	}
	s.running = false
	s.mu.Unlock()
}

func (s *serializer) run(task func()) {
	defer func() {
		if r := recover(); r != nil && s.onPanic != nil {
			s.onPanic(r)
		}
	}()
	task()
}
