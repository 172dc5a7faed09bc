package appserver

import (
	"context"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// DialogEntry регистрация сервиса в диалоге
type DialogEntry struct {
	ID      string    `json:"id"`
	Service string    `json:"service"`
	CallID  string    `json:"call_id"`
	Created time.Time `json:"created"`
}

// DialogStore реестр диалогов, по которому маршрутизируются запросы внутри диалога
type DialogStore interface {
	Put(ctx context.Context, entry DialogEntry) error
	LookupCallID(ctx context.Context, callID string) (DialogEntry, bool, error)
	Delete(ctx context.Context, dialogID string) error
}

// DialogAllocator выдает идентификаторы диалогов
type DialogAllocator interface {
	AllocateDialogID(req *sip.Request, hint string) string
}

// DialogAllocatorFunc адаптер функции к DialogAllocator
type DialogAllocatorFunc func(req *sip.Request, hint string) string

// AllocateDialogID вызывает f(req, hint)
func (f DialogAllocatorFunc) AllocateDialogID(req *sip.Request, hint string) string {
	return f(req, hint)
}

// DefaultDialogAllocator использует подсказку сервиса, иначе Call-ID и uuid
var DefaultDialogAllocator = DialogAllocatorFunc(func(req *sip.Request, hint string) string {
	if hint != "" {
		return hint
	}
	if callID := req.CallID(); callID != nil {
		return callID.Value() + ";" + uuid.NewString()
	}
	return uuid.NewString()
})

// MemoryDialogStore реестр диалогов в памяти процесса
type MemoryDialogStore struct {
	byID     *shardedMap[DialogEntry]
	byCallID *shardedMap[string]
}

// NewMemoryDialogStore создает пустой реестр
func NewMemoryDialogStore() *MemoryDialogStore {
	return &MemoryDialogStore{
		byID:     newShardedMap[DialogEntry](),
		byCallID: newShardedMap[string](),
	}
}

// Put сохраняет регистрацию
func (s *MemoryDialogStore) Put(_ context.Context, entry DialogEntry) error {
	s.byID.Set(entry.ID, entry)
	if entry.CallID != "" {
		s.byCallID.Set(entry.CallID, entry.ID)
	}
	return nil
}

// LookupCallID ищет регистрацию по Call-ID
func (s *MemoryDialogStore) LookupCallID(_ context.Context, callID string) (DialogEntry, bool, error) {
	id, ok := s.byCallID.Get(callID)
	if !ok {
		return DialogEntry{}, false, nil
	}
	entry, ok := s.byID.Get(id)
	return entry, ok, nil
}

// Delete удаляет регистрацию
func (s *MemoryDialogStore) Delete(_ context.Context, dialogID string) error {
	entry, ok := s.byID.Get(dialogID)
	if !ok {
		return nil
	}
	s.byID.Delete(dialogID)
	if id, ok := s.byCallID.Get(entry.CallID); ok && id == dialogID {
		s.byCallID.Delete(entry.CallID)
	}
	return nil
}

// Count количество зарегистрированных диалогов
func (s *MemoryDialogStore) Count() int {
	return s.byID.Count()
}
