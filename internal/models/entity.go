package models

import (
	"time"

	"github.com/mangobiz/possync/internal/vclock"
)

// SyncStatus описывает состояние синхронизации сущности
type SyncStatus string

const (
	// SyncStatusLocal - сущность изменена локально и еще не ставилась в очередь
	SyncStatusLocal SyncStatus = "local"
	// SyncStatusPending - изменение отправлено или ожидает отправки
	SyncStatusPending SyncStatus = "pending"
	// SyncStatusSynced - сущность согласована со всеми устройствами
	SyncStatusSynced SyncStatus = "synced"
)

// EntityType константы для типов синхронизируемых сущностей салона
const (
	EntityTypeTicket      = "ticket"
	EntityTypeStaff       = "staff"
	EntityTypeClient      = "client"
	EntityTypeAppointment = "appointment"
)

// SyncEntity представляет синхронизируемую сущность бизнес-записи.
// Поле Fields хранит полезную нагрузку сущности в виде generic-карты,
// чтобы один merge-движок обслуживал все типы сущностей.
// Инварианты: Version строго растет при каждом merge;
// LastSyncedVersion <= Version.
type SyncEntity struct {
	UpdatedAt         time.Time      `json:"updated_at"`          // UpdatedAt время последнего изменения
	Fields            map[string]any `json:"fields"`              // Fields полезная нагрузка сущности
	Clock             vclock.Clock   `json:"vector_clock"`        // Clock векторные часы версии
	ID                string         `json:"id"`                  // ID уникальный идентификатор сущности (UUID)
	Type              string         `json:"type"`                // Type тип сущности: "ticket", "staff", "client", "appointment"
	SyncStatus        SyncStatus     `json:"sync_status"`         // SyncStatus состояние синхронизации
	Version           int64          `json:"version"`             // Version монотонно растущая версия записи
	LastSyncedVersion int64          `json:"last_synced_version"` // LastSyncedVersion последняя версия, подтвержденная сервером
}

// Clone создает глубокую копию сущности, включая карту полей
func (e *SyncEntity) Clone() *SyncEntity {
	clone := &SyncEntity{
		ID:                e.ID,
		Type:              e.Type,
		Version:           e.Version,
		SyncStatus:        e.SyncStatus,
		UpdatedAt:         e.UpdatedAt,
		LastSyncedVersion: e.LastSyncedVersion,
	}

	if e.Clock != nil {
		clone.Clock = e.Clock.Clone()
	}

	if e.Fields != nil {
		clone.Fields = cloneFieldMap(e.Fields)
	}

	return clone
}

// Touch фиксирует локальное редактирование: увеличивает компонент часов
// данного устройства и помечает сущность как измененную локально.
func (e *SyncEntity) Touch(deviceID string) {
	if e.Clock == nil {
		e.Clock = vclock.New()
	}
	e.Clock.Tick(deviceID)
	e.Version++
	e.UpdatedAt = time.Now().UTC()
	e.SyncStatus = SyncStatusLocal
}

// cloneFieldMap рекурсивно копирует карту полей.
// Значения приходят из JSON-декодера: map[string]any, []any и скаляры.
func cloneFieldMap(fields map[string]any) map[string]any {
	result := make(map[string]any, len(fields))
	for name, value := range fields {
		result[name] = cloneFieldValue(value)
	}
	return result
}

func cloneFieldValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneFieldMap(v)
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = cloneFieldValue(item)
		}
		return items
	default:
		return v
	}
}
