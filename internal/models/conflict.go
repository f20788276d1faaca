package models

import (
	"time"

	"github.com/mangobiz/possync/internal/vclock"
)

// ConflictRecord представляет структурированную запись аудита о том,
// какие поля конфликтовали при слиянии и как конфликт был разрешен.
// Используется для диагностики, не для восстановления данных.
type ConflictRecord struct {
	DetectedAt        time.Time    `json:"detected_at"`        // DetectedAt время обнаружения конфликта
	LocalClock        vclock.Clock `json:"local_clock"`        // LocalClock векторные часы локальной версии
	RemoteClock       vclock.Clock `json:"remote_clock"`       // RemoteClock векторные часы удаленной версии
	ID                string       `json:"id"`                 // ID уникальный идентификатор записи (UUID)
	EntityID          string       `json:"entity_id"`          // EntityID идентификатор конфликтовавшей сущности
	EntityType        string       `json:"entity_type"`        // EntityType тип сущности
	ConflictedFields  []string     `json:"conflicted_fields"`  // ConflictedFields поля, различавшиеся между версиями
	LocalOverwritten  []string     `json:"local_overwritten"`  // LocalOverwritten поля, где локальное значение отброшено
	RemoteOverwritten []string     `json:"remote_overwritten"` // RemoteOverwritten поля, где удаленное значение отброшено
	ResolvedVersion   int64        `json:"resolved_version"`   // ResolvedVersion версия сущности после слияния
}
