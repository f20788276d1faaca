package merge

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"
	"time"

	"github.com/mangobiz/possync/internal/models"
	"github.com/mangobiz/possync/internal/vclock"
)

// Resolution представляет результат слияния двух версий сущности.
// Инвариант: ConflictedFields - ровно множество полей, где локальное
// и удаленное значения различались (deep equality), независимо от того,
// какая сторона победила.
type Resolution struct {
	Merged            *models.SyncEntity // Merged итоговая сущность
	ConflictedFields  []string           // ConflictedFields различавшиеся поля (вложенные - через точку)
	LocalOverwritten  []string           // LocalOverwritten поля, где локальное значение отброшено
	RemoteOverwritten []string           // RemoteOverwritten поля, где удаленное значение отброшено
	HadConflicts      bool               // HadConflicts был ли хотя бы один конфликт
}

// Entity сливает две конкурентные версии сущности по таблице правил.
// Поля с равными значениями пропускаются. Композитные поля (правило с Sub)
// сливаются рекурсивно по под-полям, чтобы правка одного под-поля не
// затирала конкурентную правку другого под-поля того же объекта.
// После разрешения полей: часы = merge часов, версия = max(версий)+1,
// статус = synced.
func Entity(local, remote *models.SyncEntity, table RuleTable) *Resolution {
	res := &Resolution{}
	merged := local.Clone()
	if merged.Fields == nil {
		merged.Fields = make(map[string]any)
	}

	mergeFields(merged.Fields, local.Fields, remote.Fields, table,
		local.UpdatedAt, remote.UpdatedAt, "", res)

	finalize(merged, local, remote)
	res.Merged = merged
	res.HadConflicts = len(res.ConflictedFields) > 0

	return res
}

// EntityFallback сливает версии сущности без таблицы правил:
// целиком побеждает сторона с более поздним updatedAt (ничья - локальная),
// различавшиеся поля определяются поверхностным сравнением ключей.
func EntityFallback(local, remote *models.SyncEntity) *Resolution {
	res := &Resolution{}

	localWins := !remote.UpdatedAt.After(local.UpdatedAt)

	var merged *models.SyncEntity
	if localWins {
		merged = local.Clone()
	} else {
		merged = remote.Clone()
	}

	for _, name := range sortedKeyUnion(local.Fields, remote.Fields) {
		if deepEqual(local.Fields[name], remote.Fields[name]) {
			continue
		}
		res.ConflictedFields = append(res.ConflictedFields, name)
		if localWins {
			res.RemoteOverwritten = append(res.RemoteOverwritten, name)
		} else {
			res.LocalOverwritten = append(res.LocalOverwritten, name)
		}
	}

	finalize(merged, local, remote)
	res.Merged = merged
	res.HadConflicts = len(res.ConflictedFields) > 0

	return res
}

// mergeFields обходит таблицу правил и разрешает различающиеся поля.
// prefix накапливает путь для вложенных полей ("profile.allergy_notes").
func mergeFields(dst, local, remote map[string]any, table RuleTable,
	localAt, remoteAt time.Time, prefix string, res *Resolution,
) {
	for _, name := range sortedRuleKeys(table) {
		rule := table[name]
		localValue, localOK := local[name]
		remoteValue, remoteOK := remote[name]

		if !localOK && !remoteOK {
			continue
		}
		if deepEqual(localValue, remoteValue) {
			continue
		}

		path := name
		if prefix != "" {
			path = prefix + "." + name
		}

		// Композитное поле: рекурсия в под-таблицу вместо обработки
		// объекта как одного непрозрачного значения
		if rule.Sub != nil {
			localMap, lIsMap := localValue.(map[string]any)
			remoteMap, rIsMap := remoteValue.(map[string]any)
			if lIsMap && rIsMap {
				sub := make(map[string]any, len(localMap))
				for k, v := range localMap {
					sub[k] = v
				}
				mergeFields(sub, localMap, remoteMap, rule.Sub, localAt, remoteAt, path, res)
				dst[name] = sub
				continue
			}
			// Одна из сторон не объект - деградируем до last_write
			rule.Strategy = StrategyLastWrite
		}

		res.ConflictedFields = append(res.ConflictedFields, path)

		value, usedLocal := resolveField(localValue, remoteValue, localAt, remoteAt, rule.Strategy)
		dst[name] = value

		if usedLocal {
			res.RemoteOverwritten = append(res.RemoteOverwritten, path)
		} else {
			res.LocalOverwritten = append(res.LocalOverwritten, path)
		}
	}
}

// resolveField выбирает значение одного поля по стратегии.
// Возвращает выбранное значение и признак победы локальной стороны.
func resolveField(local, remote any, localAt, remoteAt time.Time, strategy Strategy) (any, bool) {
	switch strategy {
	case StrategyLocalWins:
		return local, true

	case StrategyRemoteWins:
		return remote, false

	case StrategyMax:
		// Численное сравнение для счетчиков; нечисловые значения - как 0
		localNum := toNumber(local)
		remoteNum := toNumber(remote)
		if remoteNum > localNum {
			return remote, false
		}
		return local, true

	case StrategyUnion:
		localArr, lIsArr := toArray(local)
		remoteArr, rIsArr := toArray(remote)
		if lIsArr && rIsArr {
			return unionArrays(localArr, remoteArr), true
		}
		// Не массивы - откат на last_write
		return resolveField(local, remote, localAt, remoteAt, StrategyLastWrite)

	case StrategyLastWrite:
		fallthrough
	default:
		// Ничья по времени - предпочитаем локальное значение
		if remoteAt.After(localAt) {
			return remote, false
		}
		return local, true
	}
}

// unionArrays объединяет массивы без дубликатов, локальный порядок первым
func unionArrays(local, remote []any) []any {
	result := make([]any, 0, len(local)+len(remote))

	for _, item := range local {
		if !containsValue(result, item) {
			result = append(result, item)
		}
	}
	for _, item := range remote {
		if !containsValue(result, item) {
			result = append(result, item)
		}
	}

	return result
}

func containsValue(items []any, target any) bool {
	for _, item := range items {
		if deepEqual(item, target) {
			return true
		}
	}
	return false
}

// finalize применяет пост-условия слияния к итоговой сущности
func finalize(merged, local, remote *models.SyncEntity) {
	merged.Clock = vclock.Merge(local.Clock, remote.Clock)

	version := local.Version
	if remote.Version > version {
		version = remote.Version
	}
	merged.Version = version + 1

	merged.SyncStatus = models.SyncStatusSynced

	if remote.UpdatedAt.After(local.UpdatedAt) {
		merged.UpdatedAt = remote.UpdatedAt
	} else {
		merged.UpdatedAt = local.UpdatedAt
	}
}

// deepEqual сравнивает значения по их JSON-представлению, чтобы
// int64(5) локальной правки и float64(5) из JSON-декодера считались равными.
func deepEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}

	aJSON, aErr := json.Marshal(a)
	bJSON, bErr := json.Marshal(b)
	if aErr != nil || bErr != nil {
		return reflect.DeepEqual(a, b)
	}

	return bytes.Equal(aJSON, bJSON)
}

// toNumber приводит значение к float64; нечисловые значения дают 0
func toNumber(value any) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// toArray распознает значение как массив ([]any или типизированный срез)
func toArray(value any) ([]any, bool) {
	if arr, ok := value.([]any); ok {
		return arr, true
	}

	rv := reflect.ValueOf(value)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return nil, false
	}

	arr := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		arr[i] = rv.Index(i).Interface()
	}
	return arr, true
}

func sortedRuleKeys(table RuleTable) []string {
	keys := make([]string, 0, len(table))
	for name := range table {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeyUnion(a, b map[string]any) []string {
	union := make(map[string]struct{}, len(a)+len(b))
	for name := range a {
		union[name] = struct{}{}
	}
	for name := range b {
		union[name] = struct{}{}
	}

	keys := make([]string, 0, len(union))
	for name := range union {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys
}
