package vclock

// Clock представляет векторные часы: отображение идентификатора устройства
// в монотонно возрастающий счетчик. Используются для определения причинного
// порядка версий сущности, отредактированной на нескольких устройствах.
// Инвариант: устройство увеличивает только свой собственный компонент.
type Clock map[string]int64

// Ordering описывает результат сравнения двух векторных часов.
type Ordering int

const (
	// Equal - часы идентичны
	Equal Ordering = iota
	// LocalAhead - локальная версия строго новее (прямое копирование, merge не нужен)
	LocalAhead
	// RemoteAhead - удаленная версия строго новее
	RemoteAhead
	// Concurrent - версии конкурентны, требуется field-level merge
	Concurrent
)

// String возвращает текстовое представление результата сравнения
func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case LocalAhead:
		return "local_ahead"
	case RemoteAhead:
		return "remote_ahead"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// New создает пустые векторные часы
func New() Clock {
	return make(Clock)
}

// Compare сравнивает две пары векторных часов.
// Отсутствующий ключ интерпретируется как неявный 0.
// Если локальные часы строго больше хотя бы на одном устройстве И удаленные
// строго больше на другом - версии конкурентны (сигнал конфликта).
func Compare(local, remote Clock) Ordering {
	localAhead := false
	remoteAhead := false

	for deviceID := range keyUnion(local, remote) {
		l := local[deviceID]
		r := remote[deviceID]

		if l > r {
			localAhead = true
		}
		if r > l {
			remoteAhead = true
		}
	}

	switch {
	case localAhead && remoteAhead:
		return Concurrent
	case localAhead:
		return LocalAhead
	case remoteAhead:
		return RemoteAhead
	default:
		return Equal
	}
}

// Merge возвращает покомпонентный максимум по объединению ключей.
// Операция коммутативна, ассоциативна и идемпотентна: merge(a,a) == a.
func Merge(a, b Clock) Clock {
	result := make(Clock, len(a)+len(b))

	for deviceID := range keyUnion(a, b) {
		av := a[deviceID]
		bv := b[deviceID]

		if av > bv {
			result[deviceID] = av
		} else {
			result[deviceID] = bv
		}
	}

	return result
}

// Tick увеличивает компонент данного устройства на единицу.
// Вызывается при каждом локальном изменении сущности.
func (c Clock) Tick(deviceID string) {
	c[deviceID]++
}

// Counter возвращает счетчик для устройства (0 если ключ отсутствует)
func (c Clock) Counter(deviceID string) int64 {
	return c[deviceID]
}

// Clone создает независимую копию векторных часов
func (c Clock) Clone() Clock {
	result := make(Clock, len(c))
	for deviceID, counter := range c {
		result[deviceID] = counter
	}
	return result
}

// Equal проверяет покомпонентное равенство двух часов
func (c Clock) Equal(other Clock) bool {
	return Compare(c, other) == Equal
}

// keyUnion возвращает множество идентификаторов устройств из обеих часов
func keyUnion(a, b Clock) map[string]struct{} {
	union := make(map[string]struct{}, len(a)+len(b))
	for deviceID := range a {
		union[deviceID] = struct{}{}
	}
	for deviceID := range b {
		union[deviceID] = struct{}{}
	}
	return union
}
