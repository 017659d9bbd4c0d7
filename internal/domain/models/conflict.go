package models

// ConflictStrategy - закрытый набор стратегий разрешения конфликтов.
// Стратегия выбирается один раз на сессию и передается явным параметром
// по всей цепочке вызовов, а не через глобальную конфигурацию.
type ConflictStrategy string

const (
	// StrategyRemotePriority - удаленное значение всегда побеждает (по умолчанию)
	StrategyRemotePriority ConflictStrategy = "remote_priority"
	// StrategyLocalPriority - локальное значение всегда побеждает
	StrategyLocalPriority ConflictStrategy = "local_priority"
	// StrategyNewestWins - побеждает сторона с более поздней меткой времени
	StrategyNewestWins ConflictStrategy = "newest_wins"
	// StrategyManual - автоматического разрешения нет, запись помечается для ручного разбора
	StrategyManual ConflictStrategy = "manual"
)

// Valid проверяет, что стратегия входит в закрытый набор
func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategyRemotePriority, StrategyLocalPriority, StrategyNewestWins, StrategyManual:
		return true
	}
	return false
}

// ConflictAction - итог разрешения конфликта для одной записи
type ConflictAction int

const (
	// ActionApplyRemote - применить удаленные значения
	ActionApplyRemote ConflictAction = iota
	// ActionKeepLocal - оставить локальные значения, обновив только метку синхронизации
	ActionKeepLocal
	// ActionFlagManual - пометить запись для ручного разбора, значения не применять
	ActionFlagManual
)

// ConflictDecision - эфемерный результат работы резолвера для одной записи.
// Не сохраняется: потребляется слоем персистентности немедленно.
type ConflictDecision struct {
	Action            ConflictAction
	ConflictingFields []string
}
