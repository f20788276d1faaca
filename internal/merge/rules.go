package merge

import "github.com/mangobiz/possync/internal/models"

// Strategy определяет способ разрешения конфликта для одного поля
type Strategy string

const (
	// StrategyLastWrite - побеждает значение с более поздним updatedAt (ничья - локальное)
	StrategyLastWrite Strategy = "last_write"
	// StrategyLocalWins - безусловно локальное значение
	StrategyLocalWins Strategy = "local_wins"
	// StrategyRemoteWins - безусловно удаленное значение (сервер авторитетен)
	StrategyRemoteWins Strategy = "remote_wins"
	// StrategyMax - численный максимум, для счетчиков
	StrategyMax Strategy = "max"
	// StrategyUnion - объединение массивов без дубликатов, локальный порядок первым
	StrategyUnion Strategy = "union"
)

// FieldRule описывает правило слияния одного поля верхнего уровня.
// Для композитных полей (например "profile") заполняется Sub - вложенная
// таблица правил по под-полям, и слияние рекурсивно спускается в нее.
type FieldRule struct {
	Sub         RuleTable // Sub вложенная таблица для композитных полей
	Strategy    Strategy  // Strategy стратегия для скалярного поля
	Description string    // Description назначение правила (для диагностики)
}

// RuleTable таблица правил слияния: имя поля -> правило
type RuleTable map[string]FieldRule

// Таблицы правил - статическая конфигурация, а не код.
// Политика выбора: поля идентичности и безопасности - remote_wins (сервер
// авторитетен), пользовательские предпочтения - local_wins, счетчики - max,
// теговые массивы - union, остальной контент - last_write.
// Любые изменения правил вносятся только здесь, специальные случаи
// вне таблиц запрещены.
var entityRules = map[string]RuleTable{
	models.EntityTypeTicket: {
		"number":      {Strategy: StrategyRemoteWins, Description: "ticket number is assigned by the server"},
		"client_name": {Strategy: StrategyLastWrite, Description: "display name shown on the ticket"},
		"status":      {Strategy: StrategyLastWrite, Description: "workflow status of the ticket"},
		"services":    {Strategy: StrategyUnion, Description: "services added from any device"},
		"notes":       {Strategy: StrategyLastWrite, Description: "free-form notes"},
		"discount":    {Strategy: StrategyLastWrite, Description: "applied discount"},
		"tip":         {Strategy: StrategyLastWrite, Description: "tip entered at checkout"},
	},
	models.EntityTypeStaff: {
		"pin_code":      {Strategy: StrategyRemoteWins, Description: "login PIN is managed by the back office"},
		"role":          {Strategy: StrategyRemoteWins, Description: "permission role is managed by the back office"},
		"display_name":  {Strategy: StrategyLastWrite, Description: "name shown on tickets and schedule"},
		"specialties":   {Strategy: StrategyUnion, Description: "service specialties"},
		"tickets_today": {Strategy: StrategyMax, Description: "served tickets counter"},
		"preferences": {
			Description: "per-device UI preferences",
			Sub: RuleTable{
				"view_mode":     {Strategy: StrategyLocalWins, Description: "list or grid view"},
				"sound_alerts":  {Strategy: StrategyLocalWins, Description: "new ticket sound"},
				"quick_actions": {Strategy: StrategyUnion, Description: "pinned quick actions"},
			},
		},
	},
	models.EntityTypeClient: {
		"phone":          {Strategy: StrategyRemoteWins, Description: "phone number identifies the client record"},
		"email":          {Strategy: StrategyLastWrite, Description: "contact email"},
		"loyalty_points": {Strategy: StrategyMax, Description: "loyalty points only accumulate"},
		"visit_count":    {Strategy: StrategyMax, Description: "visit counter"},
		"tags":           {Strategy: StrategyUnion, Description: "marketing tags added from any device"},
		"profile": {
			Description: "composite client profile",
			Sub: RuleTable{
				"preferred_staff":   {Strategy: StrategyLocalWins, Description: "preference captured at the register"},
				"allergy_notes":     {Strategy: StrategyLastWrite, Description: "safety notes"},
				"favorite_services": {Strategy: StrategyUnion, Description: "favorite services"},
				"marketing_opt_in":  {Strategy: StrategyRemoteWins, Description: "consent is legally authoritative on the server"},
			},
		},
	},
	models.EntityTypeAppointment: {
		"start_at":  {Strategy: StrategyLastWrite, Description: "scheduled start time"},
		"staff_id":  {Strategy: StrategyLastWrite, Description: "assigned staff member"},
		"services":  {Strategy: StrategyUnion, Description: "booked services"},
		"status":    {Strategy: StrategyLastWrite, Description: "booking status"},
		"confirmed": {Strategy: StrategyRemoteWins, Description: "confirmation is issued by the server"},
	},
}

// RulesFor возвращает таблицу правил для типа сущности.
// Для типов без собственной таблицы возвращает ok=false - вызывающий
// должен использовать EntityFallback (last-write-wins целиком).
func RulesFor(entityType string) (RuleTable, bool) {
	table, ok := entityRules[entityType]
	return table, ok
}
