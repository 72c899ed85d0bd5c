package models

// LogModule names the subsystem that produced an audit entry.
type LogModule string

const (
	ModuleAPI    LogModule = "API"
	ModuleEngine LogModule = "ENGINE"
	ModuleStream LogModule = "STREAM"
	ModuleSystem LogModule = "SYSTEM"
)

// LogLevel is the severity of an audit entry.
type LogLevel string

const (
	LevelInfo     LogLevel = "INFO"
	LevelWarn     LogLevel = "WARN"
	LevelError    LogLevel = "ERROR"
	LevelSecurity LogLevel = "SECURITY"
)

// LogTimestampLayout is the SQL-like, lexically sortable timestamp format.
const LogTimestampLayout = "2006-01-02 15:04:05"

// LogEntry is an immutable audit record.
type LogEntry struct {
	ID        string    `json:"id"`
	Timestamp string    `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Module    LogModule `json:"module"`
	Message   string    `json:"message"`
}
