package ports

import "context"

// Logger is the structured logging contract every component takes by
// injection. Fields are free-form key/value maps; implementations decide
// rendering and level filtering.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...map[string]interface{})
	Info(ctx context.Context, msg string, fields ...map[string]interface{})
	Warn(ctx context.Context, msg string, fields ...map[string]interface{})
	// Error carries the causing error separately from the message.
	Error(ctx context.Context, err error, msg string, fields ...map[string]interface{})
}
