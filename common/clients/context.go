package clients

import "context"

// contextKey keeps request-scoped identity keys collision-free
type contextKey string

const (
	// UserIDKey carries the acting human's id, forwarded as the
	// X-User-ID header on outbound requests
	UserIDKey contextKey = "user-id"

	// ExecutorIDKey carries the workflow executor's identity,
	// forwarded as the X-Executor-ID header on outbound requests
	ExecutorIDKey contextKey = "executor-id"
)

// WithUserID attaches the acting human's id to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID retrieves the user ID from context
// Returns the user ID and true if found, empty string and false otherwise
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(UserIDKey).(string)
	return userID, ok && userID != ""
}

// WithExecutorID attaches the workflow executor's identity to the
// context so calls made on behalf of a run identify their executor
func WithExecutorID(ctx context.Context, executorID string) context.Context {
	return context.WithValue(ctx, ExecutorIDKey, executorID)
}

// GetExecutorID retrieves the executor ID from context
func GetExecutorID(ctx context.Context) (string, bool) {
	executorID, ok := ctx.Value(ExecutorIDKey).(string)
	return executorID, ok && executorID != ""
}
