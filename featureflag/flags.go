package featureflag

type Flag string

const (
	// Moves bodies with the full grid scan instead of removing them from the
	// cells of their previous bounds.
	FlagSlowPathMove Flag = "SLOW_PATH_MOVE"

	FlagDisableWebsocket     Flag = "DISABLE_WEBSOCKET"
	FlagDisableDebugEndpoint Flag = "DISABLE_DEBUG_ENDPOINT"
)
