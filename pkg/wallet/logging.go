package wallet

// EngineOption configures an Engine instance.
type EngineOption func(*Engine)

// OperationLogger records domain-level events emitted by Engine operations.
type OperationLogger interface {
	LogOperation(entry OperationLog)
}

// OperationLog describes a state-changing reconciliation operation.
type OperationLog struct {
	Operation   string
	UserID      UserID
	EventID     EventID
	AmountDelta Delta
	Source      Source
	Displayed   Amount
	Version     int64
	Status      string
	Error       error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) EngineOption {
	return func(engine *Engine) {
		engine.logger = logger
	}
}

// WithNoticeHook registers a callback invoked for every adjustment notice, on the owning goroutine.
func WithNoticeHook(hook func(Notice)) EngineOption {
	return func(engine *Engine) {
		engine.noticeHook = hook
	}
}
