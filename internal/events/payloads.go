package events

import "time"

// Payload is the kind-specific body of an Event. Each kind has exactly one
// payload type, registered in payloadFactories.
type Payload interface {
	Kind() Kind
}

// payloadFactories maps each kind to a constructor for its payload. Decoding
// an event goes through this table, so a kind missing here cannot cross the
// relay.
var payloadFactories = map[Kind]func() Payload{
	KindPing:            func() Payload { return &Ping{} },
	KindTaskCreate:      func() Payload { return &TaskCreate{} },
	KindTaskCancel:      func() Payload { return &TaskCancel{} },
	KindChatSend:        func() Payload { return &ChatSend{} },
	KindChatCancel:      func() Payload { return &ChatCancel{} },
	KindToolCallRespond: func() Payload { return &ToolCallRespond{} },
	KindFileWatchStart:  func() Payload { return &FileWatchStart{} },
	KindFileWatchStop:   func() Payload { return &FileWatchStop{} },

	KindPong:              func() Payload { return &Pong{} },
	KindTaskCreated:       func() Payload { return &TaskCreated{} },
	KindTaskUpdated:       func() Payload { return &TaskUpdated{} },
	KindTaskCompleted:     func() Payload { return &TaskCompleted{} },
	KindTaskFailed:        func() Payload { return &TaskFailed{} },
	KindChatMessage:       func() Payload { return &ChatMessage{} },
	KindChatCompleted:     func() Payload { return &ChatCompleted{} },
	KindToolCallRequested: func() Payload { return &ToolCallRequested{} },
	KindFileChanged:       func() Payload { return &FileChanged{} },
	KindNotice:            func() Payload { return &Notice{} },
}

// -----------------------------------------------------------------------------
// Client payloads
// -----------------------------------------------------------------------------

// Ping asks the workspace process to answer with a Pong.
type Ping struct {
	Nonce string `json:"nonce,omitempty"`
}

// TaskCreate requests a new task.
type TaskCreate struct {
	TaskID      string `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	ParentID    string `json:"parent_id,omitempty"` // set for subtasks
}

// TaskCancel requests cancellation of a running task.
type TaskCancel struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason,omitempty"`
}

// ChatSend posts a user message to a chat session.
type ChatSend struct {
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
}

// ChatCancel aborts the in-flight assistant reply of a chat session.
type ChatCancel struct {
	ChatID string `json:"chat_id"`
}

// ToolCallRespond approves or rejects a pending tool call.
type ToolCallRespond struct {
	ToolCallID string `json:"tool_call_id"`
	Approved   bool   `json:"approved"`
	Comment    string `json:"comment,omitempty"`
}

// FileWatchStart asks the workspace to start reporting changes under Path.
type FileWatchStart struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive,omitempty"`
}

// FileWatchStop stops a watch started by FileWatchStart.
type FileWatchStop struct {
	Path string `json:"path"`
}

// -----------------------------------------------------------------------------
// Server payloads
// -----------------------------------------------------------------------------

// Pong answers a Ping and echoes its nonce.
type Pong struct {
	Nonce string `json:"nonce,omitempty"`
}

// TaskCreated reports that a task exists.
type TaskCreated struct {
	TaskID   string `json:"task_id"`
	Title    string `json:"title"`
	ParentID string `json:"parent_id,omitempty"`
}

// TaskUpdated reports progress on a task.
type TaskUpdated struct {
	TaskID   string  `json:"task_id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress,omitempty"` // 0..1
	Message  string  `json:"message,omitempty"`
}

// TaskCompleted reports the successful end of a task.
type TaskCompleted struct {
	TaskID   string        `json:"task_id"`
	Result   string        `json:"result,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// TaskFailed reports the unsuccessful end of a task.
type TaskFailed struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

// ChatMessage carries a message, or a streamed fragment of one, in a chat.
type ChatMessage struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Partial   bool   `json:"partial,omitempty"`
}

// ChatCompleted marks the end of an assistant reply.
type ChatCompleted struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// ToolCallRequested asks the UI to approve a tool call.
type ToolCallRequested struct {
	ToolCallID string            `json:"tool_call_id"`
	Tool       string            `json:"tool"`
	Arguments  map[string]string `json:"arguments,omitempty"`
}

// FileChanged reports a change observed by a file watch.
type FileChanged struct {
	Path string `json:"path"`
	Op   string `json:"op"` // create, write, remove, rename
}

// Notice is a free-form informational message for the UI.
type Notice struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (Ping) Kind() Kind            { return KindPing }
func (TaskCreate) Kind() Kind      { return KindTaskCreate }
func (TaskCancel) Kind() Kind      { return KindTaskCancel }
func (ChatSend) Kind() Kind        { return KindChatSend }
func (ChatCancel) Kind() Kind      { return KindChatCancel }
func (ToolCallRespond) Kind() Kind { return KindToolCallRespond }
func (FileWatchStart) Kind() Kind  { return KindFileWatchStart }
func (FileWatchStop) Kind() Kind   { return KindFileWatchStop }

func (Pong) Kind() Kind              { return KindPong }
func (TaskCreated) Kind() Kind       { return KindTaskCreated }
func (TaskUpdated) Kind() Kind       { return KindTaskUpdated }
func (TaskCompleted) Kind() Kind     { return KindTaskCompleted }
func (TaskFailed) Kind() Kind        { return KindTaskFailed }
func (ChatMessage) Kind() Kind       { return KindChatMessage }
func (ChatCompleted) Kind() Kind     { return KindChatCompleted }
func (ToolCallRequested) Kind() Kind { return KindToolCallRequested }
func (FileChanged) Kind() Kind       { return KindFileChanged }
func (Notice) Kind() Kind            { return KindNotice }
