package events

import "fmt"

// Kind is the discriminator of an event. The set of kinds is closed: every
// kind belongs to exactly one Namespace and has exactly one payload type.
type Kind string

// Namespace partitions kinds by the side of the relay that originates them.
type Namespace int

const (
	// NamespaceClient holds kinds produced by the UI process.
	NamespaceClient Namespace = iota + 1
	// NamespaceServer holds kinds produced by the workspace process.
	NamespaceServer
)

// Client kinds
const (
	KindPing            Kind = "ping"
	KindTaskCreate      Kind = "task.create"
	KindTaskCancel      Kind = "task.cancel"
	KindChatSend        Kind = "chat.send"
	KindChatCancel      Kind = "chat.cancel"
	KindToolCallRespond Kind = "tool_call.respond"
	KindFileWatchStart  Kind = "file_watch.start"
	KindFileWatchStop   Kind = "file_watch.stop"
)

// Server kinds
const (
	KindPong              Kind = "pong"
	KindTaskCreated       Kind = "task.created"
	KindTaskUpdated       Kind = "task.updated"
	KindTaskCompleted     Kind = "task.completed"
	KindTaskFailed        Kind = "task.failed"
	KindChatMessage       Kind = "chat.message"
	KindChatCompleted     Kind = "chat.completed"
	KindToolCallRequested Kind = "tool_call.requested"
	KindFileChanged       Kind = "file.changed"
	KindNotice            Kind = "notice"
)

var clientKinds = []Kind{
	KindPing,
	KindTaskCreate,
	KindTaskCancel,
	KindChatSend,
	KindChatCancel,
	KindToolCallRespond,
	KindFileWatchStart,
	KindFileWatchStop,
}

var serverKinds = []Kind{
	KindPong,
	KindTaskCreated,
	KindTaskUpdated,
	KindTaskCompleted,
	KindTaskFailed,
	KindChatMessage,
	KindChatCompleted,
	KindToolCallRequested,
	KindFileChanged,
	KindNotice,
}

var kindNamespaces = func() map[Kind]Namespace {
	m := make(map[Kind]Namespace, len(clientKinds)+len(serverKinds))
	for _, k := range clientKinds {
		m[k] = NamespaceClient
	}
	for _, k := range serverKinds {
		m[k] = NamespaceServer
	}
	return m
}()

// Namespace reports which namespace the kind belongs to.
func (k Kind) Namespace() (Namespace, bool) {
	ns, ok := kindNamespaces[k]
	return ns, ok
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kindNamespaces[k]
	return ok
}

// In reports whether k is a known kind of namespace ns.
func (k Kind) In(ns Namespace) bool {
	got, ok := kindNamespaces[k]
	return ok && got == ns
}

func (k Kind) String() string { return string(k) }

// Kinds returns the kinds of a namespace in declaration order. The returned
// slice is a copy.
func Kinds(ns Namespace) []Kind {
	var src []Kind
	switch ns {
	case NamespaceClient:
		src = clientKinds
	case NamespaceServer:
		src = serverKinds
	default:
		return nil
	}
	out := make([]Kind, len(src))
	copy(out, src)
	return out
}

// AllKinds returns every known kind, client kinds first.
func AllKinds() []Kind {
	return append(Kinds(NamespaceClient), Kinds(NamespaceServer)...)
}

func (n Namespace) String() string {
	switch n {
	case NamespaceClient:
		return "client"
	case NamespaceServer:
		return "server"
	default:
		return fmt.Sprintf("namespace(%d)", int(n))
	}
}
