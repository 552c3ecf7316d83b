package hub

// Reserved names and topics.
const (
	SystemName      = "<system>"
	SystemCallTopic = "system/call"
	PulseTopic      = "system/pulse"
	MsgLostPrefix   = "system/msg_lost/"
	CallSuffix      = "/call"
	ReturnSuffix    = "/ret"
)

// Lifecycle events published for every session.
const (
	EventPrepare = "prepare"
	EventNew     = "new"
	EventLost    = "lost"
	EventExit    = "exit"
	EventError   = "error"
)

// LifecycleTopic is the topic a lifecycle event for the named session is
// published on.
func LifecycleTopic(event, name string) string {
	return "system/" + event + "_agent/" + name
}

// Log event identifiers, emitted in the "event" field.
const (
	evHubStart        = "hub.start"
	evHubLoop         = "hub.loop"
	evHubFinish       = "hub.finish"
	evHubAdmit        = "hub.admit"
	evHubSpawn        = "hub.spawn"
	evMessage         = "hub.message"
	evMessageUnrouted = "hub.message.unrouted"
	evMessageNoRet    = "hub.message.noret"
	evMessageBadCall  = "hub.message.badcall"
	evMessageRemoved  = "hub.message.removed"
	evDeliverFailed   = "hub.deliver.failed"
	evSubscribe       = "hub.subscribe"

	evAgentPrepare   = "agent.prepare"
	evAgentNew       = "agent.new"
	evAgentProtocol  = "agent.protocol"
	evAgentLost      = "agent.lost"
	evAgentError     = "agent.error"
	evAgentFinish    = "agent.finish"
	evAgentStray     = "agent.stray_output"
	evAgentRead      = "agent.read"
	evAgentReadError = "agent.read_error"
	evAgentWrite     = "agent.write"
	evAgentSignal    = "agent.signal"
	evAgentPanic     = "agent.panic"

	evSystemCall        = "system.call"
	evSystemExitCode    = "system.exit_code"
	evSystemUnprocessed = "system.unprocessed"
	evSystemPulse       = "system.pulse"
	evSystemSweep       = "system.sweep"
)
