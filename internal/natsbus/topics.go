package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

// InboxNotice is published on TopicAgentInbox whenever a message lands in
// an agent's mailbox. The message itself stays in the mailbox.
type InboxNotice struct {
	ID       string `json:"id"`
	From     string `json:"from"`
	Priority string `json:"priority"`
}

// TopicAgentInbox carries an InboxNotice for each queued message.
func TopicAgentInbox(agentID string) string {
	return fmt.Sprintf("agent.%s.inbox", agentID)
}

func TopicAgentStatus(agentID string) string {
	return fmt.Sprintf("agent.%s.status", agentID)
}

func TopicChannelEvent(eventType string) string {
	return fmt.Sprintf("events.channel.%s", eventType)
}

func TopicEventsTask(taskID string) string {
	return fmt.Sprintf("events.task.%s", taskID)
}

func TopicEventsSwarm(swarmID string) string {
	return fmt.Sprintf("events.swarm.%s", swarmID)
}

const (
	// TopicSwarmIPC is the request/reply subject served by the coordinator.
	TopicSwarmIPC = "swarm.ipc"

	TopicEventsAll       = "events.>"
	TopicEventsTasks     = "events.task.*"
	TopicEventsSwarms    = "events.swarm.*"
	TopicEventsChannel   = "events.channel.*"
	TopicEventsScheduler = "events.scheduler.executed"
)
