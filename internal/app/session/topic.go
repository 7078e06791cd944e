package session

import "strings"

// MessageKind is the lifecycle/data discriminator embedded in the topic
// hierarchy, node-level or device-level depending on whether the session
// carries a device ID.
type MessageKind string

const (
	KindNodeBirth   MessageKind = "NBIRTH"
	KindNodeData    MessageKind = "NDATA"
	KindNodeDeath   MessageKind = "NDEATH"
	KindNodeCommand MessageKind = "NCMD"

	KindDeviceBirth MessageKind = "DBIRTH"
	KindDeviceData  MessageKind = "DDATA"
	KindDeviceDeath MessageKind = "DDEATH"
)

// Topic builds `{namespace}/{group}/{kind}/{node}[/{device}]`.
func Topic(namespace, group string, kind MessageKind, nodeID, deviceID string) string {
	parts := []string{namespace, group, string(kind), nodeID}
	if deviceID != "" {
		parts = append(parts, deviceID)
	}
	return strings.Join(parts, "/")
}

// CommandFilter is the subscription filter for rebirth commands addressed to
// any node in the group.
func CommandFilter(namespace, group string) string {
	return strings.Join([]string{namespace, group, string(KindNodeCommand), "+"}, "/")
}

// NodeFromCommandTopic extracts the node ID from an NCMD topic. Returns ""
// when the topic does not match the command shape.
func NodeFromCommandTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[2] != string(KindNodeCommand) {
		return ""
	}
	return parts[3]
}
