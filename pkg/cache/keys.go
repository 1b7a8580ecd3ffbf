package cache

import "fmt"

// Key layout. Everything the gateway caches lives under one of these
// shapes; TTLs are set per shape, not per call site.
const (
	queueKey      = "write:queue"
	deadLetterKey = "write:deadletter"
)

func userKey(id int64) string {
	return fmt.Sprintf("user:%d", id)
}

func threadKey(chatID, userID, topicID int64) string {
	return fmt.Sprintf("thread:%d:%d:%d", chatID, userID, topicID)
}

func threadMessagesKey(threadID int64) string {
	return fmt.Sprintf("thread:%d:messages", threadID)
}

func threadFilesKey(threadID int64) string {
	return fmt.Sprintf("thread:%d:files", threadID)
}

func fileBytesKey(providerFileID string) string {
	return fmt.Sprintf("file:%s:bytes", providerFileID)
}

func execKey(tempID string) string {
	return fmt.Sprintf("exec:%s", tempID)
}

func execThreadKey(threadID int64) string {
	return fmt.Sprintf("exec:thread:%d", threadID)
}
