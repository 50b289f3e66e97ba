package config

const (
	// TopicEmbeddingQueued is the NSQ topic nudged after a chunk is enqueued for embedding.
	TopicEmbeddingQueued = "embedding.queued"

	// ChannelQueueProcessor is the NSQ channel the queue processor consumes nudges on.
	ChannelQueueProcessor = "processor"
)
