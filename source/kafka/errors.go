package kafka

import "errors"

var (
	// ErrBufferClosed is the normal end-of-stream signal for readers and
	// writers of a closed buffer or stream. It is not retryable.
	ErrBufferClosed = errors.New("kafka: buffer closed")

	// ErrStaleOffset rejects a put at or below the last accepted offset of
	// its partition.
	ErrStaleOffset = errors.New("kafka: offset not beyond last accepted offset")

	// ErrFetchFailed is the fatal cause recorded on a stream whose fetcher
	// gave up.
	ErrFetchFailed = errors.New("kafka: fetch failed")
)
