// Package consts defines application-wide constants.
package consts

import "time"

const (
	// DefaultHandlerTimeout is the default timeout for HTTP handlers.
	DefaultHandlerTimeout = 30 * time.Second
	// DefaultSimulateTime is the default time to simulate a fetch in the mock downloader.
	DefaultSimulateTime = 2 * time.Second
	// MaxBatchSize is the maximum number of items accepted by one batch request.
	MaxBatchSize = 50
	// MaxFilenameLength bounds the title-derived part of an output filename.
	MaxFilenameLength = 50
)

// HTTP response messages.
const (
	// RespInvalidRequestBody is returned when the request body is invalid.
	RespInvalidRequestBody = "invalid request body"
	// RespQueryParamMissing is returned when a required query or path parameter is missing or invalid.
	RespQueryParamMissing = "query param missing or invalid"
	// RespUnprocessableEntity is returned when the request cannot be processed.
	RespUnprocessableEntity = "unprocessable entity"
	// RespExtracted is returned when metadata is extracted.
	RespExtracted = "info extracted"
	// RespExtractFail is returned when metadata extraction fails.
	RespExtractFail = "info extraction failed"
	// RespTaskCreated is returned when a task is created.
	RespTaskCreated = "task created"
	// RespTaskEnqueued is returned when a task is queued for execution.
	RespTaskEnqueued = "task enqueued"
	// RespTaskEnqueueFail is returned when a task cannot be enqueued.
	RespTaskEnqueueFail = "task enqueue failed"
	// RespTaskRetrieved is returned when a task is retrieved.
	RespTaskRetrieved = "task retrieved"
	// RespTasksRetrieved is returned when tasks are retrieved.
	RespTasksRetrieved = "tasks retrieved"
	// RespTaskNotFound is returned when a task is not found.
	RespTaskNotFound = "task not found"
	// RespTaskConflict is returned when the task state does not allow the operation.
	RespTaskConflict = "task state conflict"
	// RespTaskCancelled is returned when a task is cancelled.
	RespTaskCancelled = "task cancelled"
	// RespTaskDeleted is returned when a task is deleted.
	RespTaskDeleted = "task deleted"
	// RespBatchProcessed is returned when a batch request is processed.
	RespBatchProcessed = "batch processed"
	// RespStatsRetrieved is returned with aggregate statistics.
	RespStatsRetrieved = "stats retrieved"
	// RespCleanupDone is returned when cleanup finishes.
	RespCleanupDone = "cleanup done"
	// RespSupportedSites is returned with the supported sites list.
	RespSupportedSites = "supported sites"
	// RespQueueFull is returned when the execution queue is full.
	RespQueueFull = "task queue is full"
	// RespRateLimited is returned when a client exceeds the request rate.
	RespRateLimited = "rate limit exceeded"
	// RespInternalError is returned for unexpected failures.
	RespInternalError = "internal error"
	// RespHealthy is returned by the health endpoint.
	RespHealthy = "healthy"
)

// Downloader identifiers.
const (
	// DownloaderYTdlp is the yt-dlp downloader identifier.
	DownloaderYTdlp = "ytdlp"
	// DownloaderNative is the native http/hls downloader identifier.
	DownloaderNative = "native"
	// DownloaderMock is the mock downloader identifier for testing.
	DownloaderMock = "mock"
	// PostProcessorFFmpeg is the ffmpeg post-processor identifier.
	PostProcessorFFmpeg = "ffmpeg"
)
