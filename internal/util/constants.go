package util

const (
	DateFormat   = "2006-01-02"
	TimeFormat   = "2006-01-02 15:04:05"
	MinuteFormat = "2006-01-02 15:04"
)

// 评分范围与终态进度
const (
	MinStepRating    = 1
	MaxStepRating    = 5
	ProgressAwaiting = 95.0
	ProgressComplete = 100.0
)

const (
	StorageLocal = "local"
	StorageMinio = "minio"
)

const (
	MimeJSON = "application/json"
	MimeHTML = "text/html; charset=utf-8"
)
