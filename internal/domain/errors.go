package domain

import "errors"

var (
	// ErrMalformedJob job 记录无法解析或缺少必要字段
	ErrMalformedJob = errors.New("malformed job record")
	// ErrSubmissionNotFound 提交记录不存在
	ErrSubmissionNotFound = errors.New("submission not found")
	// ErrTicketNotFound 工单不存在
	ErrTicketNotFound = errors.New("ticket not found")
)
