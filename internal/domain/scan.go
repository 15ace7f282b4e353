package domain

import "time"

// ScanStatus 恶意软件扫描结论
type ScanStatus string

const (
	ScanClean       ScanStatus = "clean"
	ScanInfected    ScanStatus = "infected"
	ScanError       ScanStatus = "error"
	ScanUnavailable ScanStatus = "unavailable"
)

// ScanResult 单个文件的扫描结果
type ScanResult struct {
	Status   ScanStatus    `json:"status"`
	Engine   string        `json:"engine,omitempty"`
	ExitCode int           `json:"exitCode"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	Duration time.Duration `json:"duration"`
}
