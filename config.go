package forkcore

import (
	"fmt"
	"os"
)

// Configuration holds every option recognised by the server. All options
// are validated at startup via Validate; any out-of-range value must abort
// before the server accepts calls.
type Configuration struct {
	// WorkspaceRoot is the existing, readable directory all fork work files,
	// checkpoints, and audit logs live under.
	WorkspaceRoot string
	// AllowedExtensions is the non-empty list of extensions (without the
	// leading dot, e.g. "xlsx") workbooks may have.
	AllowedExtensions []string
	// CacheCapacity bounds the workbook cache's LRU size. Must be in [1, 1000].
	CacheCapacity int
	// MaxConcurrentRecalcs bounds the recalc gate. Must be in [1, 100].
	MaxConcurrentRecalcs int
	// MaxForks bounds the number of simultaneous forks. Must be >= 1.
	MaxForks int
	// ToolTimeoutMs is 0 (disabled) or an integer in [100, 600_000].
	ToolTimeoutMs int
	// MaxResponseBytes is 0 (disabled) or an integer in [1024, 100_000_000].
	MaxResponseBytes int
	// AuditBufferCapacity is the in-memory ring buffer capacity, default ~10_000.
	AuditBufferCapacity int
	// AuditLogDir is the directory audit log files are written to.
	AuditLogDir string
	// AuditMaxFileBytes is the rotation threshold for a single audit log file.
	AuditMaxFileBytes int64
	// AuditMaxFiles bounds the number of retained rotated audit log files.
	AuditMaxFiles int
	// AuditMaxAgeDays bounds the age of retained rotated audit log files.
	AuditMaxAgeDays int
}

// DefaultConfiguration returns a Configuration with sensible defaults for
// every numeric field (small cache capacity, audit buffer ~10^4). Callers
// still must set WorkspaceRoot and AllowedExtensions.
func DefaultConfiguration() Configuration {
	return Configuration{
		CacheCapacity:        5,
		MaxConcurrentRecalcs: 4,
		MaxForks:             64,
		ToolTimeoutMs:        30_000,
		MaxResponseBytes:     10_000_000,
		AuditBufferCapacity:  10_000,
		AuditMaxFileBytes:    10 * 1024 * 1024,
		AuditMaxFiles:        10,
		AuditMaxAgeDays:      30,
	}
}

// Validate checks every field against its recognised range and rejects the
// configuration with a descriptive error on the first violation found.
func (c Configuration) Validate() error {
	if c.WorkspaceRoot == "" {
		return fmt.Errorf("forkcore: workspace_root must be set")
	}
	info, err := os.Stat(c.WorkspaceRoot)
	if err != nil {
		return fmt.Errorf("forkcore: workspace_root %q: %w", c.WorkspaceRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("forkcore: workspace_root %q is not a directory", c.WorkspaceRoot)
	}
	if len(c.AllowedExtensions) == 0 {
		return fmt.Errorf("forkcore: allowed_extensions must be non-empty")
	}
	if c.CacheCapacity < 1 || c.CacheCapacity > 1000 {
		return fmt.Errorf("forkcore: cache_capacity %d out of range [1, 1000]", c.CacheCapacity)
	}
	if c.MaxConcurrentRecalcs < 1 || c.MaxConcurrentRecalcs > 100 {
		return fmt.Errorf("forkcore: max_concurrent_recalcs %d out of range [1, 100]", c.MaxConcurrentRecalcs)
	}
	if c.MaxForks < 1 {
		return fmt.Errorf("forkcore: max_forks %d must be >= 1", c.MaxForks)
	}
	if c.ToolTimeoutMs != 0 && (c.ToolTimeoutMs < 100 || c.ToolTimeoutMs > 600_000) {
		return fmt.Errorf("forkcore: tool_timeout_ms %d out of range (0 or [100, 600000])", c.ToolTimeoutMs)
	}
	if c.MaxResponseBytes != 0 && (c.MaxResponseBytes < 1024 || c.MaxResponseBytes > 100_000_000) {
		return fmt.Errorf("forkcore: max_response_bytes %d out of range (0 or [1024, 100000000])", c.MaxResponseBytes)
	}
	if c.AuditBufferCapacity < 1 {
		return fmt.Errorf("forkcore: audit_buffer_capacity %d must be positive", c.AuditBufferCapacity)
	}
	if c.AuditLogDir == "" {
		return fmt.Errorf("forkcore: audit_log_dir must be set")
	}
	if c.AuditMaxFileBytes < 1 {
		return fmt.Errorf("forkcore: audit_max_file_bytes must be positive")
	}
	if c.AuditMaxFiles < 1 {
		return fmt.Errorf("forkcore: audit_max_files must be positive")
	}
	if c.AuditMaxAgeDays < 1 {
		return fmt.Errorf("forkcore: audit_max_age_days must be positive")
	}
	return nil
}
