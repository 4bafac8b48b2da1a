package forkcore

import "testing"

func TestConfigurationValidate(t *testing.T) {
	dir := t.TempDir()
	c := DefaultConfiguration()
	c.WorkspaceRoot = dir
	c.AllowedExtensions = []string{"xlsx"}
	c.AuditLogDir = dir
	if err := c.Validate(); err != nil {
		t.Fatalf("expected valid configuration, got %v", err)
	}
}

func TestConfigurationValidateRejectsOutOfRange(t *testing.T) {
	dir := t.TempDir()
	base := DefaultConfiguration()
	base.WorkspaceRoot = dir
	base.AllowedExtensions = []string{"xlsx"}
	base.AuditLogDir = dir

	mutate := []func(*Configuration){
		func(c *Configuration) { c.CacheCapacity = 0 },
		func(c *Configuration) { c.CacheCapacity = 1001 },
		func(c *Configuration) { c.MaxConcurrentRecalcs = 0 },
		func(c *Configuration) { c.MaxConcurrentRecalcs = 101 },
		func(c *Configuration) { c.MaxForks = 0 },
		func(c *Configuration) { c.ToolTimeoutMs = 50 },
		func(c *Configuration) { c.MaxResponseBytes = 10 },
		func(c *Configuration) { c.AllowedExtensions = nil },
		func(c *Configuration) { c.WorkspaceRoot = "" },
	}
	for i, m := range mutate {
		c := base
		m(&c)
		if err := c.Validate(); err == nil {
			t.Errorf("case %d: expected validation error, got nil", i)
		}
	}
}

func TestConfigurationValidateZeroMeansDisabled(t *testing.T) {
	dir := t.TempDir()
	c := DefaultConfiguration()
	c.WorkspaceRoot = dir
	c.AllowedExtensions = []string{"xlsx"}
	c.AuditLogDir = dir
	c.ToolTimeoutMs = 0
	c.MaxResponseBytes = 0
	if err := c.Validate(); err != nil {
		t.Fatalf("expected 0 (disabled) to be valid, got %v", err)
	}
}
